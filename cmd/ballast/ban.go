package main

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"

	"github.com/dcrodman/ballast/internal/auth"
	"github.com/dcrodman/ballast/internal/bans"
	"github.com/dcrodman/ballast/internal/core/data"
)

var banCmd = &cobra.Command{
	Use:   "ban",
	Short: "Ban list management tools",
}

var banListCmd = &cobra.Command{
	Use:   "list",
	Short: "Lists every active ban",
	Run:   BanListCommand,
}

var banAddCmd = &cobra.Command{
	Use:   "add NAME",
	Short: "Bans an endpoint or account",
	Args:  cobra.ExactArgs(1),
	Run:   BanAddCommand,
}

var banRemoveCmd = &cobra.Command{
	Use:   "remove ID",
	Short: "Lifts the ban with the given ID",
	Args:  cobra.ExactArgs(1),
	Run:   BanRemoveCommand,
}

var (
	BanEndpointFlag string
	BanAccountFlag  string
	BanReasonFlag   string
	BanDurationFlag time.Duration
)

// openBanList connects to the configured database. The returned function
// closes the connection.
func openBanList() (*bans.List, func()) {
	cfg := loadConfig()
	dialector, err := data.Dialector(cfg.Database.Engine, cfg.QualifiedPath(cfg.Database.Filename), cfg.DatabaseURL())
	if err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
	db, err := data.Open(dialector, cfg.Debugging.DatabaseLoggingEnabled)
	if err != nil {
		fmt.Println("error connecting to database:", err)
		os.Exit(1)
	}
	list, err := bans.NewList(bans.GormStore{DB: db})
	if err != nil {
		fmt.Println("error loading bans:", err)
		os.Exit(1)
	}
	return list, func() { _ = data.Close(db) }
}

func BanListCommand(cmd *cobra.Command, args []string) {
	list, closeDB := openBanList()
	defer closeDB()

	entries := list.Entries()
	if len(entries) == 0 {
		fmt.Println("no active bans")
		return
	}

	table := tablewriter.NewWriter(os.Stdout)
	table.SetHeader([]string{"ID", "Name", "Target", "Reason", "Expires"})
	table.SetAutoWrapText(false)
	table.SetAlignment(tablewriter.ALIGN_LEFT)
	for _, e := range entries {
		target := e.Endpoint
		if e.AccountID != nil {
			target = e.AccountID.String()
		}
		expires := "never"
		if e.ExpiresAt != nil {
			expires = e.ExpiresAt.Local().Format("2006-01-02 15:04:05")
		}
		table.Append([]string{strconv.FormatUint(e.ID, 10), e.Name, target, e.Reason, expires})
	}
	table.Render()
}

func BanAddCommand(cmd *cobra.Command, args []string) {
	var target bans.Target
	switch {
	case BanAccountFlag != "" && BanEndpointFlag != "":
		fmt.Println("only one of --endpoint and --account may be given")
		os.Exit(1)
	case BanAccountFlag != "":
		id, err := auth.ParseAccountID(BanAccountFlag)
		if err != nil {
			fmt.Printf("invalid account %q: %v\n", BanAccountFlag, err)
			os.Exit(1)
		}
		target.Account = auth.NewAccountInfo(id)
	case BanEndpointFlag != "":
		target.Endpoint = BanEndpointFlag
	default:
		fmt.Println("one of --endpoint or --account is required")
		os.Exit(1)
	}

	list, closeDB := openBanList()
	defer closeDB()

	entry, err := list.Ban(args[0], target, BanReasonFlag, BanDurationFlag)
	if err != nil {
		fmt.Println("error adding ban:", err)
		return
	}
	fmt.Printf("banned '%s' (ID: %d)\n", entry.Name, entry.ID)
}

func BanRemoveCommand(cmd *cobra.Command, args []string) {
	id, err := strconv.ParseUint(args[0], 10, 64)
	if err != nil {
		fmt.Printf("invalid ban ID %q\n", args[0])
		os.Exit(1)
	}

	list, closeDB := openBanList()
	defer closeDB()

	if err := list.Unban(id); err != nil {
		fmt.Println("error removing ban:", err)
		return
	}
	fmt.Printf("removed ban %d\n", id)
}
