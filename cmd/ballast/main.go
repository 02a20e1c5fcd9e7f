// The ballast command runs a dedicated server and bundles the tools used to
// administer one.
package main

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/dcrodman/ballast/internal/core"
)

var ConfigFlag string

func main() {
	rootCmd := &cobra.Command{
		Use:   "ballast",
		Short: "Ballast dedicated server and related tools",
	}
	rootCmd.PersistentFlags().StringVarP(&ConfigFlag, "config", "c", "./", "Path to the server config/data directory")

	banCmd.AddCommand(banListCmd)
	banCmd.AddCommand(banAddCmd)
	banCmd.AddCommand(banRemoveCmd)
	banAddCmd.Flags().StringVar(&BanEndpointFlag, "endpoint", "", "IP address to ban")
	banAddCmd.Flags().StringVar(&BanAccountFlag, "account", "", "Account to ban, as kind:value (e.g. steam:76561198000000001)")
	banAddCmd.Flags().StringVar(&BanReasonFlag, "reason", "", "Reason shown to the banned client")
	banAddCmd.Flags().DurationVar(&BanDurationFlag, "duration", 0, "Length of the ban; 0 bans permanently")

	certgenCmd.Flags().StringSliceVar(&CertHostsFlag, "host", []string{"localhost"}, "Hostnames or IPs the certificate is valid for")

	probeCmd.Flags().StringVar(&ProbeNameFlag, "name", "Probe", "Name to join with")
	probeCmd.Flags().StringVar(&ProbePasswordFlag, "password", "", "Server password")
	probeCmd.Flags().DurationVar(&ProbeTimeoutFlag, "timeout", 15*time.Second, "How long to wait for the handshake")

	rootCmd.AddCommand(serverCmd)
	rootCmd.AddCommand(banCmd)
	rootCmd.AddCommand(certgenCmd)
	rootCmd.AddCommand(probeCmd)

	if err := rootCmd.Execute(); err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
}

func loadConfig() *core.Config {
	cfg, err := core.LoadConfig(ConfigFlag)
	if err != nil {
		fmt.Println("error loading config:", err)
		os.Exit(1)
	}
	return cfg
}
