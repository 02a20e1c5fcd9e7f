package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/dcrodman/ballast/internal/core"
	"github.com/dcrodman/ballast/internal/host"
)

var serverCmd = &cobra.Command{
	Use:   "server [-name NAME] [-port PORT] [-ownerkey KEY] ...",
	Short: "Runs a dedicated server",
	Long: "Runs a dedicated server. Arguments use the game's launch format, e.g.\n" +
		"  ballast server -name \"My Server\" -port 27015 -public true -config /etc/ballast",
	DisableFlagParsing: true,
	Run:                ServerCommand,
}

func ServerCommand(cmd *cobra.Command, args []string) {
	serverArgs := core.ParseServerArgs(args)
	if serverArgs.ConfigDir != "" {
		ConfigFlag = serverArgs.ConfigDir
	}
	config := loadConfig()
	fmt.Println("using configuration directory:", ConfigFlag)

	// Bind the Controller to one top-level server context so that we can shut down cleanly.
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Register a SIGTERM handler so that Ctrl-C will shut the server down gracefully.
	c := make(chan os.Signal, 1)
	signal.Notify(c, os.Interrupt, syscall.SIGTERM)
	go exitHandler(cancel, c)

	controller := &host.Controller{
		Config: config,
		Args:   serverArgs,
	}
	if err := controller.Init(ctx); err != nil {
		fmt.Println("error initializing server:", err)
		os.Exit(1)
	}
	if err := controller.Run(ctx); err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
	fmt.Println("shut down")
}

func exitHandler(cancelFn func(), c chan os.Signal) {
	<-c
	fmt.Println("waiting to shut down gracefully...")
	cancelFn()

	<-c
	fmt.Println("hard exiting (killed)")
	os.Exit(1)
}
