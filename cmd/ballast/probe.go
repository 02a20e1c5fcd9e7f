package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/dcrodman/ballast/internal/peer"
	"github.com/dcrodman/ballast/internal/transport/quictransport"
)

var probeCmd = &cobra.Command{
	Use:   "probe ADDRESS",
	Short: "Joins a server and reports how the handshake went",
	Args:  cobra.ExactArgs(1),
	Run:   ProbeCommand,
}

var (
	ProbeNameFlag     string
	ProbePasswordFlag string
	ProbeTimeoutFlag  time.Duration
)

func ProbeCommand(cmd *cobra.Command, args []string) {
	ctx, cancel := context.WithTimeout(context.Background(), ProbeTimeoutFlag)
	defer cancel()

	logger := logrus.New()
	logger.SetLevel(logrus.WarnLevel)

	tr, err := quictransport.Dial(ctx, args[0], nil, quictransport.Config{MaxIdleTimeout: ProbeTimeoutFlag})
	if err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
	client := peer.NewClientPeer(tr, peer.ClientConfig{Name: ProbeNameFlag, Password: ProbePasswordFlag}, logger)
	defer client.Close()

	started := time.Now()
	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			fmt.Printf("no result after %v; last step was %v\n", ProbeTimeoutFlag, client.Step())
			os.Exit(1)
		case <-ticker.C:
		}

		client.Update()
		if reason, ok := client.Disconnected(); ok {
			fmt.Println("disconnected:", reason)
			os.Exit(1)
		}
		if client.Connected() {
			fmt.Printf("joined '%s' in %v\n", client.ServerName(), time.Since(started).Round(time.Millisecond))
			for _, pkg := range client.Manifest() {
				fmt.Printf("  %s %s\n", pkg.Name, pkg.Hash)
			}
			return
		}
	}
}
