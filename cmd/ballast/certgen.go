package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/dcrodman/ballast/internal/transport/quictransport"
)

const (
	certificateFilename = "certificate.pem"
	privateKeyFilename  = "key.pem"
)

var certgenCmd = &cobra.Command{
	Use:   "certgen",
	Short: "Generates a self-signed certificate and key for the QUIC listener",
	Long: "Generates a self-signed certificate and key for the QUIC listener and\n" +
		"writes them to the config directory. Point transport.certificate_file and\n" +
		"transport.key_file at them to keep the server's identity across restarts.",
	Run: CertgenCommand,
}

var CertHostsFlag []string

func CertgenCommand(cmd *cobra.Command, args []string) {
	certPEM, keyPEM, err := quictransport.GenerateCertificate(CertHostsFlag)
	if err != nil {
		fmt.Println("error generating certificate:", err)
		os.Exit(1)
	}

	certPath := filepath.Join(ConfigFlag, certificateFilename)
	if err := os.WriteFile(certPath, certPEM, 0644); err != nil {
		fmt.Println("error writing certificate:", err)
		os.Exit(1)
	}
	fmt.Println("wrote", certPath)

	keyPath := filepath.Join(ConfigFlag, privateKeyFilename)
	if err := os.WriteFile(keyPath, keyPEM, 0600); err != nil {
		fmt.Println("error writing private key:", err)
		os.Exit(1)
	}
	fmt.Println("wrote", keyPath)
}
