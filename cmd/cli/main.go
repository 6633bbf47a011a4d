package main

import (
	"log"
	"time"

	"github.com/absmach/fedsync/cli"
	"github.com/absmach/fedsync/pkg/sdk"
	"github.com/spf13/cobra"
)

func main() {
	var (
		tlsVerification = cli.DefTLSVerification
		timeout         = cli.DefSendTimeout
	)

	rootCmd := &cobra.Command{
		Use:   "fedsync-cli",
		Short: "fedsync CLI",
		Long:  `fedsync CLI is a command line interface for inspecting and steering fedsync nodes.`,
		PersistentPreRunE: func(_ *cobra.Command, _ []string) error {
			d, err := time.ParseDuration(timeout)
			if err != nil {
				return err
			}
			s := sdk.NewSDK(sdk.Config{
				Timeout:         d,
				TLSVerification: tlsVerification,
			})
			cli.SetSDK(s)

			return nil
		},
	}
	rootCmd.PersistentFlags().BoolVar(&tlsVerification, "tls-verification", tlsVerification, "verify TLS certificates of nodes")
	rootCmd.PersistentFlags().StringVar(&timeout, "timeout", timeout, "request timeout")

	rootCmd.AddCommand(cli.NewNodesCmd())

	if err := rootCmd.Execute(); err != nil {
		log.Fatal(err)
	}
}
