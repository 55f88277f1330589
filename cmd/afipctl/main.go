// afipctl is an operator tool for WSAA tickets and WSFEv1 sequencing.
package main

import (
	"os"

	"github.com/alapierre/go-afip-client/afip/config"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

var cfg *config.Config

var rootCmd = &cobra.Command{
	Use:               "afipctl",
	CompletionOptions: cobra.CompletionOptions{DisableDefaultCmd: true},
	Short:             "AFIP access ticket and invoicing tool",
	SilenceUsage:      true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		var err error
		cfg, err = config.Load()
		if err != nil {
			return err
		}
		logrus.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
		logrus.SetLevel(cfg.Level())
		return nil
	},
}

func init() {
	rootCmd.AddCommand(ticketCmd, stateCmd, lastCmd, dummyCmd, migrateCmd, sweepCmd, qrCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		logrus.Error(err)
		os.Exit(1)
	}
}
