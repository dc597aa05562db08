package cmd

import (
	"os"

	"github.com/spf13/cobra"
)

// Version is set at build time with -ldflags "-X github.com/jmcleod/quire/cmd/quire/cmd.Version=...".
var Version = "dev"

var rootCmd = &cobra.Command{
	Use:   "quire",
	Short: "Quire is the identity and session service for the quire editor",
	Long: `Quire handles registration, login, session cookies and password resets
for the quire page editor.
Complete documentation is available at https://github.com/jmcleod/quire`,
	SilenceUsage: true,
}

func Execute() {
	err := rootCmd.Execute()
	if err != nil {
		os.Exit(1)
	}
}
