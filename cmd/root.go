package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "peercall",
	Short: "Peercall is a peer-to-peer call agent signaling over a relay with a durable fallback log.",
	Run: func(cmd *cobra.Command, args []string) {
		runApp("")
	},
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
}
