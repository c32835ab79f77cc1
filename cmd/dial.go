package cmd

import (
	"log"

	"github.com/spf13/cobra"
)

var dialCmd = &cobra.Command{
	Use:   "dial <user-id>",
	Short: "Place a call to another participant and wait for it to end",
	Run: func(cmd *cobra.Command, args []string) {
		if len(args) != 1 {
			log.Fatalf("dial needs exactly one participant id")
		}

		runApp(args[0])
	},
}

func init() {
	rootCmd.AddCommand(dialCmd)
}
