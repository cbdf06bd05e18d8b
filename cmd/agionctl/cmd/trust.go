package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	agion "github.com/agion-ai/agion-sdk-go"
)

var trustCmd = &cobra.Command{
	Use:   "trust",
	Short: "Print the agent's current trust score",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withClient(cmd, func(c *agion.Client) error {
			score, err := c.TrustScore(cmd.Context())
			if err != nil {
				fmt.Fprintf(os.Stderr, "warning: %v\n", err)
			}
			fmt.Printf("%.2f\n", score)
			return nil
		})
	},
}

func init() {
	rootCmd.AddCommand(trustCmd)
}
