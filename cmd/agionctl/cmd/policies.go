package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	agion "github.com/agion-ai/agion-sdk-go"
)

var policiesCmd = &cobra.Command{
	Use:   "policies",
	Short: "Print the policy set this agent would load",
	Long: `Fetch and print the agent's active policies as YAML, after one
synchronization round against the governance service.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withClient(cmd, func(c *agion.Client) error {
			rules := c.Engine().Rules()
			if len(rules) == 0 {
				fmt.Println("no active policies")
				return nil
			}
			out, err := yaml.Marshal(rules)
			if err != nil {
				return err
			}
			os.Stdout.Write(out)

			stats := c.Metrics().Sync
			fmt.Fprintf(os.Stderr, "\n%d policies, last sync %s\n", len(rules), stats.LastSync.Format("15:04:05"))
			return nil
		})
	},
}

func init() {
	rootCmd.AddCommand(policiesCmd)
}
