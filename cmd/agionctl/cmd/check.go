package cmd

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	agion "github.com/agion-ai/agion-sdk-go"
	"github.com/agion-ai/agion-sdk-go/policy"
)

var (
	checkMetadata string
	checkResource string
	checkRemote   bool
)

// errDenied flows back through withClient so the deferred client
// shutdown (and its final event flush) runs before the process exits.
var errDenied = errors.New("action denied")

var checkCmd = &cobra.Command{
	Use:   "check <action>",
	Short: "Evaluate an action against the agent's policies",
	Long: `Evaluate an action against the agent's synced policy set and print
the decision. Exits non-zero when the action is denied.

With --remote, the check is sent to the governance service over the
log substrate instead of being evaluated locally.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		action := args[0]

		var metadata map[string]any
		if checkMetadata != "" {
			if err := json.Unmarshal([]byte(checkMetadata), &metadata); err != nil {
				return fmt.Errorf("parse --metadata: %w", err)
			}
		}

		err := withClient(cmd, func(c *agion.Client) error {
			if checkRemote {
				result, err := c.CheckPermission(cmd.Context(), action, metadata)
				if err != nil {
					return err
				}
				printJSON(result)
				if !result.Allowed {
					return errDenied
				}
				return nil
			}

			result, err := c.Evaluate(cmd.Context(), policy.EvaluationContext{
				Action:   action,
				Resource: checkResource,
				Metadata: metadata,
			})
			var violation *policy.ViolationError
			if err != nil && !errors.As(err, &violation) {
				return err
			}
			printJSON(result)
			if !result.Allowed {
				return errDenied
			}
			return nil
		})
		if errors.Is(err, errDenied) {
			cmd.SilenceUsage = true
		}
		return err
	},
}

func printJSON(v any) {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	_ = enc.Encode(v)
}

func init() {
	checkCmd.Flags().StringVar(&checkMetadata, "metadata", "", "evaluation metadata as a JSON object")
	checkCmd.Flags().StringVar(&checkResource, "resource", "", "resource the action targets")
	checkCmd.Flags().BoolVar(&checkRemote, "remote", false, "check against the governance service instead of locally")
	rootCmd.AddCommand(checkCmd)
}
