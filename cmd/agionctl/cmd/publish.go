package cmd

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	agion "github.com/agion-ai/agion-sdk-go"
	"github.com/agion-ai/agion-sdk-go/events"
)

var (
	publishSeverity   string
	publishImpact     float64
	publishConfidence float64
	publishContext    string
)

var publishCmd = &cobra.Command{
	Use:   "publish <event-type>",
	Short: "Publish a trust event to the log substrate",
	Long: `Publish a trust event for this agent, e.g.:

  agionctl publish task_completed --severity positive --impact 0.1
  agionctl publish policy_violation --severity critical --impact -0.5

The event is buffered and flushed before the command exits.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		var evCtx map[string]any
		if publishContext != "" {
			if err := json.Unmarshal([]byte(publishContext), &evCtx); err != nil {
				return fmt.Errorf("parse --context: %w", err)
			}
		}

		return withClient(cmd, func(c *agion.Client) error {
			err := c.PublishTrustEvent(events.TrustEvent{
				Type:       events.Type(args[0]),
				Severity:   events.Severity(publishSeverity),
				Impact:     publishImpact,
				Confidence: publishConfidence,
				Context:    evCtx,
			})
			if err != nil {
				return err
			}
			fmt.Printf("queued %s event\n", args[0])
			return nil
		})
	},
}

func init() {
	publishCmd.Flags().StringVar(&publishSeverity, "severity", string(events.SeverityNeutral), "event severity (positive|neutral|negative|critical)")
	publishCmd.Flags().Float64Var(&publishImpact, "impact", 0, "trust impact from -1.0 to 1.0")
	publishCmd.Flags().Float64Var(&publishConfidence, "confidence", 1.0, "reporter confidence from 0.0 to 1.0")
	publishCmd.Flags().StringVar(&publishContext, "context", "", "event context as a JSON object")
	rootCmd.AddCommand(publishCmd)
}
