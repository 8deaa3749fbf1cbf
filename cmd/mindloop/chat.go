package main

import (
	"context"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"mindloop/internal/loop"
	"mindloop/internal/types"
)

var (
	chatUser string
	chatTask string
	chatTier string
)

// chatCmd sends one message through the cognitive loop.
var chatCmd = &cobra.Command{
	Use:   "chat [message]",
	Short: "Send one message through the cognitive loop",
	Long: `Runs a single interaction through the full pipeline: breaker check,
frame assembly, safety rules, tiered routing. Prints the response and
where it came from.

Example:
  mindloop chat --user alex --task taxes "I can't get started on this"`,
	Args: cobra.MinimumNArgs(1),
	RunE: runChat,
}

func init() {
	chatCmd.Flags().StringVarP(&chatUser, "user", "u", "", "User id (required)")
	chatCmd.Flags().StringVarP(&chatTask, "task", "t", "", "Current task focus")
	chatCmd.Flags().StringVar(&chatTier, "tier", "gentle", "Nudge tier: gentle, sarcastic, sergeant")
	chatCmd.MarkFlagRequired("user")
}

func runChat(cmd *cobra.Command, args []string) error {
	tier, err := parseTier(chatTier)
	if err != nil {
		return err
	}

	rt, err := buildRuntime()
	if err != nil {
		return err
	}
	defer rt.close()

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	result := rt.loop.Process(ctx, loop.Request{
		UserID:    chatUser,
		AgentID:   "cli",
		Input:     strings.Join(args, " "),
		TaskFocus: chatTask,
		NudgeTier: tier,
	})

	if result.Kind == types.ResultFailed {
		return fmt.Errorf("interaction failed: %s", result.Err)
	}
	if result.Kind == types.ResultCancelled {
		return fmt.Errorf("interaction cancelled: %s", result.Err)
	}

	fmt.Println(result.Response.Text)
	fmt.Println()
	fmt.Printf("  source: %s  confidence: %.2f  %dms\n",
		result.Response.Source, result.Response.Confidence, result.ProcessingTimeMs)
	if result.Frame != nil {
		fmt.Printf("  cognitive load: %.2f  accessibility: %.2f\n",
			result.Frame.CognitiveLoad, result.Frame.Accessibility)
	}
	if len(result.ActionsTaken) > 0 {
		fmt.Printf("  actions: %s\n", strings.Join(result.ActionsTaken, ", "))
	}
	return nil
}

func parseTier(s string) (types.NudgeTier, error) {
	switch types.NudgeTier(s) {
	case types.TierGentle, types.TierSarcastic, types.TierSergeant:
		return types.NudgeTier(s), nil
	default:
		return "", fmt.Errorf("unknown tier %q (want gentle, sarcastic, or sergeant)", s)
	}
}
