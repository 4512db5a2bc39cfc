package main

import (
	"context"
	"encoding/json"
	"io"
	"os"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/postconvo/internal/model"
)

// conversationRunner is the orchestrator surface the commands drive.
type conversationRunner interface {
	Run(ctx context.Context, conversationID, userID string) (*model.RunResult, error)
	Rerun(ctx context.Context, conversationID, userID string) (*model.RunResult, error)
}

var (
	runConversationID string
	runUserID         string
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Post-process a single conversation",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		env, err := initPipeline(ctx, "pipeline")
		if err != nil {
			return err
		}
		defer env.Close()

		return runOne(ctx, env.Orchestrator, runConversationID, runUserID, os.Stdout)
	},
}

// runOne runs the pipeline for one conversation and prints the result as
// indented JSON. A stuck conversation is returned as an error after the
// result is printed.
func runOne(ctx context.Context, r conversationRunner, conversationID, userID string, out io.Writer) error {
	if conversationID == "" {
		return eris.New("--conversation is required")
	}

	result, runErr := r.Run(ctx, conversationID, userID)
	if result != nil {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		if err := enc.Encode(result); err != nil {
			return eris.Wrap(err, "encode result")
		}
		zap.L().Info("run complete",
			zap.String("conversation_id", result.ConversationID),
			zap.Bool("success", result.Success),
			zap.String("stage_reached", result.StageReached),
			zap.Float64("duration_ms", result.DurationMs),
		)
	}
	if runErr != nil {
		return eris.Wrap(runErr, "run conversation")
	}
	return nil
}

func init() {
	runCmd.Flags().StringVar(&runConversationID, "conversation", "", "conversation ID to process")
	runCmd.Flags().StringVar(&runUserID, "user", "", "user ID (defaults to the conversation's owner)")
	_ = runCmd.MarkFlagRequired("conversation")
	rootCmd.AddCommand(runCmd)
}
