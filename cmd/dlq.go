package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/postconvo/internal/resilience"
	"github.com/sells-group/postconvo/internal/store"
)

var (
	dlqLimit     int
	dlqErrorType string
)

// dlqStats summarises one retry sweep.
type dlqStats struct {
	Attempted   int
	Recovered   int
	Rescheduled int
	Fatal       int
}

var dlqCmd = &cobra.Command{
	Use:   "dlq",
	Short: "Inspect and retry the dead letter queue",
}

var dlqRetryCmd = &cobra.Command{
	Use:   "retry",
	Short: "Re-run conversations whose retry is due",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		env, err := initPipeline(ctx, "pipeline")
		if err != nil {
			return err
		}
		defer env.Close()

		base := time.Duration(cfg.DLQ.BaseBackoffSecs) * time.Second
		stats, err := retryDLQ(ctx, env.Store, env.Orchestrator, resilience.DLQFilter{
			ErrorType: dlqErrorType,
			Limit:     dlqLimit,
		}, base)
		if err != nil {
			return err
		}
		fmt.Fprintf(os.Stdout, "attempted=%d recovered=%d rescheduled=%d fatal=%d\n",
			stats.Attempted, stats.Recovered, stats.Rescheduled, stats.Fatal)
		return nil
	},
}

var dlqCountCmd = &cobra.Command{
	Use:   "count",
	Short: "Print the number of dead-lettered conversations",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		if err := cfg.Validate("store"); err != nil {
			return err
		}

		st, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		return printDLQCount(ctx, st, os.Stdout)
	},
}

// retryDLQ re-runs every due entry. A successful run removes the entry; a
// failed one is rescheduled with exponential backoff from base.
func retryDLQ(ctx context.Context, queue store.DLQRepository, r conversationRunner, filter resilience.DLQFilter, base time.Duration) (*dlqStats, error) {
	entries, err := queue.DequeueDLQ(ctx, filter)
	if err != nil {
		return nil, eris.Wrap(err, "dlq: dequeue")
	}

	stats := &dlqStats{}
	for _, e := range entries {
		if ctx.Err() != nil {
			break
		}
		stats.Attempted++
		log := zap.L().With(
			zap.String("dlq_id", e.ID),
			zap.String("conversation_id", e.ConversationID),
			zap.Int("retry_count", e.RetryCount),
		)

		result, runErr := r.Rerun(ctx, e.ConversationID, e.UserID)
		if runErr == nil && result != nil && result.Success {
			if err := queue.RemoveDLQ(ctx, e.ID); err != nil {
				return stats, eris.Wrapf(err, "dlq: remove %s", e.ID)
			}
			stats.Recovered++
			log.Info("dlq: conversation recovered")
			continue
		}

		lastErr := ""
		switch {
		case runErr != nil:
			stats.Fatal++
			lastErr = runErr.Error()
		case result != nil:
			lastErr = result.Error
		}

		next := e
		next.RetryCount++
		nextRetryAt := time.Now().UTC().Add(next.NextRetryDelay(base))
		if err := queue.IncrementDLQRetry(ctx, e.ID, nextRetryAt, lastErr); err != nil {
			return stats, eris.Wrapf(err, "dlq: reschedule %s", e.ID)
		}
		stats.Rescheduled++
		log.Warn("dlq: retry failed, rescheduled",
			zap.Time("next_retry_at", nextRetryAt),
			zap.Bool("exhausted", !next.CanRetry()),
			zap.String("error", lastErr),
		)
	}
	return stats, nil
}

func printDLQCount(ctx context.Context, queue store.DLQRepository, out io.Writer) error {
	n, err := queue.CountDLQ(ctx)
	if err != nil {
		return eris.Wrap(err, "dlq: count")
	}
	_, err = fmt.Fprintln(out, n)
	return err
}

func init() {
	dlqRetryCmd.Flags().IntVar(&dlqLimit, "limit", 100, "max entries to retry")
	dlqRetryCmd.Flags().StringVar(&dlqErrorType, "type", "", "only retry entries of this error type (transient or permanent)")
	dlqCmd.AddCommand(dlqRetryCmd, dlqCountCmd)
	rootCmd.AddCommand(dlqCmd)
}
