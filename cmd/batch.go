package main

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/sells-group/postconvo/internal/model"
	"github.com/sells-group/postconvo/internal/store"
)

var batchLimit int

// conversationLister finds conversations waiting to be processed.
type conversationLister interface {
	ListConversations(ctx context.Context, filter store.ConversationFilter) ([]model.Conversation, error)
}

// batchStats summarises one batch.
type batchStats struct {
	Total     int
	Succeeded int64
	Failed    int64
	Fatal     int64
	Duration  time.Duration
}

var batchCmd = &cobra.Command{
	Use:   "batch",
	Short: "Post-process pending conversations",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		env, err := initPipeline(ctx, "pipeline")
		if err != nil {
			return err
		}
		defer env.Close()

		stats, err := processBatch(ctx, env.Store, env.Orchestrator, batchLimit, cfg.Batch.MaxConcurrentConversations)
		if err != nil {
			return err
		}
		if stats.Fatal > 0 {
			return eris.Errorf("batch: %d conversation(s) may be stuck", stats.Fatal)
		}
		return nil
	},
}

// processBatch runs every pending conversation, up to limit, with at most
// concurrency runs in flight. Individual failures never stop the batch.
func processBatch(ctx context.Context, lister conversationLister, r conversationRunner, limit, concurrency int) (*batchStats, error) {
	conversations, err := lister.ListConversations(ctx, store.ConversationFilter{
		Status: model.ConversationStatusPending,
		Limit:  limit,
	})
	if err != nil {
		return nil, eris.Wrap(err, "batch: list pending conversations")
	}

	stats := &batchStats{Total: len(conversations)}
	if len(conversations) == 0 {
		zap.L().Info("batch: no pending conversations")
		return stats, nil
	}

	if concurrency < 1 {
		concurrency = 1
	}

	zap.L().Info("batch: starting",
		zap.Int("conversations", len(conversations)),
		zap.Int("concurrency", concurrency),
	)
	start := time.Now()

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(concurrency)

	for _, c := range conversations {
		g.Go(func() error {
			result, err := r.Run(gctx, c.ID, c.UserID)
			switch {
			case err != nil:
				atomic.AddInt64(&stats.Fatal, 1)
				zap.L().Error("batch: conversation may be stuck",
					zap.String("conversation_id", c.ID),
					zap.Error(err),
				)
			case result.Success:
				atomic.AddInt64(&stats.Succeeded, 1)
			default:
				atomic.AddInt64(&stats.Failed, 1)
				zap.L().Warn("batch: conversation failed",
					zap.String("conversation_id", c.ID),
					zap.String("stage_reached", result.StageReached),
					zap.String("error", result.Error),
				)
			}
			return nil
		})
	}
	_ = g.Wait()

	stats.Duration = time.Since(start)
	zap.L().Info("batch: complete",
		zap.Int("total", stats.Total),
		zap.Int64("succeeded", stats.Succeeded),
		zap.Int64("failed", stats.Failed),
		zap.Int64("fatal", stats.Fatal),
		zap.Duration("duration", stats.Duration),
	)
	return stats, nil
}

func init() {
	batchCmd.Flags().IntVar(&batchLimit, "limit", 100, "max conversations to process")
	rootCmd.AddCommand(batchCmd)
}
