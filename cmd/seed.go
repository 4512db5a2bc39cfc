package main

import (
	"context"
	"errors"
	"io"
	"os"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/sells-group/postconvo/internal/model"
)

var seedFile string

// seedFixtures is the layout of a fixtures file.
type seedFixtures struct {
	Conversations []model.Conversation `yaml:"conversations"`
}

// conversationCreator stores seeded conversations.
type conversationCreator interface {
	CreateConversation(ctx context.Context, c *model.Conversation) error
}

var seedCmd = &cobra.Command{
	Use:   "seed",
	Short: "Load conversations from a YAML fixtures file",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		if err := cfg.Validate("store"); err != nil {
			return err
		}

		f, err := os.Open(seedFile)
		if err != nil {
			return eris.Wrapf(err, "seed: open %s", seedFile)
		}
		defer f.Close() //nolint:errcheck

		st, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		n, err := seedConversations(ctx, st, f)
		if err != nil {
			return err
		}
		zap.L().Info("seed: conversations loaded", zap.Int("count", n), zap.String("file", seedFile))
		return nil
	},
}

// seedConversations decodes fixtures from r and creates each conversation as
// pending. It returns how many were created.
func seedConversations(ctx context.Context, dst conversationCreator, r io.Reader) (int, error) {
	var fx seedFixtures
	if err := yaml.NewDecoder(r).Decode(&fx); err != nil {
		if errors.Is(err, io.EOF) {
			return 0, nil
		}
		return 0, eris.Wrap(err, "seed: decode fixtures")
	}

	for i := range fx.Conversations {
		c := &fx.Conversations[i]
		if c.UserID == "" {
			return i, eris.Errorf("seed: conversation %d has no user_id", i)
		}
		c.Status = model.ConversationStatusPending
		if err := dst.CreateConversation(ctx, c); err != nil {
			return i, eris.Wrapf(err, "seed: create conversation %d", i)
		}
	}
	return len(fx.Conversations), nil
}

func init() {
	seedCmd.Flags().StringVar(&seedFile, "file", "fixtures.yaml", "fixtures file to load")
	rootCmd.AddCommand(seedCmd)
}
