package pipeline

import (
	"context"
	"strings"

	"github.com/rotisserie/eris"

	"github.com/sells-group/postconvo/internal/model"
	"github.com/sells-group/postconvo/internal/store"
)

// StageThreads records the threads and thoughts extraction proposed.
const StageThreads = "thread_creation"

// ThreadOutput counts what thread creation wrote.
type ThreadOutput struct {
	ThreadsCreated  int `json:"threads_created"`
	ThreadsUpdated  int `json:"threads_updated"`
	ThoughtsCreated int `json:"thoughts_created"`
}

// ThreadCreation creates threads, folding candidates into an active thread
// with the same normalized title, and attaches thoughts to the threads they
// name.
type ThreadCreation struct {
	threads store.ThreadRepository
}

// NewThreadCreation creates the thread creation stage.
func NewThreadCreation(threads store.ThreadRepository) *ThreadCreation {
	return &ThreadCreation{threads: threads}
}

// Run implements Stage.
func (s *ThreadCreation) Run(ctx context.Context, _ *RunContext, in DomainInput) (ThreadOutput, error) {
	if in.Conversation == nil || in.Extraction == nil {
		return ThreadOutput{}, NewStageError(false, "thread creation needs a conversation and an extraction")
	}
	c := in.Conversation
	var out ThreadOutput

	byTitle := make(map[string]string)
	for _, cand := range in.Extraction.Threads {
		title := strings.TrimSpace(cand.Title)
		key := model.NormalizeTitle(title)
		if key == "" {
			continue
		}

		existing, err := s.threads.FindActiveThread(ctx, c.UserID, key)
		if err != nil {
			return out, eris.Wrapf(err, "threads: find %q", key)
		}
		if existing != nil {
			if cand.Summary != "" {
				existing.Summary = cand.Summary
			}
			existing.Priority = max(existing.Priority, clampPriority(cand.Priority))
			existing.ConversationID = c.ID
			if err := s.threads.UpdateThread(ctx, existing); err != nil {
				return out, eris.Wrapf(err, "threads: update %s", existing.ID)
			}
			byTitle[key] = existing.ID
			out.ThreadsUpdated++
			continue
		}

		t := &model.Thread{
			UserID:         c.UserID,
			Title:          title,
			Summary:        cand.Summary,
			Priority:       clampPriority(cand.Priority),
			Status:         model.ThreadStatusActive,
			ConversationID: c.ID,
		}
		if err := s.threads.CreateThread(ctx, t); err != nil {
			return out, eris.Wrapf(err, "threads: create %q", title)
		}
		byTitle[key] = t.ID
		out.ThreadsCreated++
	}

	seen := make(map[string]bool)
	for _, cand := range in.Extraction.Thoughts {
		content := strings.TrimSpace(cand.Content)
		id := model.ThoughtID(c.ID, content)
		if content == "" || seen[id] {
			continue
		}
		seen[id] = true
		th := &model.Thought{
			ID:             id,
			UserID:         c.UserID,
			ConversationID: c.ID,
			Content:        content,
		}
		if key := model.NormalizeTitle(cand.ThreadTitle); key != "" {
			id, ok := byTitle[key]
			if !ok {
				t, err := s.threads.FindActiveThread(ctx, c.UserID, key)
				if err != nil {
					return out, eris.Wrapf(err, "threads: find %q", key)
				}
				if t != nil {
					id = t.ID
					byTitle[key] = id
				}
			}
			th.ThreadID = id
		}
		if err := s.threads.CreateThought(ctx, th); err != nil {
			return out, eris.Wrap(err, "threads: create thought")
		}
		out.ThoughtsCreated++
	}

	return out, nil
}

func clampPriority(p int) int {
	return min(max(p, 1), 5)
}
