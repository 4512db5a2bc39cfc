package pipeline

import (
	"context"
	"encoding/json"
	"strings"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/sells-group/postconvo/internal/model"
	"github.com/sells-group/postconvo/internal/resilience"
	"github.com/sells-group/postconvo/pkg/anthropic"
)

// StageExtraction turns the transcript into structured memory.
const StageExtraction = "extraction"

// BreakerLLM names the breaker guarding the extraction model.
const BreakerLLM = "llm"

const extractionSystemPrompt = `You read a conversation between a user and their companion and record what should be remembered about the user.

Return one JSON object and nothing else:
{
  "summary": "<two or three sentences about what the user talked about>",
  "tone": "<one word for the user's overall tone>",
  "facts": [{"subject": "", "predicate": "", "object": "", "confidence": 0.0}],
  "entities": [{"name": "", "kind": "person|place|organization|thing"}],
  "threads": [{"title": "", "summary": "", "priority": 1}],
  "thoughts": [{"content": "", "thread_title": ""}],
  "arcs": [{"name": "", "beat": "", "intensity": 0.0}]
}

Use empty arrays when nothing applies. Priority runs from 1 (low) to 5 (high). Intensity runs from 0 to 1.`

// ExtractionConfig configures the model call.
type ExtractionConfig struct {
	Model     string
	MaxTokens int64
}

// Extraction asks the LLM for the conversation's facts, entities, summary,
// tone, threads, thoughts and arc signals.
type Extraction struct {
	llm     anthropic.Client
	breaker *resilience.CircuitBreaker
	limiter *rate.Limiter
	cfg     ExtractionConfig
}

// NewExtraction creates the extraction stage. A nil limiter disables rate
// limiting.
func NewExtraction(llm anthropic.Client, breaker *resilience.CircuitBreaker, limiter *rate.Limiter, cfg ExtractionConfig) *Extraction {
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = 4096
	}
	return &Extraction{llm: llm, breaker: breaker, limiter: limiter, cfg: cfg}
}

// Run implements Stage.
func (s *Extraction) Run(ctx context.Context, rc *RunContext, c *model.Conversation) (*model.ExtractionResult, error) {
	if c == nil {
		return nil, NewStageError(false, "no conversation to extract from")
	}
	if s.limiter != nil {
		if err := s.limiter.Wait(ctx); err != nil {
			return nil, eris.Wrap(err, "extraction: rate limit wait")
		}
	}

	req := anthropic.MessageRequest{
		Model:     s.cfg.Model,
		MaxTokens: s.cfg.MaxTokens,
		System:    anthropic.BuildCachedSystemBlocks(extractionSystemPrompt, ""),
		Messages:  []anthropic.Message{{Role: "user", Content: c.Transcript()}},
	}

	resp, err := resilience.ExecuteVal(ctx, s.breaker, func(ctx context.Context) (*anthropic.MessageResponse, error) {
		return s.llm.CreateMessage(ctx, req)
	})
	if err != nil {
		return nil, err
	}
	resp.Usage.LogCost(resp.Model, StageExtraction)

	result, err := parseExtraction(resp.Text())
	if err != nil {
		rc.Logger().Warn("extraction: unparseable response",
			zap.String("stop_reason", resp.StopReason),
			zap.Error(err),
		)
		if resp.Truncated() {
			return nil, WrapStageError(err, false, "extraction response truncated at %d tokens", s.cfg.MaxTokens)
		}
		return nil, WrapStageError(err, false, "extraction returned malformed JSON")
	}

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := rc.SetExtraction(result); err != nil {
		return nil, err
	}
	return result, nil
}

func parseExtraction(text string) (*model.ExtractionResult, error) {
	raw := extractJSONObject(text)
	if raw == "" {
		return nil, eris.New("no JSON object in response")
	}
	var result model.ExtractionResult
	if err := json.Unmarshal([]byte(raw), &result); err != nil {
		return nil, eris.Wrap(err, "decode extraction")
	}
	result.Summary = strings.TrimSpace(result.Summary)
	result.Tone = strings.TrimSpace(result.Tone)
	return &result, nil
}

// extractJSONObject returns the text between the first '{' and the last '}',
// which also strips markdown code fences.
func extractJSONObject(text string) string {
	start := strings.Index(text, "{")
	end := strings.LastIndex(text, "}")
	if start < 0 || end <= start {
		return ""
	}
	return text[start : end+1]
}
