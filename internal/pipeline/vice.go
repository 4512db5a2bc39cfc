package pipeline

import (
	"context"
	"sort"
	"strings"
	"unicode"

	"github.com/rotisserie/eris"

	"github.com/sells-group/postconvo/internal/model"
	"github.com/sells-group/postconvo/internal/store"
)

// StageVice scores the user's turns for vice signals.
const StageVice = "vice_processing"

// maxEvidenceLen bounds the evidence stored with a signal.
const maxEvidenceLen = 280

// DefaultLexicon is used when no lexicon is configured.
var DefaultLexicon = map[string][]string{
	"procrastination": {"later", "tomorrow", "put off", "avoid", "someday", "deadline"},
	"overspending":    {"bought", "splurge", "credit card", "shopping", "expensive", "spent"},
	"doomscrolling":   {"scrolling", "feed", "all night", "phone", "tiktok", "news"},
	"isolation":       {"alone", "nobody", "cancelled plans", "stayed in", "lonely"},
	"overwork":        {"overtime", "late night", "burnout", "weekend work", "exhausted"},
}

// Scorer rates how strongly an exchange shows each vice. Scores fall in
// (0, 1]; vices with no evidence are omitted.
type Scorer interface {
	Score(ex model.Exchange) map[string]float64
}

// LexiconScorer scores the user's side of an exchange by keyword hits.
type LexiconScorer struct {
	lexicon map[string][]string
}

// NewLexiconScorer creates a scorer. An empty lexicon falls back to
// DefaultLexicon.
func NewLexiconScorer(lexicon map[string][]string) *LexiconScorer {
	if len(lexicon) == 0 {
		lexicon = DefaultLexicon
	}
	norm := make(map[string][]string, len(lexicon))
	for vice, words := range lexicon {
		for _, w := range words {
			if w = strings.ToLower(strings.TrimSpace(w)); w != "" {
				norm[vice] = append(norm[vice], w)
			}
		}
	}
	return &LexiconScorer{lexicon: norm}
}

// Score implements Scorer. Each distinct keyword hit raises the score:
// one hit is 0.5, two are 0.67 and so on towards 1.
func (s *LexiconScorer) Score(ex model.Exchange) map[string]float64 {
	text := " " + foldText(ex.Subject) + " "
	scores := make(map[string]float64)
	for vice, words := range s.lexicon {
		hits := 0
		for _, w := range words {
			if strings.Contains(text, " "+w+" ") {
				hits++
			}
		}
		if hits > 0 {
			scores[vice] = 1 - 1/float64(hits+1)
		}
	}
	return scores
}

// foldText lowercases s and replaces punctuation with spaces so keywords
// match on word boundaries.
func foldText(s string) string {
	return strings.Join(strings.FieldsFunc(strings.ToLower(s), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r) && r != '\''
	}), " ")
}

// ViceOutput reports what vice processing found.
type ViceOutput struct {
	ExchangesPaired int `json:"exchanges_paired"`
	SignalsStored   int `json:"signals_stored"`
}

// ViceProcessing pairs exchanges, scores them and stores the strongest
// signal per vice for the conversation.
type ViceProcessing struct {
	vices  store.ViceRepository
	scorer Scorer
}

// NewViceProcessing creates the vice processing stage.
func NewViceProcessing(vices store.ViceRepository, scorer Scorer) *ViceProcessing {
	if scorer == nil {
		scorer = NewLexiconScorer(nil)
	}
	return &ViceProcessing{vices: vices, scorer: scorer}
}

// Run implements Stage.
func (s *ViceProcessing) Run(ctx context.Context, _ *RunContext, in DomainInput) (ViceOutput, error) {
	if in.Conversation == nil {
		return ViceOutput{}, NewStageError(false, "vice processing needs a conversation")
	}
	c := in.Conversation
	exchanges := PairExchanges(c.Messages)

	best := make(map[string]model.ViceSignal)
	for _, ex := range exchanges {
		for vice, score := range s.scorer.Score(ex) {
			if cur, ok := best[vice]; ok && cur.Score >= score {
				continue
			}
			best[vice] = model.ViceSignal{
				UserID:         c.UserID,
				ConversationID: c.ID,
				Vice:           vice,
				Score:          score,
				Evidence:       truncate(ex.Subject, maxEvidenceLen),
			}
		}
	}

	signals := make([]model.ViceSignal, 0, len(best))
	for _, sig := range best {
		signals = append(signals, sig)
	}
	sort.Slice(signals, func(i, j int) bool { return signals[i].Vice < signals[j].Vice })

	if err := s.vices.ReplaceViceSignals(ctx, c.ID, signals); err != nil {
		return ViceOutput{}, eris.Wrap(err, "vice: replace signals")
	}
	return ViceOutput{ExchangesPaired: len(exchanges), SignalsStored: len(signals)}, nil
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}
