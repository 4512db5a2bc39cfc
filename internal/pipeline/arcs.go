package pipeline

import (
	"context"
	"strings"

	"github.com/rotisserie/eris"

	"github.com/sells-group/postconvo/internal/model"
	"github.com/sells-group/postconvo/internal/store"
)

// StageArcs advances the user's narrative arcs.
const StageArcs = "arc_update"

// maxArcBeats bounds the beats kept per arc.
const maxArcBeats = 50

// ArcOutput counts the arcs written.
type ArcOutput struct {
	ArcsUpdated int `json:"arcs_updated"`
}

// ArcUpdate upserts one arc per arc signal name.
type ArcUpdate struct {
	arcs store.ArcRepository
}

// NewArcUpdate creates the arc update stage.
func NewArcUpdate(arcs store.ArcRepository) *ArcUpdate {
	return &ArcUpdate{arcs: arcs}
}

// Run implements Stage.
func (s *ArcUpdate) Run(ctx context.Context, _ *RunContext, in DomainInput) (ArcOutput, error) {
	if in.Conversation == nil || in.Extraction == nil {
		return ArcOutput{}, NewStageError(false, "arc update needs a conversation and an extraction")
	}
	userID := in.Conversation.UserID
	var out ArcOutput

	for _, sig := range in.Extraction.Arcs {
		name := strings.TrimSpace(sig.Name)
		if name == "" {
			continue
		}
		arc, err := s.arcs.GetArc(ctx, userID, name)
		if err != nil {
			return out, eris.Wrapf(err, "arcs: get %q", name)
		}
		if arc == nil {
			arc = &model.Arc{UserID: userID, Name: name}
		}
		arc.Beats = appendBeat(arc.Beats, strings.TrimSpace(sig.Beat))
		arc.Intensity = min(max(sig.Intensity, 0), 1)

		if err := s.arcs.UpsertArc(ctx, arc); err != nil {
			return out, eris.Wrapf(err, "arcs: upsert %q", name)
		}
		out.ArcsUpdated++
	}
	return out, nil
}

// appendBeat adds beat unless it repeats the latest one, so a retried run does
// not double it.
func appendBeat(beats []string, beat string) []string {
	if beat == "" || (len(beats) > 0 && beats[len(beats)-1] == beat) {
		return beats
	}
	beats = append(beats, beat)
	if len(beats) > maxArcBeats {
		beats = beats[len(beats)-maxArcBeats:]
	}
	return beats
}
