package pipeline

import (
	"context"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/postconvo/internal/model"
	"github.com/sells-group/postconvo/internal/resilience"
	"github.com/sells-group/postconvo/pkg/graph"
)

// StageGraph pushes the conversation into the knowledge graph.
const StageGraph = "graph_update"

// BreakerGraph names the breaker guarding the knowledge graph.
const BreakerGraph = "graph"

// DomainInput is what every post-extraction stage reads.
type DomainInput struct {
	Conversation *model.Conversation
	Extraction   *model.ExtractionResult
}

// GraphOutput reports what the graph accepted.
type GraphOutput struct {
	EntitiesUpserted int `json:"entities_upserted"`
	FactsAdded       int `json:"facts_added"`
}

// GraphUpdate sends one episode per conversation to the knowledge graph.
type GraphUpdate struct {
	client  graph.Client
	breaker *resilience.CircuitBreaker
}

// NewGraphUpdate creates the graph update stage.
func NewGraphUpdate(client graph.Client, breaker *resilience.CircuitBreaker) *GraphUpdate {
	return &GraphUpdate{client: client, breaker: breaker}
}

// Run implements Stage. The session is closed on every path, including a
// failure or panic inside the breaker call.
func (s *GraphUpdate) Run(ctx context.Context, rc *RunContext, in DomainInput) (GraphOutput, error) {
	if in.Conversation == nil || in.Extraction == nil {
		return GraphOutput{}, NewStageError(false, "graph update needs a conversation and an extraction")
	}

	sess, err := resilience.ExecuteVal(ctx, s.breaker, func(ctx context.Context) (graph.Session, error) {
		return s.client.OpenSession(ctx, in.Conversation.UserID)
	})
	if err != nil {
		return GraphOutput{}, err
	}
	defer func() {
		if cerr := sess.Close(context.WithoutCancel(ctx)); cerr != nil {
			rc.Logger().Warn("graph: close session failed", zap.Error(cerr))
		}
	}()

	ep := buildEpisode(in.Conversation, in.Extraction)
	res, err := resilience.ExecuteVal(ctx, s.breaker, func(ctx context.Context) (*graph.EpisodeResult, error) {
		return sess.AddEpisode(ctx, ep)
	})
	if err != nil {
		return GraphOutput{}, eris.Wrapf(err, "graph: add episode for conversation %s", in.Conversation.ID)
	}
	return GraphOutput{EntitiesUpserted: res.EntitiesUpserted, FactsAdded: res.FactsAdded}, nil
}

func buildEpisode(c *model.Conversation, x *model.ExtractionResult) graph.Episode {
	ep := graph.Episode{
		Name:          "conversation " + c.ID,
		SourceID:      c.ID,
		Body:          x.Summary,
		ReferenceTime: c.StartedAt,
	}
	if ep.Body == "" {
		ep.Body = c.Transcript()
	}
	for _, e := range x.Entities {
		if e.Name == "" {
			continue
		}
		ep.Entities = append(ep.Entities, graph.Entity{Name: e.Name, Kind: e.Kind})
	}
	for _, f := range x.Facts {
		if f.Subject == "" || f.Predicate == "" || f.Object == "" {
			continue
		}
		ep.Facts = append(ep.Facts, graph.Fact{
			Subject:    f.Subject,
			Predicate:  f.Predicate,
			Object:     f.Object,
			Confidence: f.Confidence,
		})
	}
	return ep
}
