// Package graph provides a client for the knowledge graph service. Writes go
// through explicit sessions that the caller must close.
package graph

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/postconvo/internal/resilience"
)

// Client opens write sessions against the knowledge graph.
type Client interface {
	OpenSession(ctx context.Context, userID string) (Session, error)
}

// Session is a scoped write handle for one user's graph.
type Session interface {
	ID() string
	AddEpisode(ctx context.Context, ep Episode) (*EpisodeResult, error)
	// Close releases the session. Calling it more than once is a no-op.
	Close(ctx context.Context) error
}

// Episode is one conversation's worth of knowledge.
type Episode struct {
	Name          string    `json:"name"`
	SourceID      string    `json:"source_id"`
	Body          string    `json:"body"`
	ReferenceTime time.Time `json:"reference_time"`
	Entities      []Entity  `json:"entities,omitempty"`
	Facts         []Fact    `json:"facts,omitempty"`
}

// Entity is a node to upsert.
type Entity struct {
	Name string `json:"name"`
	Kind string `json:"kind,omitempty"`
}

// Fact is an edge between two entities.
type Fact struct {
	Subject    string  `json:"subject"`
	Predicate  string  `json:"predicate"`
	Object     string  `json:"object"`
	Confidence float64 `json:"confidence"`
}

// EpisodeResult reports what the graph accepted.
type EpisodeResult struct {
	EntitiesUpserted int `json:"entities_upserted"`
	FactsAdded       int `json:"facts_added"`
}

// Option configures the graph client.
type Option func(*httpClient)

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *httpClient) {
		c.http = hc
	}
}

// WithTimeout sets the per-request timeout of the default HTTP client.
func WithTimeout(d time.Duration) Option {
	return func(c *httpClient) {
		if d > 0 {
			c.http.Timeout = d
		}
	}
}

type httpClient struct {
	apiKey  string
	baseURL string
	http    *http.Client
}

// NewClient creates a knowledge graph client.
func NewClient(baseURL, apiKey string, opts ...Option) Client {
	c := &httpClient{
		apiKey:  apiKey,
		baseURL: baseURL,
		http: &http.Client{
			Timeout: 20 * time.Second,
			Transport: &http.Transport{
				MaxIdleConnsPerHost: 20,
				IdleConnTimeout:     90 * time.Second,
			},
		},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *httpClient) OpenSession(ctx context.Context, userID string) (Session, error) {
	var resp struct {
		SessionID string `json:"session_id"`
	}
	if err := c.do(ctx, http.MethodPost, "/v1/sessions", map[string]string{"user_id": userID}, &resp); err != nil {
		return nil, eris.Wrap(err, "graph: open session")
	}
	if resp.SessionID == "" {
		return nil, eris.New("graph: open session: empty session id")
	}
	return &session{client: c, id: resp.SessionID}, nil
}

// do sends a JSON request. Gateway failures come back as
// *resilience.TransientError; any other non-2xx status is permanent.
func (c *httpClient) do(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return eris.Wrap(err, "marshal request")
		}
		body = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return eris.Wrap(err, "create request")
	}
	req.Header.Set("Accept", "application/json")
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return eris.Wrap(err, "request failed")
	}
	defer resp.Body.Close() //nolint:errcheck

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return eris.Wrap(err, "read response body")
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		statusErr := eris.Errorf("unexpected status %d: %s", resp.StatusCode, truncateBody(respBody))
		if resilience.IsTransientHTTPStatus(resp.StatusCode) {
			return resilience.NewTransientError(statusErr, resp.StatusCode)
		}
		return statusErr
	}

	if out == nil || len(respBody) == 0 {
		return nil
	}
	if err := json.Unmarshal(respBody, out); err != nil {
		return eris.Wrap(err, "unmarshal response")
	}
	return nil
}

func truncateBody(b []byte) string {
	const limit = 512
	if len(b) > limit {
		return string(b[:limit]) + "..."
	}
	return string(b)
}

type session struct {
	client *httpClient
	id     string

	closeOnce sync.Once
	closeErr  error
}

func (s *session) ID() string { return s.id }

func (s *session) AddEpisode(ctx context.Context, ep Episode) (*EpisodeResult, error) {
	var res EpisodeResult
	path := fmt.Sprintf("/v1/sessions/%s/episodes", url.PathEscape(s.id))
	if err := s.client.do(ctx, http.MethodPost, path, ep, &res); err != nil {
		return nil, eris.Wrapf(err, "graph: add episode %s", ep.SourceID)
	}
	return &res, nil
}

func (s *session) Close(ctx context.Context) error {
	s.closeOnce.Do(func() {
		path := fmt.Sprintf("/v1/sessions/%s", url.PathEscape(s.id))
		if err := s.client.do(ctx, http.MethodDelete, path, nil, nil); err != nil {
			s.closeErr = eris.Wrapf(err, "graph: close session %s", s.id)
		}
	})
	return s.closeErr
}
