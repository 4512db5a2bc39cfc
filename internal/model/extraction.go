package model

// ExtractionResult is the structured output of the extraction stage. Every
// downstream domain stage reads a slice of it.
type ExtractionResult struct {
	Summary  string             `json:"summary"`
	Tone     string             `json:"tone"`
	Facts    []Fact             `json:"facts"`
	Entities []Entity           `json:"entities"`
	Threads  []ThreadCandidate  `json:"threads"`
	Thoughts []ThoughtCandidate `json:"thoughts"`
	Arcs     []ArcSignal        `json:"arcs"`
}

// EntityNames returns the names of all extracted entities.
func (r *ExtractionResult) EntityNames() []string {
	if r == nil {
		return nil
	}
	names := make([]string, 0, len(r.Entities))
	for _, e := range r.Entities {
		if e.Name != "" {
			names = append(names, e.Name)
		}
	}
	return names
}

// Fact is a subject-predicate-object statement learned from a conversation.
type Fact struct {
	Subject    string  `json:"subject"`
	Predicate  string  `json:"predicate"`
	Object     string  `json:"object"`
	Confidence float64 `json:"confidence"`
}

// Entity is a named thing mentioned in a conversation.
type Entity struct {
	Name string `json:"name"`
	Kind string `json:"kind"`
}

// ThreadCandidate is an ongoing topic proposed by extraction.
type ThreadCandidate struct {
	Title    string `json:"title"`
	Summary  string `json:"summary"`
	Priority int    `json:"priority"`
}

// ThoughtCandidate is a standalone reflection, optionally tied to a thread.
type ThoughtCandidate struct {
	Content     string `json:"content"`
	ThreadTitle string `json:"thread_title,omitempty"`
}

// ArcSignal moves a narrative arc forward.
type ArcSignal struct {
	Name      string  `json:"name"`
	Beat      string  `json:"beat"`
	Intensity float64 `json:"intensity"`
}
