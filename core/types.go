package core

// IndexRef is an opaque handle to an ingested document index. The engine never
// interprets it; it is minted by AnswerService.Ingest and passed back on every
// query. Safe to share across concurrent readers.
type IndexRef string

// Field is a single entry the target form requires. Produced once by schema
// extraction and immutable afterward.
type Field struct {
	Name        string `json:"name" yaml:"name"`
	Description string `json:"description" yaml:"description"`
	Required    bool   `json:"required" yaml:"required"`
}

// Refinement carries the context of a feedback-driven re-query: the answer the
// human reviewed and the feedback they gave on it.
type Refinement struct {
	PriorAnswer string `json:"prior_answer"`
	Feedback    string `json:"feedback"`
}

// Question is one field query against the index.
type Question struct {
	Field      Field       `json:"field"`
	Refinement *Refinement `json:"refinement,omitempty"`
}

// Answer is the result of a single field query, including the source passages
// the answer was grounded on.
type Answer struct {
	Field   string   `json:"field"`
	Text    string   `json:"text"`
	Sources []string `json:"sources,omitempty"`
}

// Verdict is the binary classification of human review input.
type Verdict string

const (
	VerdictOkay     Verdict = "OKAY"
	VerdictFeedback Verdict = "FEEDBACK"
)
