// Package job defines the core types shared by the orchestration engine, its
// collaborators, and the transports that observe it.
package job

import (
	"time"
)

// Kind identifies how a run's input is turned into work items.
type Kind string

// Supported job kinds.
const (
	KindSingle   Kind = "single"
	KindList     Kind = "list"
	KindSitemap  Kind = "sitemap"
	KindAnalysis Kind = "analysis"
)

// Valid reports whether k is a known job kind.
func (k Kind) Valid() bool {
	switch k {
	case KindSingle, KindList, KindSitemap, KindAnalysis:
		return true
	}
	return false
}

// WorkItem is one unit of acquisition or analysis work. It is immutable once
// the source has produced it.
type WorkItem struct {
	// ID is the URL or file reference.
	ID      string            `json:"id"`
	Payload []byte            `json:"-"`
	Meta    map[string]string `json:"meta,omitempty"`
}

// ArtifactKind is the document type of an Artifact. The values match the
// fileType field of the event stream.
type ArtifactKind string

// Supported artifact kinds.
const (
	ArtifactJSON     ArtifactKind = "json"
	ArtifactMarkdown ArtifactKind = "markdown"
	ArtifactXML      ArtifactKind = "xml"
)

// ContentType maps the artifact kind to a MIME type for blob stores.
func (k ArtifactKind) ContentType() string {
	switch k {
	case ArtifactJSON:
		return "application/json"
	case ArtifactMarkdown:
		return "text/markdown; charset=utf-8"
	case ArtifactXML:
		return "application/xml"
	default:
		return "application/octet-stream"
	}
}

// Artifact is a named output document produced by a successful attempt or by
// the run itself (summary, sitemap).
type Artifact struct {
	Name        string       `json:"name"`
	Kind        ArtifactKind `json:"fileType"`
	Content     string       `json:"content"`
	Path        string       `json:"path"`
	URI         string       `json:"uri,omitempty"`
	ContentHash string       `json:"contentHash,omitempty"`
}

// Outcome is the result of a single attempt.
type Outcome string

// Attempt outcomes.
const (
	OutcomePending   Outcome = "pending"
	OutcomeSucceeded Outcome = "succeeded"
	OutcomeFailed    Outcome = "failed"
)

// Attempt records one execution of a WorkItem.
type Attempt struct {
	ItemID     string     `json:"itemId"`
	Number     int        `json:"number"`
	StartedAt  time.Time  `json:"startedAt"`
	FinishedAt time.Time  `json:"finishedAt,omitempty"`
	Outcome    Outcome    `json:"outcome"`
	Err        *ItemError `json:"error,omitempty"`
	Artifacts  []Artifact `json:"artifacts,omitempty"`
	// Steps carries free-form progress descriptions reported by the
	// collaborator, such as analysis stages.
	Steps []string `json:"steps,omitempty"`
}

// Terminal reports whether the attempt has finished.
func (a Attempt) Terminal() bool {
	return a.Outcome == OutcomeSucceeded || a.Outcome == OutcomeFailed
}

// Result is what the executor hands back for one attempt.
type Result struct {
	Artifacts []Artifact
	Steps     []string
	Err       *ItemError
}

// Succeeded reports whether the attempt produced a result without error.
func (r Result) Succeeded() bool {
	return r.Err == nil
}

// FileInput carries an uploaded document for analysis jobs.
type FileInput struct {
	Name    string `json:"name"`
	Content []byte `json:"content"`
}

// StartCommand launches a new run.
type StartCommand struct {
	Kind    Kind       `json:"kind"`
	Input   string     `json:"input"`
	File    *FileInput `json:"file,omitempty"`
	Options Options    `json:"config"`
	// Meta is copied onto every work item (for example the analysis provider).
	Meta map[string]string `json:"meta,omitempty"`
	// Credentials are handed to the collaborator router only; they never
	// appear in events, snapshots or summaries.
	Credentials map[string]string `json:"-"`
}

// ItemStatus is the read-only view of one work item in a snapshot.
type ItemStatus struct {
	ID       string     `json:"id"`
	State    ItemState  `json:"state"`
	Attempts int        `json:"attempts"`
	Last     *Attempt   `json:"last,omitempty"`
	Err      *ItemError `json:"error,omitempty"`
}

// Snapshot is the read-only query view of a run.
type Snapshot struct {
	RunID     string       `json:"runId,omitempty"`
	Kind      Kind         `json:"kind,omitempty"`
	State     RunState     `json:"state"`
	StartedAt time.Time    `json:"startedAt,omitempty"`
	EndedAt   time.Time    `json:"endedAt,omitempty"`
	Stats     Stats        `json:"stats"`
	Items     []ItemStatus `json:"items,omitempty"`
	Artifacts []Artifact   `json:"artifacts,omitempty"`
	Err       string       `json:"error,omitempty"`
}

// Summary is written as the run's summary file and published on completion.
type Summary struct {
	RunID      string       `json:"runId"`
	Kind       Kind         `json:"kind"`
	State      RunState     `json:"state"`
	StartedAt  time.Time    `json:"startedAt"`
	FinishedAt time.Time    `json:"finishedAt"`
	Options    Options      `json:"config"`
	Stats      Stats        `json:"stats"`
	Items      []ItemStatus `json:"items"`
	Artifacts  []Artifact   `json:"artifacts"`
	Err        string       `json:"error,omitempty"`
}

// Attributes are the message attributes a summary is published with, so
// subscribers can filter without decoding the body.
func (s Summary) Attributes() map[string]string {
	return map[string]string{
		"run_id": s.RunID,
		"kind":   string(s.Kind),
		"state":  string(s.State),
	}
}
