package model

import "time"

// Artifact is the raw output of one collection task. Artifacts are owned by
// the session that produced them and referenced, never copied, downstream.
type Artifact struct {
	ID        string    `json:"id"`
	Module    string    `json:"module"`
	Source    string    `json:"source"`
	Title     string    `json:"title,omitempty"`
	Link      string    `json:"link,omitempty"`
	Content   string    `json:"content,omitempty"`
	Quality   float64   `json:"quality"`
	SizeBytes int       `json:"size_bytes"`
	FetchedAt time.Time `json:"fetched_at"`
	// Synthetic marks an empty placeholder injected when an optional
	// collection module failed; downstream modules see it as degraded input.
	Synthetic bool `json:"synthetic,omitempty"`
}

// Empty reports whether the artifact carries no usable content.
func (a Artifact) Empty() bool {
	return a.Content == "" && a.Link == ""
}
