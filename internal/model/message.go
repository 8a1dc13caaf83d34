// Package model holds the canonical session types shared by the adapter,
// transport, ingestion tracker and session store.
package model

import "time"

// Provenance records where a QueryResult came from. Fallback results have the
// same external shape as backend answers.
type Provenance string

const (
	ProvenanceBackend  Provenance = "backend"
	ProvenanceFallback Provenance = "fallback"
	// ProvenanceRejected marks a synthesized answer for a response whose
	// schema could not be recognized.
	ProvenanceRejected Provenance = "rejected"
)

// Schema identifies the backend response shape a result was normalized from.
type Schema string

const (
	SchemaUnknown Schema = ""
	SchemaV1      Schema = "v1" // {answer, audit{trust_score 0..100, retrieved}}
	SchemaV2      Schema = "v2" // {query, answer, sources, trust{score 0..1}, hits}
	SchemaV3      Schema = "v3" // {query, answer, sources, hits, count}
)

// QueryResult is the canonical answer for one question.
type QueryResult struct {
	Answer     string     `json:"answer"`
	Audit      AuditTrail `json:"audit"`
	Provenance Provenance `json:"provenance,omitempty"`
	Schema     Schema     `json:"schema,omitempty"`
}

// IsFallback reports whether the result was synthesized locally.
func (r QueryResult) IsFallback() bool {
	return r.Provenance == ProvenanceFallback
}

// Message is one settled question round-trip. Messages are immutable once
// appended to a session.
type Message struct {
	ID         string     `json:"id"`
	Question   string     `json:"question"`
	Answer     string     `json:"answer"`
	Timestamp  time.Time  `json:"timestamp"`
	Audit      AuditTrail `json:"audit"`
	Provenance Provenance `json:"provenance,omitempty"`
}

// Clone returns a deep copy of the message.
func (m Message) Clone() Message {
	out := m
	out.Audit = m.Audit.Clone()
	return out
}

// IndexStatus describes the backend search index.
type IndexStatus struct {
	IsBuilt       bool       `json:"isBuilt"`
	DocumentCount int        `json:"documentCount"`
	LastUpdated   *time.Time `json:"lastUpdated"`
	Provenance    Provenance `json:"provenance,omitempty"`
}

// RebuildResult is the outcome of an index rebuild request.
type RebuildResult struct {
	Success    bool       `json:"success"`
	Message    string     `json:"message"`
	Provenance Provenance `json:"provenance,omitempty"`
}
