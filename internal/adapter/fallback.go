package adapter

import (
	"time"

	"github.com/sells-group/govchat/internal/model"
)

// FallbackTrustScore is the fixed, deliberately low trust attached to answers
// synthesized while the backend is unreachable.
const FallbackTrustScore = 10

// FallbackSource names the placeholder source on synthesized answers.
const FallbackSource = "offline: knowledge base unavailable"

const (
	fallbackAnswer = "I'm sorry, I couldn't reach the knowledge base to answer that right now. " +
		"Please check that the backend is running and try again."
	rejectedAnswer = "I'm sorry, the knowledge base returned a response this client could not read. " +
		"The problem has been logged."
)

// Fallback builds the locally synthesized result returned when the backend
// cannot be reached. Its shape matches a backend answer; Provenance tells
// them apart.
func Fallback(question string, at time.Time) model.QueryResult {
	return synthesized(question, at, fallbackAnswer, model.ProvenanceFallback)
}

// Rejected builds the answer shown for a response with an unrecognized
// schema.
func Rejected(question string, at time.Time) model.QueryResult {
	return synthesized(question, at, rejectedAnswer, model.ProvenanceRejected)
}

func synthesized(question string, at time.Time, answer string, p model.Provenance) model.QueryResult {
	return model.QueryResult{
		Answer: answer,
		Audit: model.AuditTrail{
			Question:   question,
			TrustScore: FallbackTrustScore,
			Retrieved: []model.RetrievedSource{{
				Source:      FallbackSource,
				Similarity:  model.Float64(0),
				RecencyFlag: false,
				Preview:     model.String("No documents were retrieved for this answer."),
			}},
			Timestamp: at,
		},
		Provenance: p,
	}
}
