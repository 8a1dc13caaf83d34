// Package adapter normalizes the backend's query response shapes into the
// canonical model.QueryResult.
package adapter

import (
	"bytes"
	"encoding/json"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/govchat/internal/model"
)

// ErrUnrecognizedSchema is returned when a response matches none of the
// known shapes. It is never produced for transport failures.
var ErrUnrecognizedSchema = eris.New("adapter: unrecognized response schema")

// DefaultDerivedTrustScore is used for trust-less responses when no
// retrieved source carries a similarity.
const DefaultDerivedTrustScore = 50

// Detect identifies the schema of a raw response. An explicit
// schema_version wins over structural detection and must name a known
// schema. A version field counts only when it reads as v1, v2 or v3; any
// other value is treated as payload data.
func Detect(raw []byte) (model.Schema, error) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(raw, &fields); err != nil || fields == nil {
		return model.SchemaUnknown, eris.Wrap(ErrUnrecognizedSchema, "response is not a JSON object")
	}
	if !isString(fields["answer"]) {
		return model.SchemaUnknown, eris.Wrap(ErrUnrecognizedSchema, "missing answer")
	}

	if tag, ok := fields["schema_version"]; ok {
		schema, ok := parseVersionTag(tag)
		if !ok {
			return model.SchemaUnknown, eris.Wrapf(ErrUnrecognizedSchema, "unknown schema_version %s", string(tag))
		}
		return schema, nil
	}
	if schema, ok := parseVersionTag(fields["version"]); ok {
		return schema, nil
	}

	switch {
	case isObject(fields["audit"]):
		return model.SchemaV1, nil
	case isObject(fields["trust"]):
		return model.SchemaV2, nil
	case isArray(fields["hits"]) || isArray(fields["sources"]):
		return model.SchemaV3, nil
	}
	return model.SchemaUnknown, eris.Wrap(ErrUnrecognizedSchema, "no audit, trust, hits or sources")
}

// Normalize maps a raw response into the canonical result. It is pure:
// receivedAt stands in for timestamps the backend does not send.
func Normalize(raw []byte, receivedAt time.Time) (model.QueryResult, error) {
	schema, err := Detect(raw)
	if err != nil {
		return model.QueryResult{}, err
	}

	switch schema {
	case model.SchemaV1:
		return normalizeV1(raw, receivedAt)
	case model.SchemaV2:
		return normalizeV2(raw, receivedAt)
	case model.SchemaV3:
		return normalizeV3(raw, receivedAt)
	}
	return model.QueryResult{}, eris.Wrapf(ErrUnrecognizedSchema, "schema %q", schema)
}

func normalizeV1(raw []byte, receivedAt time.Time) (model.QueryResult, error) {
	var r responseV1
	if err := json.Unmarshal(raw, &r); err != nil {
		return model.QueryResult{}, eris.Wrapf(ErrUnrecognizedSchema, "decode v1: %v", err)
	}
	if r.Audit == nil {
		return model.QueryResult{}, eris.Wrap(ErrUnrecognizedSchema, "v1 response without audit")
	}

	score := model.TrustScore{Scale: model.ScalePercent}
	if r.Audit.TrustScore != nil {
		score.Value = *r.Audit.TrustScore
	}
	retrieved := convertHits(r.Audit.Retrieved)

	result := model.QueryResult{
		Answer: *r.Answer,
		Audit: model.AuditTrail{
			Question:     r.Audit.Question,
			TrustScore:   score.Percent(),
			Retrieved:    retrieved,
			Timestamp:    parseTimestamp(r.Audit.Timestamp, receivedAt),
			TrustFactors: r.Audit.TrustFactors,
			AuditID:      r.Audit.AuditID,
		},
		Provenance: model.ProvenanceBackend,
		Schema:     model.SchemaV1,
	}
	if r.Audit.TrustScore == nil {
		result.Audit.TrustScore = DeriveTrustScore(retrieved)
	}
	// Canonical JSON carries its origin; keep it so re-normalizing is a no-op.
	switch r.Schema {
	case model.SchemaV1, model.SchemaV2, model.SchemaV3:
		result.Schema = r.Schema
	}
	switch r.Provenance {
	case model.ProvenanceFallback, model.ProvenanceRejected:
		result.Provenance = r.Provenance
	}
	return result, nil
}

func normalizeV2(raw []byte, receivedAt time.Time) (model.QueryResult, error) {
	var r responseV2
	if err := json.Unmarshal(raw, &r); err != nil {
		return model.QueryResult{}, eris.Wrapf(ErrUnrecognizedSchema, "decode v2: %v", err)
	}

	retrieved := convertHits(r.Hits)
	if len(retrieved) == 0 {
		retrieved = convertSources(r.Sources)
	}

	audit := model.AuditTrail{
		Question:  r.Query,
		Retrieved: retrieved,
		Timestamp: receivedAt,
	}
	if r.Trust != nil && r.Trust.Score != nil {
		audit.TrustScore = model.TrustScore{Value: *r.Trust.Score, Scale: model.ScaleUnit}.Percent()
	} else {
		audit.TrustScore = DeriveTrustScore(retrieved)
	}
	if r.Trust != nil {
		audit.TrustFactors = r.Trust.Factors
		audit.AuditID = r.Trust.AuditID
	}

	return model.QueryResult{
		Answer:     *r.Answer,
		Audit:      audit,
		Provenance: model.ProvenanceBackend,
		Schema:     model.SchemaV2,
	}, nil
}

func normalizeV3(raw []byte, receivedAt time.Time) (model.QueryResult, error) {
	var r responseV3
	if err := json.Unmarshal(raw, &r); err != nil {
		return model.QueryResult{}, eris.Wrapf(ErrUnrecognizedSchema, "decode v3: %v", err)
	}

	retrieved := convertHits(r.Hits)
	if len(retrieved) == 0 {
		retrieved = convertSources(r.Sources)
	}

	return model.QueryResult{
		Answer: *r.Answer,
		Audit: model.AuditTrail{
			Question:   r.Query,
			TrustScore: DeriveTrustScore(retrieved),
			Retrieved:  retrieved,
			Timestamp:  receivedAt,
		},
		Provenance: model.ProvenanceBackend,
		Schema:     model.SchemaV3,
	}, nil
}

// DeriveTrustScore is the trust policy for responses without a trust value:
// the rounded mean similarity of the sources that carry one, as a
// percentage, or DefaultDerivedTrustScore when none does.
func DeriveTrustScore(sources []model.RetrievedSource) int {
	var sum float64
	n := 0
	for _, s := range sources {
		if s.Similarity == nil {
			continue
		}
		sum += *s.Similarity
		n++
	}
	if n == 0 {
		return DefaultDerivedTrustScore
	}
	return model.TrustScore{Value: sum / float64(n), Scale: model.ScaleUnit}.Percent()
}

func parseVersionTag(raw json.RawMessage) (model.Schema, bool) {
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		var n float64
		if err := json.Unmarshal(raw, &n); err != nil || n != math.Trunc(n) {
			return model.SchemaUnknown, false
		}
		s = strconv.Itoa(int(n))
	}
	switch strings.TrimPrefix(strings.ToLower(strings.TrimSpace(s)), "v") {
	case "1":
		return model.SchemaV1, true
	case "2":
		return model.SchemaV2, true
	case "3":
		return model.SchemaV3, true
	}
	return model.SchemaUnknown, false
}

func isString(raw json.RawMessage) bool {
	b := bytes.TrimSpace(raw)
	return len(b) > 0 && b[0] == '"'
}

func isObject(raw json.RawMessage) bool {
	b := bytes.TrimSpace(raw)
	return len(b) > 0 && b[0] == '{'
}

func isArray(raw json.RawMessage) bool {
	b := bytes.TrimSpace(raw)
	return len(b) > 0 && b[0] == '['
}
