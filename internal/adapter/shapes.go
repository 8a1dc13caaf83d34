package adapter

import (
	"encoding/json"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/sells-group/govchat/internal/model"
)

// responseV1 is the audit-object shape. It is also the canonical JSON form
// of model.QueryResult, so schema and provenance are read back when present.
type responseV1 struct {
	Answer     *string          `json:"answer"`
	Audit      *auditV1         `json:"audit"`
	Schema     model.Schema     `json:"schema"`
	Provenance model.Provenance `json:"provenance"`
}

type auditV1 struct {
	Question     string          `json:"question"`
	TrustScore   *float64        `json:"trust_score"`
	Retrieved    []rawHit        `json:"retrieved"`
	Timestamp    json.RawMessage `json:"timestamp"`
	TrustFactors []string        `json:"trust_factors"`
	AuditID      string          `json:"audit_id"`
}

// responseV2 carries a trust object scored on 0..1.
type responseV2 struct {
	Query   string            `json:"query"`
	Answer  *string           `json:"answer"`
	Sources []json.RawMessage `json:"sources"`
	Trust   *trustV2          `json:"trust"`
	Hits    []rawHit          `json:"hits"`
}

type trustV2 struct {
	Score   *float64 `json:"score"`
	Factors []string `json:"factors"`
	AuditID string   `json:"audit_id"`
}

// responseV3 has no trust information at all.
type responseV3 struct {
	Query   string            `json:"query"`
	Answer  *string           `json:"answer"`
	Sources []json.RawMessage `json:"sources"`
	Hits    []rawHit          `json:"hits"`
	Count   *int              `json:"count"`
}

// rawHit accepts every per-document field name seen across versions.
type rawHit struct {
	Source          string   `json:"source"`
	Title           string   `json:"title"`
	Name            string   `json:"name"`
	ID              string   `json:"id"`
	Similarity      *float64 `json:"similarity"`
	SimilarityScore *float64 `json:"similarity_score"`
	RecencyFlag     *bool    `json:"recency_flag"`
	Preview         *string  `json:"preview"`
	Description     *string  `json:"description"`
	Agency          string   `json:"agency"`
	APIURL          string   `json:"api_url"`
}

func (h rawHit) toSource() model.RetrievedSource {
	src := model.RetrievedSource{
		Source:      firstNonEmpty(h.Source, h.Title, h.Name, h.ID),
		Similarity:  clampSimilarity(h.Similarity, h.SimilarityScore),
		RecencyFlag: model.DefaultRecencyFlag,
		Preview:     h.Preview,
		ID:          h.ID,
		Agency:      h.Agency,
		APIURL:      h.APIURL,
	}
	if src.Preview == nil && h.Description != nil {
		src.Preview = h.Description
	}
	if h.RecencyFlag != nil {
		src.RecencyFlag = *h.RecencyFlag
	}
	return src
}

func convertHits(hits []rawHit) []model.RetrievedSource {
	out := make([]model.RetrievedSource, 0, len(hits))
	for _, h := range hits {
		out = append(out, h.toSource())
	}
	return out
}

// convertSources maps a sources array whose elements are either plain
// document names or hit-like objects. Elements of any other type are skipped.
func convertSources(sources []json.RawMessage) []model.RetrievedSource {
	out := make([]model.RetrievedSource, 0, len(sources))
	for _, raw := range sources {
		var name string
		if err := json.Unmarshal(raw, &name); err == nil {
			out = append(out, model.RetrievedSource{Source: name, RecencyFlag: model.DefaultRecencyFlag})
			continue
		}
		var h rawHit
		if err := json.Unmarshal(raw, &h); err == nil {
			out = append(out, h.toSource())
		}
	}
	return out
}

// clampSimilarity picks the first non-nil value and clamps it to [0,1].
func clampSimilarity(values ...*float64) *float64 {
	for _, v := range values {
		if v == nil {
			continue
		}
		f := *v
		if math.IsNaN(f) || math.IsInf(f, 0) {
			return nil
		}
		f = math.Max(0, math.Min(1, f))
		return &f
	}
	return nil
}

// parseTimestamp accepts epoch milliseconds or an RFC 3339 string.
func parseTimestamp(raw json.RawMessage, fallback time.Time) time.Time {
	s := strings.TrimSpace(string(raw))
	if s == "" || s == "null" {
		return fallback
	}
	if ms, err := strconv.ParseFloat(s, 64); err == nil {
		return time.UnixMilli(int64(ms))
	}
	var str string
	if err := json.Unmarshal(raw, &str); err == nil {
		if t, err := time.Parse(time.RFC3339Nano, str); err == nil {
			return t
		}
	}
	return fallback
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
