package model

import (
	"encoding/json"
	"math"
	"sort"
	"time"
)

// DefaultRecencyFlag is applied when the backend sends no recency signal.
// It is a lossy default, not a statement about document freshness.
const DefaultRecencyFlag = true

// Scale identifies the native range of a backend trust score.
type Scale int

const (
	// ScalePercent means the value is already on 0..100.
	ScalePercent Scale = iota
	// ScaleUnit means the value is on 0..1 and must be multiplied by 100.
	ScaleUnit
)

func (s Scale) String() string {
	switch s {
	case ScalePercent:
		return "percent"
	case ScaleUnit:
		return "unit"
	default:
		return "unknown"
	}
}

// TrustScore is a backend trust value tagged with the scale it was sent in.
// The scale always comes from the response schema and is never guessed from
// the magnitude of Value.
type TrustScore struct {
	Value float64
	Scale Scale
}

// Percent converts the score to an integer percentage in [0,100].
func (t TrustScore) Percent() int {
	if math.IsNaN(t.Value) || math.IsInf(t.Value, 0) {
		return 0
	}
	v := t.Value
	if t.Scale == ScaleUnit {
		v *= 100
	}
	p := int(math.Round(v))
	if p < 0 {
		return 0
	}
	if p > 100 {
		return 100
	}
	return p
}

// RetrievedSource is one document the backend used to ground an answer.
type RetrievedSource struct {
	Source      string   `json:"source"`
	Similarity  *float64 `json:"similarity"`
	RecencyFlag bool     `json:"recency_flag"`
	Preview     *string  `json:"preview"`
	ID          string   `json:"id,omitempty"`
	Agency      string   `json:"agency,omitempty"`
	APIURL      string   `json:"api_url,omitempty"`
}

// AuditTrail records which sources informed an answer and how much to trust it.
type AuditTrail struct {
	Question     string            `json:"question"`
	TrustScore   int               `json:"trust_score"`
	Retrieved    []RetrievedSource `json:"retrieved"`
	Timestamp    time.Time         `json:"-"`
	TrustFactors []string          `json:"trust_factors,omitempty"`
	AuditID      string            `json:"audit_id,omitempty"`
}

type auditTrailJSON struct {
	Question     string            `json:"question"`
	TrustScore   int               `json:"trust_score"`
	Retrieved    []RetrievedSource `json:"retrieved"`
	Timestamp    int64             `json:"timestamp"`
	TrustFactors []string          `json:"trust_factors,omitempty"`
	AuditID      string            `json:"audit_id,omitempty"`
}

// MarshalJSON writes the timestamp as epoch milliseconds, the wire form the
// backend uses for the same object.
func (a AuditTrail) MarshalJSON() ([]byte, error) {
	retrieved := a.Retrieved
	if retrieved == nil {
		retrieved = []RetrievedSource{}
	}
	var ts int64
	if !a.Timestamp.IsZero() {
		ts = a.Timestamp.UnixMilli()
	}
	return json.Marshal(auditTrailJSON{
		Question:     a.Question,
		TrustScore:   a.TrustScore,
		Retrieved:    retrieved,
		Timestamp:    ts,
		TrustFactors: a.TrustFactors,
		AuditID:      a.AuditID,
	})
}

// Clone returns a deep copy so callers can never alias store-owned slices.
func (a AuditTrail) Clone() AuditTrail {
	out := a
	if a.Retrieved != nil {
		out.Retrieved = make([]RetrievedSource, len(a.Retrieved))
		for i, s := range a.Retrieved {
			out.Retrieved[i] = s.clone()
		}
	}
	if a.TrustFactors != nil {
		out.TrustFactors = append([]string(nil), a.TrustFactors...)
	}
	return out
}

func (s RetrievedSource) clone() RetrievedSource {
	out := s
	if s.Similarity != nil {
		v := *s.Similarity
		out.Similarity = &v
	}
	if s.Preview != nil {
		v := *s.Preview
		out.Preview = &v
	}
	return out
}

// RankSources returns a copy of sources ordered by descending similarity.
// Sources without a similarity sort last; ties keep backend order.
func RankSources(sources []RetrievedSource) []RetrievedSource {
	ranked := make([]RetrievedSource, len(sources))
	copy(ranked, sources)
	sort.SliceStable(ranked, func(i, j int) bool {
		a, b := ranked[i].Similarity, ranked[j].Similarity
		switch {
		case a == nil:
			return false
		case b == nil:
			return true
		default:
			return *a > *b
		}
	})
	return ranked
}

// AverageRelevance is the mean similarity as a rounded percentage. Sources
// without a similarity count as zero.
func AverageRelevance(sources []RetrievedSource) int {
	if len(sources) == 0 {
		return 0
	}
	var sum float64
	for _, s := range sources {
		if s.Similarity != nil {
			sum += *s.Similarity
		}
	}
	return int(math.Round(sum / float64(len(sources)) * 100))
}

// RecentCount counts sources flagged as recent.
func RecentCount(sources []RetrievedSource) int {
	n := 0
	for _, s := range sources {
		if s.RecencyFlag {
			n++
		}
	}
	return n
}

// TrustBand is the display bucket for a trust score.
type TrustBand string

const (
	TrustHigh     TrustBand = "High Trust"
	TrustGood     TrustBand = "Good Trust"
	TrustModerate TrustBand = "Moderate Trust"
	TrustLow      TrustBand = "Low Trust"
)

// BandFor maps a 0..100 score to its band.
func BandFor(score int) TrustBand {
	switch {
	case score >= 80:
		return TrustHigh
	case score >= 60:
		return TrustGood
	case score >= 40:
		return TrustModerate
	default:
		return TrustLow
	}
}

// Float64 returns a pointer to v.
func Float64(v float64) *float64 { return &v }

// String returns a pointer to v.
func String(v string) *string { return &v }
