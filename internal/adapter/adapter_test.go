package adapter

import (
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/govchat/internal/model"
)

var receivedAt = time.UnixMilli(1718000000000)

func TestDetect(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		raw  string
		want model.Schema
	}{
		{"audit object", `{"answer":"a","audit":{"trust_score":68,"retrieved":[]}}`, model.SchemaV1},
		{"trust object", `{"query":"q","answer":"a","sources":[],"trust":{"score":0.5},"hits":[]}`, model.SchemaV2},
		{"hits only", `{"query":"q","answer":"a","hits":[],"count":0}`, model.SchemaV3},
		{"sources only", `{"query":"q","answer":"a","sources":["x.csv"]}`, model.SchemaV3},
		{"explicit tag wins", `{"schema_version":"v3","answer":"a","trust":{"score":0.5},"hits":[]}`, model.SchemaV3},
		{"numeric version tag", `{"version":2,"answer":"a","hits":[]}`, model.SchemaV2},
		{"data version on hits", `{"version":"2024.1","query":"q","answer":"a","hits":[]}`, model.SchemaV3},
		{"data version on trust", `{"version":"7","answer":"a","sources":[],"trust":{"score":0.5}}`, model.SchemaV2},
		{"unknown version is data", `{"version":"v9","answer":"a","hits":[]}`, model.SchemaV3},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got, err := Detect([]byte(tt.raw))
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestDetect_Unrecognized(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		raw  string
	}{
		{"not json", `<html>oops</html>`},
		{"array", `[1,2,3]`},
		{"null", `null`},
		{"missing answer", `{"audit":{"trust_score":68}}`},
		{"answer not a string", `{"answer":42,"hits":[]}`},
		{"no known structure", `{"answer":"a","data":{}}`},
		{"unknown schema_version", `{"schema_version":"v9","answer":"a","hits":[]}`},
		{"data version without structure", `{"version":"2024.1","answer":"a"}`},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			_, err := Detect([]byte(tt.raw))
			require.Error(t, err)
			assert.True(t, errors.Is(err, ErrUnrecognizedSchema))

			_, err = Normalize([]byte(tt.raw), receivedAt)
			assert.True(t, errors.Is(err, ErrUnrecognizedSchema))
		})
	}
}

func TestNormalize_V1PassesThrough(t *testing.T) {
	t.Parallel()

	raw := `{
		"answer": "There are 42 datasets.",
		"audit": {
			"question": "How many?",
			"trust_score": 68,
			"retrieved": [
				{"source": "catalog.csv", "similarity": 0.85, "recency_flag": false, "preview": "catalog"},
				{"source": "notes.md", "similarity": null}
			],
			"timestamp": 1717000000000
		}
	}`

	got, err := Normalize([]byte(raw), receivedAt)
	require.NoError(t, err)

	assert.Equal(t, "There are 42 datasets.", got.Answer)
	assert.Equal(t, 68, got.Audit.TrustScore)
	assert.Equal(t, "How many?", got.Audit.Question)
	assert.Equal(t, model.SchemaV1, got.Schema)
	assert.Equal(t, model.ProvenanceBackend, got.Provenance)
	assert.Equal(t, int64(1717000000000), got.Audit.Timestamp.UnixMilli())

	require.Len(t, got.Audit.Retrieved, 2)
	assert.False(t, got.Audit.Retrieved[0].RecencyFlag)
	assert.InDelta(t, 0.85, *got.Audit.Retrieved[0].Similarity, 1e-9)
	assert.Equal(t, "catalog", *got.Audit.Retrieved[0].Preview)
	assert.Nil(t, got.Audit.Retrieved[1].Similarity)
	assert.Equal(t, model.DefaultRecencyFlag, got.Audit.Retrieved[1].RecencyFlag)
}

func TestNormalize_V1MissingTimestampUsesReceivedAt(t *testing.T) {
	t.Parallel()

	got, err := Normalize([]byte(`{"answer":"a","audit":{"trust_score":68,"retrieved":[]}}`), receivedAt)
	require.NoError(t, err)
	assert.Equal(t, receivedAt, got.Audit.Timestamp)
	assert.NotNil(t, got.Audit.Retrieved)
}

func TestNormalize_V2ScalesTrust(t *testing.T) {
	t.Parallel()

	raw := `{
		"query": "Which agencies publish budgets?",
		"answer": "Treasury and OMB.",
		"sources": ["budget.pdf"],
		"trust": {"score": 0.68, "factors": ["similarity", "recency"], "audit_id": "aud-1"},
		"hits": [
			{"title": "budget.pdf", "description": "FY24 budget", "similarity_score": 0.91, "agency": "OMB", "api_url": "https://example.gov/b"},
			{"title": "spend.csv", "similarity_score": 1.4}
		]
	}`

	got, err := Normalize([]byte(raw), receivedAt)
	require.NoError(t, err)

	assert.Equal(t, 68, got.Audit.TrustScore)
	assert.Equal(t, []string{"similarity", "recency"}, got.Audit.TrustFactors)
	assert.Equal(t, "aud-1", got.Audit.AuditID)
	assert.Equal(t, "Which agencies publish budgets?", got.Audit.Question)
	assert.Equal(t, receivedAt, got.Audit.Timestamp)
	assert.Equal(t, model.SchemaV2, got.Schema)

	require.Len(t, got.Audit.Retrieved, 2)
	first := got.Audit.Retrieved[0]
	assert.Equal(t, "budget.pdf", first.Source)
	assert.Equal(t, "FY24 budget", *first.Preview)
	assert.InDelta(t, 0.91, *first.Similarity, 1e-9)
	assert.True(t, first.RecencyFlag)
	assert.Equal(t, "OMB", first.Agency)
	assert.Equal(t, "https://example.gov/b", first.APIURL)
	// Out-of-range similarity is clamped.
	assert.InDelta(t, 1.0, *got.Audit.Retrieved[1].Similarity, 1e-9)
}

func TestNormalize_TrustNeverDoubleScaled(t *testing.T) {
	t.Parallel()

	a, err := Normalize([]byte(`{"answer":"x","audit":{"trust_score":68,"retrieved":[]}}`), receivedAt)
	require.NoError(t, err)
	b, err := Normalize([]byte(`{"query":"q","answer":"x","sources":[],"trust":{"score":0.68},"hits":[]}`), receivedAt)
	require.NoError(t, err)

	assert.Equal(t, 68, a.Audit.TrustScore)
	assert.Equal(t, 68, b.Audit.TrustScore)

	// A percent that happens to be small is not treated as a fraction.
	c, err := Normalize([]byte(`{"answer":"x","audit":{"trust_score":1,"retrieved":[]}}`), receivedAt)
	require.NoError(t, err)
	assert.Equal(t, 1, c.Audit.TrustScore)
}

func TestNormalize_V3DerivesTrust(t *testing.T) {
	t.Parallel()

	raw := `{
		"query": "How many datasets exist?",
		"answer": "There are 2 datasets.",
		"sources": ["a.csv", "b.csv"],
		"hits": [
			{"title": "a.csv", "similarity": 0.8},
			{"title": "b.csv", "similarity_score": 0.6, "description": "second"}
		],
		"count": 2
	}`

	got, err := Normalize([]byte(raw), receivedAt)
	require.NoError(t, err)

	assert.Equal(t, model.SchemaV3, got.Schema)
	assert.Equal(t, "How many datasets exist?", got.Audit.Question)
	assert.Equal(t, 70, got.Audit.TrustScore)
	require.Len(t, got.Audit.Retrieved, 2)
	assert.Equal(t, "a.csv", got.Audit.Retrieved[0].Source)
	assert.Equal(t, "second", *got.Audit.Retrieved[1].Preview)
}

func TestNormalize_V3WithoutSimilaritiesUsesDefault(t *testing.T) {
	t.Parallel()

	raw := `{"query":"How many datasets exist?","answer":"Some.","sources":["a.csv"],"hits":[{"title":"a.csv"}],"count":1}`

	got, err := Normalize([]byte(raw), receivedAt)
	require.NoError(t, err)
	assert.Equal(t, DefaultDerivedTrustScore, got.Audit.TrustScore)
	require.Len(t, got.Audit.Retrieved, 1)
	assert.Equal(t, "a.csv", got.Audit.Retrieved[0].Source)
}

func TestNormalize_V3FallsBackToSources(t *testing.T) {
	t.Parallel()

	raw := `{"query":"q","answer":"a","sources":["x.txt",{"source":"y.txt","similarity":0.4},7],"hits":[]}`

	got, err := Normalize([]byte(raw), receivedAt)
	require.NoError(t, err)
	require.Len(t, got.Audit.Retrieved, 2)
	assert.Equal(t, "x.txt", got.Audit.Retrieved[0].Source)
	assert.Equal(t, "y.txt", got.Audit.Retrieved[1].Source)
	assert.Equal(t, 40, got.Audit.TrustScore)
}

func TestNormalize_V3WithDataVersion(t *testing.T) {
	t.Parallel()

	raw := `{"version":"2024.1","query":"q","answer":"a","hits":[{"title":"a.csv","similarity":0.9}],"count":1}`

	got, err := Normalize([]byte(raw), receivedAt)
	require.NoError(t, err)
	assert.Equal(t, model.SchemaV3, got.Schema)
	assert.Equal(t, 90, got.Audit.TrustScore)
	require.Len(t, got.Audit.Retrieved, 1)
	assert.Equal(t, "a.csv", got.Audit.Retrieved[0].Source)
}

func TestNormalize_IdempotentOnCanonicalForm(t *testing.T) {
	t.Parallel()

	inputs := []string{
		`{"answer":"a","audit":{"question":"q","trust_score":68,"retrieved":[{"source":"s","similarity":0.5}],"timestamp":1717000000000}}`,
		`{"query":"q","answer":"a","sources":[],"trust":{"score":0.68,"factors":["f"],"audit_id":"x"},"hits":[{"title":"t","similarity_score":0.7,"description":"d"}]}`,
		`{"query":"q","answer":"a","sources":["s"],"hits":[{"title":"s","similarity":0.33}],"count":1}`,
	}

	for _, in := range inputs {
		first, err := Normalize([]byte(in), receivedAt)
		require.NoError(t, err)

		canonical, err := json.Marshal(first)
		require.NoError(t, err)

		second, err := Normalize(canonical, receivedAt)
		require.NoError(t, err)
		assert.Equal(t, first, second)
	}
}

func TestDeriveTrustScore(t *testing.T) {
	t.Parallel()

	assert.Equal(t, DefaultDerivedTrustScore, DeriveTrustScore(nil))
	assert.Equal(t, 75, DeriveTrustScore([]model.RetrievedSource{
		{Similarity: model.Float64(0.7)},
		{},
		{Similarity: model.Float64(0.8)},
	}))
}

func TestFallback(t *testing.T) {
	t.Parallel()

	got := Fallback("Where is the data?", receivedAt)
	assert.True(t, got.IsFallback())
	assert.Equal(t, FallbackTrustScore, got.Audit.TrustScore)
	assert.Equal(t, "Where is the data?", got.Audit.Question)
	require.Len(t, got.Audit.Retrieved, 1)
	assert.Equal(t, FallbackSource, got.Audit.Retrieved[0].Source)
	assert.NotEmpty(t, got.Answer)

	rejected := Rejected("q", receivedAt)
	assert.False(t, rejected.IsFallback())
	assert.Equal(t, model.ProvenanceRejected, rejected.Provenance)
}
