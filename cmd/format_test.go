package main

import (
	"bytes"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/govchat/internal/model"
)

func TestParseSetting(t *testing.T) {
	tests := []struct {
		name    string
		kv      string
		check   func(t *testing.T, s model.ChatSettings)
		wantErr string
	}{
		{name: "int", kv: "top_k=6", check: func(t *testing.T, s model.ChatSettings) { assert.Equal(t, 6, s.TopK) }},
		{name: "spaces", kv: " chunk_size = 1200 ", check: func(t *testing.T, s model.ChatSettings) { assert.Equal(t, 1200, s.ChunkSize) }},
		{name: "bool", kv: "use_openai=false", check: func(t *testing.T, s model.ChatSettings) { assert.False(t, s.UseOpenAI) }},
		{name: "string", kv: "model_name=llama3", check: func(t *testing.T, s model.ChatSettings) { assert.Equal(t, "llama3", s.ModelName) }},
		{name: "missing equals", kv: "top_k", wantErr: "expected key=value"},
		{name: "bad int", kv: "top_k=many", wantErr: "not an integer"},
		{name: "bad bool", kv: "use_openai=maybe", wantErr: "not a boolean"},
		{name: "unknown key", kv: "temperature=1", wantErr: "unknown setting"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := model.DefaultSettings()
			err := parseSetting(&s, tt.kv)
			if tt.wantErr != "" {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.wantErr)
				return
			}
			require.NoError(t, err)
			tt.check(t, s)
		})
	}
}

func TestApplySettings(t *testing.T) {
	base := model.DefaultSettings()

	s, err := applySettings(base, []string{"top_k=8", "chunk_overlap=0"})
	require.NoError(t, err)
	assert.Equal(t, 8, s.TopK)
	assert.Equal(t, 0, s.ChunkOverlap)

	s, err = applySettings(base, []string{"top_k=9"})
	require.Error(t, err)
	assert.ErrorIs(t, err, model.ErrInvalidSettings)
	assert.Equal(t, base, s)
}

func TestFormatMessage(t *testing.T) {
	msg := &model.Message{
		Answer: "There are 3 datasets.",
		Audit: model.AuditTrail{
			TrustScore: 85,
			Retrieved: []model.RetrievedSource{
				{Source: "low.csv", Similarity: model.Float64(0.5)},
				{Source: "high.csv", Similarity: model.Float64(0.9), RecencyFlag: true, Agency: "BLS"},
			},
		},
		Provenance: model.ProvenanceFallback,
	}

	var buf bytes.Buffer
	formatMessage(&buf, msg, true)
	out := buf.String()

	assert.Contains(t, out, "There are 3 datasets.")
	assert.Contains(t, out, "Trust: 85% (High Trust)")
	assert.Contains(t, out, "Sources: 2")
	assert.Contains(t, out, "Recent: 1")
	assert.Contains(t, out, "offline answer")
	assert.Less(t, bytes.Index(buf.Bytes(), []byte("high.csv")), bytes.Index(buf.Bytes(), []byte("low.csv")))
	assert.Contains(t, out, "90%")
}

func TestFormatFiles(t *testing.T) {
	var buf bytes.Buffer
	formatFiles(&buf, []model.UploadedFile{
		{ID: "0123456789abcdef", Name: "a.csv", Size: 2048, Status: model.FileIndexed},
		{ID: "short", Name: "b.pdf", Status: model.FileError, Error: "bad file"},
	})
	out := buf.String()
	assert.Contains(t, out, "01234567 ")
	assert.NotContains(t, out, "0123456789abcdef")
	assert.Contains(t, out, "2 KB")
	assert.Contains(t, out, "bad file")
}

func TestFormatIndexStatus(t *testing.T) {
	var buf bytes.Buffer
	formatIndexStatus(&buf, model.IndexStatus{DocumentCount: 42, Provenance: model.ProvenanceFallback})
	assert.Contains(t, buf.String(), "Built: no")
	assert.Contains(t, buf.String(), "Documents: 42")
	assert.Contains(t, buf.String(), "Last updated: never")
	assert.Contains(t, buf.String(), "offline status")

	buf.Reset()
	ts := time.Date(2024, 6, 10, 12, 0, 0, 0, time.UTC)
	formatIndexStatus(&buf, model.IndexStatus{IsBuilt: true, LastUpdated: &ts})
	assert.Contains(t, buf.String(), "Built: yes")
	assert.NotContains(t, buf.String(), "never")
}
