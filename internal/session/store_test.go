package session

import (
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/govchat/internal/model"
)

func msg(q string) model.Message {
	return model.Message{ID: q, Question: q, Answer: "a:" + q}
}

func TestAppendMessage_KeepsCallOrder(t *testing.T) {
	t.Parallel()

	st := NewStore(model.DefaultSettings())
	for i := 0; i < 50; i++ {
		st.AppendMessage(msg(fmt.Sprintf("q%d", i)))
	}

	got := st.Messages()
	require.Len(t, got, 50)
	for i, m := range got {
		assert.Equal(t, fmt.Sprintf("q%d", i), m.Question)
	}
}

func TestRoundTrip_BusyIsNoOp(t *testing.T) {
	t.Parallel()

	st := NewStore(model.DefaultSettings())
	rt, err := st.BeginRoundTrip()
	require.NoError(t, err)
	assert.True(t, st.IsLoading())

	before := st.Snapshot()
	_, err = st.BeginRoundTrip()
	assert.True(t, errors.Is(err, ErrRoundTripInFlight))
	assert.Equal(t, before, st.Snapshot())

	assert.True(t, st.CompleteRoundTrip(rt, msg("q1")))
	assert.False(t, st.IsLoading())
	assert.Len(t, st.Messages(), 1)
}

func TestRoundTrip_StaleTokenIgnored(t *testing.T) {
	t.Parallel()

	st := NewStore(model.DefaultSettings())
	first, err := st.BeginRoundTrip()
	require.NoError(t, err)
	assert.True(t, st.EndRoundTrip(first))
	assert.False(t, st.EndRoundTrip(first))

	second, err := st.BeginRoundTrip()
	require.NoError(t, err)

	assert.False(t, st.EndRoundTrip(first))
	assert.False(t, st.CompleteRoundTrip(first, msg("late")))
	assert.True(t, st.IsLoading())
	assert.Empty(t, st.Messages())

	assert.True(t, st.CompleteRoundTrip(second, msg("q")))
}

func TestRoundTrip_ClearDuringFlightDropsAnswer(t *testing.T) {
	t.Parallel()

	st := NewStore(model.DefaultSettings())
	st.AppendMessage(msg("old"))

	rt, err := st.BeginRoundTrip()
	require.NoError(t, err)
	st.ClearMessages()
	assert.True(t, st.IsLoading())

	assert.False(t, st.CompleteRoundTrip(rt, msg("late")))
	assert.False(t, st.IsLoading())
	assert.Empty(t, st.Messages())
}

func TestSettings_DraftAndCommit(t *testing.T) {
	t.Parallel()

	st := NewStore(model.DefaultSettings())
	_, unsaved := st.Draft()
	assert.False(t, unsaved)

	st.UpdateDraft(func(s *model.ChatSettings) { s.TopK = 6 })
	draft, unsaved := st.Draft()
	assert.True(t, unsaved)
	assert.Equal(t, 6, draft.TopK)
	assert.Equal(t, 4, st.Settings().TopK)

	// Editing back to the committed value clears the flag.
	st.UpdateDraft(func(s *model.ChatSettings) { s.TopK = 4 })
	_, unsaved = st.Draft()
	assert.False(t, unsaved)

	st.UpdateDraft(func(s *model.ChatSettings) { s.ChunkSize = 1200 })
	st.ResetDraft()
	draft, unsaved = st.Draft()
	assert.False(t, unsaved)
	assert.Equal(t, st.Settings(), draft)

	st.UpdateDraft(func(s *model.ChatSettings) { s.ChunkSize = 1200 })
	require.NoError(t, st.SaveSettings())
	_, unsaved = st.Draft()
	assert.False(t, unsaved)
	assert.Equal(t, 1200, st.Settings().ChunkSize)
}

func TestSettings_InvalidDraftNotCommitted(t *testing.T) {
	t.Parallel()

	st := NewStore(model.DefaultSettings())
	bad := model.DefaultSettings()
	bad.TopK = 20
	st.SetDraft(bad)

	err := st.SaveSettings()
	require.Error(t, err)
	assert.True(t, errors.Is(err, model.ErrInvalidSettings))
	assert.Equal(t, 4, st.Settings().TopK)

	draft, unsaved := st.Draft()
	assert.True(t, unsaved)
	assert.Equal(t, 20, draft.TopK)
}

func TestFiles_NoResurrection(t *testing.T) {
	t.Parallel()

	st := NewStore(model.DefaultSettings())
	f := model.UploadedFile{ID: "f1", Name: "a.csv", Status: model.FileUploading}
	assert.True(t, st.AddFile(f))
	assert.False(t, st.AddFile(f))

	f.Status = model.FileProcessing
	assert.True(t, st.UpdateFile(f))
	assert.True(t, st.RemoveFile("f1"))

	f.Status = model.FileIndexed
	assert.False(t, st.UpdateFile(f))
	assert.Empty(t, st.Files())
	assert.False(t, st.RemoveFile("f1"))
}

func TestFileCounts(t *testing.T) {
	t.Parallel()

	st := NewStore(model.DefaultSettings())
	st.AddFile(model.UploadedFile{ID: "1", Status: model.FileIndexed})
	st.AddFile(model.UploadedFile{ID: "2", Status: model.FileIndexed})
	st.AddFile(model.UploadedFile{ID: "3", Status: model.FileError})

	assert.Equal(t, map[string]int{"uploading": 0, "processing": 0, "indexed": 2, "error": 1}, st.FileCounts())
}

func TestIndexing(t *testing.T) {
	t.Parallel()

	st := NewStore(model.DefaultSettings())
	require.NoError(t, st.BeginIndexing())
	assert.True(t, errors.Is(st.BeginIndexing(), ErrIndexingInFlight))
	assert.True(t, st.Snapshot().IsIndexing)
	st.EndIndexing()
	assert.False(t, st.Snapshot().IsIndexing)
}

func TestSnapshot_IsDeepCopy(t *testing.T) {
	t.Parallel()

	st := NewStore(model.DefaultSettings())
	st.AppendMessage(model.Message{
		ID: "1",
		Audit: model.AuditTrail{
			Retrieved:    []model.RetrievedSource{{Source: "a.csv", Similarity: model.Float64(0.5)}},
			TrustFactors: []string{"f"},
		},
	})
	st.AddFile(model.UploadedFile{ID: "f1", Name: "a.csv"})
	st.SetBackendHealth(true, time.Unix(0, 0))

	snap := st.Snapshot()
	snap.Messages[0].Audit.Retrieved[0].Source = "changed"
	*snap.Messages[0].Audit.Retrieved[0].Similarity = 0.9
	snap.Files[0].Name = "changed"
	*snap.BackendHealthy = false

	again := st.Snapshot()
	assert.Equal(t, "a.csv", again.Messages[0].Audit.Retrieved[0].Source)
	assert.Equal(t, 0.5, *again.Messages[0].Audit.Retrieved[0].Similarity)
	assert.Equal(t, "a.csv", again.Files[0].Name)
	assert.True(t, *again.BackendHealthy)
}

func TestStore_ConcurrentAppendsAllLand(t *testing.T) {
	t.Parallel()

	st := NewStore(model.DefaultSettings())
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			st.AppendMessage(msg(fmt.Sprintf("q%d", i)))
			_ = st.Snapshot()
		}(i)
	}
	wg.Wait()
	assert.Len(t, st.Messages(), 20)
}
