package dropzone

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/sells-group/govchat/internal/model"
	"github.com/sells-group/govchat/internal/resilience"
)

type uploads struct {
	mu      sync.Mutex
	batches [][]string
}

func (u *uploads) fn(_ context.Context, blobs []model.FileBlob) error {
	u.mu.Lock()
	defer u.mu.Unlock()
	var names []string
	for _, b := range blobs {
		names = append(names, b.Name)
	}
	u.batches = append(u.batches, names)
	return nil
}

func (u *uploads) all() []string {
	u.mu.Lock()
	defer u.mu.Unlock()
	var out []string
	for _, b := range u.batches {
		out = append(out, b...)
	}
	return out
}

func startWatcher(t *testing.T, w *Watcher) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		require.NoError(t, <-done)
	})
}

func TestEligible(t *testing.T) {
	t.Parallel()

	tests := []struct {
		path string
		want bool
	}{
		{"/in/report.pdf", true},
		{"/in/data.CSV", true},
		{"/in/notes.md", true},
		{"/in/.hidden.txt", false},
		{"/in/~lock.docx", false},
		{"/in/draft.txt~", false},
		{"/in/image.png", false},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, Eligible(tt.path), tt.path)
	}
}

func TestRun_UploadsExistingFiles(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "a.csv"), []byte("x,y\n"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "b.txt"), []byte("hello"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "skip.png"), []byte("png"), 0o644))

	var u uploads
	startWatcher(t, New(dir, u.fn, WithExisting(true), WithDebounce(10*time.Millisecond), WithLogger(zap.NewNop())))

	assert.Eventually(t, func() bool { return len(u.all()) == 2 }, 5*time.Second, 10*time.Millisecond)
	assert.ElementsMatch(t, []string{"a.csv", "b.txt"}, u.all())
}

func TestRun_UploadsNewFilesOnce(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	var u uploads
	startWatcher(t, New(dir, u.fn, WithDebounce(20*time.Millisecond), WithLogger(zap.NewNop())))

	// Give the watcher time to register the directory.
	time.Sleep(50 * time.Millisecond)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "report.md"), []byte("# r"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, ".tmp.md"), []byte("# t"), 0o644))

	assert.Eventually(t, func() bool { return len(u.all()) == 1 }, 5*time.Second, 10*time.Millisecond)
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, []string{"report.md"}, u.all())
}

func TestFlush_RetriesBackendFailures(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	path := filepath.Join(dir, "a.txt")
	require.NoError(t, os.WriteFile(path, []byte("a"), 0o644))

	var calls atomic.Int32
	upload := func(context.Context, []model.FileBlob) error {
		if calls.Add(1) < 3 {
			return context.DeadlineExceeded
		}
		return nil
	}
	w := New(dir, upload,
		WithLogger(zap.NewNop()),
		WithRetry(resilience.RetryConfig{MaxAttempts: 3, InitialBackoff: time.Millisecond}),
	)

	w.flush(context.Background(), map[string]struct{}{path: {}})
	assert.Equal(t, int32(3), calls.Load())

	// Unchanged file is not sent again.
	w.flush(context.Background(), map[string]struct{}{path: {}})
	assert.Equal(t, int32(3), calls.Load())
}

func TestFlush_GivesUpOnPermanentError(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	path := filepath.Join(dir, "a.txt")
	require.NoError(t, os.WriteFile(path, []byte("a"), 0o644))

	var calls atomic.Int32
	upload := func(context.Context, []model.FileBlob) error {
		calls.Add(1)
		return errors.New("bad request")
	}
	w := New(dir, upload, WithLogger(zap.NewNop()), WithRetry(resilience.RetryConfig{MaxAttempts: 3, InitialBackoff: time.Millisecond}))

	w.flush(context.Background(), map[string]struct{}{path: {}})
	assert.Equal(t, int32(1), calls.Load())

	// A failed batch is retried on the next change.
	w.flush(context.Background(), map[string]struct{}{path: {}})
	assert.Equal(t, int32(2), calls.Load())
}
