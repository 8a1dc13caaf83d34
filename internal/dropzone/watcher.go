// Package dropzone uploads documents dropped into a watched directory.
package dropzone

import (
	"context"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/govchat/internal/model"
	"github.com/sells-group/govchat/internal/resilience"
)

// DefaultDebounce is how long the directory must be quiet before a batch is
// uploaded.
const DefaultDebounce = 500 * time.Millisecond

// UploadFunc sends one batch of files.
type UploadFunc func(ctx context.Context, blobs []model.FileBlob) error

// Option configures a Watcher.
type Option func(*Watcher)

// WithDebounce sets the quiet period before a batch is sent.
func WithDebounce(d time.Duration) Option {
	return func(w *Watcher) {
		if d > 0 {
			w.debounce = d
		}
	}
}

// WithRetry sets the retry policy for batch uploads.
func WithRetry(cfg resilience.RetryConfig) Option {
	return func(w *Watcher) { w.retry = cfg }
}

// WithExisting uploads files already in the directory on start.
func WithExisting(on bool) Option {
	return func(w *Watcher) { w.existing = on }
}

// WithLogger sets the watcher logger.
func WithLogger(l *zap.Logger) Option {
	return func(w *Watcher) { w.log = l }
}

// Watcher batches new and modified documents in one directory and uploads
// them once writes settle.
type Watcher struct {
	dir      string
	upload   UploadFunc
	debounce time.Duration
	retry    resilience.RetryConfig
	existing bool
	log      *zap.Logger

	// sent remembers the size and mtime last uploaded per path so repeated
	// write events for unchanged files do not upload twice.
	sent map[string]fileStamp
}

type fileStamp struct {
	size int64
	mod  time.Time
}

// New creates a watcher for dir.
func New(dir string, upload UploadFunc, opts ...Option) *Watcher {
	w := &Watcher{
		dir:      dir,
		upload:   upload,
		debounce: DefaultDebounce,
		retry:    resilience.DefaultRetryConfig(),
		log:      zap.L().With(zap.String("component", "dropzone")),
		sent:     make(map[string]fileStamp),
	}
	for _, o := range opts {
		o(w)
	}
	if w.retry.OnRetry == nil {
		w.retry.OnRetry = resilience.RetryLogger("dropzone upload")
	}
	return w
}

// Eligible reports whether a path should be uploaded: an accepted document
// extension, not hidden, not an editor temp file.
func Eligible(path string) bool {
	base := filepath.Base(path)
	if strings.HasPrefix(base, ".") || strings.HasPrefix(base, "~") || strings.HasSuffix(base, "~") {
		return false
	}
	return model.Accepts(base)
}

// Run watches until ctx is done. Upload failures are logged and the batch
// is dropped; the watcher keeps running.
func (w *Watcher) Run(ctx context.Context) error {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return eris.Wrap(err, "dropzone: create watcher")
	}
	defer fw.Close() //nolint:errcheck

	if err := fw.Add(w.dir); err != nil {
		return eris.Wrapf(err, "dropzone: watch %s", w.dir)
	}
	w.log.Info("watching for documents", zap.String("dir", w.dir), zap.Duration("debounce", w.debounce))

	pending := make(map[string]struct{})
	if w.existing {
		entries, err := os.ReadDir(w.dir)
		if err != nil {
			return eris.Wrapf(err, "dropzone: read %s", w.dir)
		}
		for _, e := range entries {
			if !e.IsDir() && Eligible(e.Name()) {
				pending[filepath.Join(w.dir, e.Name())] = struct{}{}
			}
		}
	}

	timer := time.NewTimer(w.debounce)
	if len(pending) == 0 {
		timer.Stop()
	}
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-fw.Events:
			if !ok {
				return nil
			}
			switch {
			case ev.Has(fsnotify.Remove), ev.Has(fsnotify.Rename):
				delete(pending, ev.Name)
				delete(w.sent, ev.Name)
				continue
			case ev.Has(fsnotify.Create), ev.Has(fsnotify.Write):
			default:
				continue
			}
			if !Eligible(ev.Name) {
				continue
			}
			pending[ev.Name] = struct{}{}
			timer.Reset(w.debounce)
		case err, ok := <-fw.Errors:
			if !ok {
				return nil
			}
			w.log.Warn("watcher error", zap.Error(err))
		case <-timer.C:
			w.flush(ctx, pending)
			clear(pending)
		}
	}
}

func (w *Watcher) flush(ctx context.Context, pending map[string]struct{}) {
	paths := make([]string, 0, len(pending))
	for p := range pending {
		paths = append(paths, p)
	}
	sort.Strings(paths)

	blobs := make([]model.FileBlob, 0, len(paths))
	stamps := make(map[string]fileStamp, len(paths))
	for _, p := range paths {
		info, err := os.Stat(p)
		if err != nil || info.IsDir() {
			continue
		}
		st := fileStamp{size: info.Size(), mod: info.ModTime()}
		if prev, ok := w.sent[p]; ok && prev == st {
			continue
		}
		b, err := model.BlobFromPath(p)
		if err != nil {
			w.log.Debug("skipping file", zap.String("path", p), zap.Error(err))
			continue
		}
		blobs = append(blobs, b)
		stamps[p] = st
	}
	if len(blobs) == 0 {
		return
	}

	err := resilience.Do(ctx, w.retry, func(ctx context.Context) error {
		return w.upload(ctx, blobs)
	})
	if err != nil {
		w.log.Error("upload failed", zap.Int("files", len(blobs)), zap.Error(err))
		return
	}
	for p, st := range stamps {
		w.sent[p] = st
	}
	w.log.Info("uploaded", zap.Int("files", len(blobs)))
}
