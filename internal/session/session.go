package session

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/govchat/internal/adapter"
	"github.com/sells-group/govchat/internal/ingest"
	"github.com/sells-group/govchat/internal/metrics"
	"github.com/sells-group/govchat/internal/model"
)

// MaxQuestionLength is the longest question accepted, in characters.
const MaxQuestionLength = 4000

var (
	// ErrEmptyQuestion is returned for blank questions.
	ErrEmptyQuestion = eris.New("session: question is empty")
	// ErrQuestionTooLong is returned for questions over MaxQuestionLength.
	ErrQuestionTooLong = eris.New("session: question is too long")
	// ErrNoFiles is returned when an upload has nothing to send.
	ErrNoFiles = eris.New("session: no files to upload")
)

// Backend is what a session needs from the transport.
type Backend interface {
	Query(ctx context.Context, question string, settings model.ChatSettings) (model.QueryResult, error)
	Upload(ctx context.Context, blobs []model.FileBlob) (model.UploadResult, error)
	RebuildIndex(ctx context.Context, settings model.ChatSettings) (model.RebuildResult, error)
	IndexStatus(ctx context.Context) (model.IndexStatus, error)
	Health(ctx context.Context) bool
}

// Option configures a Session.
type Option func(*Session)

// WithSettings sets the initial committed settings.
func WithSettings(s model.ChatSettings) Option {
	return func(sess *Session) { sess.initial = s }
}

// WithProgress sets the source that drives uploaded files to a terminal
// state. Without one, files stay in processing until the backend says
// otherwise in the upload response.
func WithProgress(src ingest.ProgressSource) Option {
	return func(sess *Session) { sess.progress = src }
}

// WithMetrics records session activity.
func WithMetrics(m *metrics.Metrics) Option {
	return func(sess *Session) { sess.metrics = m }
}

// WithLogger sets the session logger.
func WithLogger(l *zap.Logger) Option {
	return func(sess *Session) { sess.log = l }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(sess *Session) { sess.now = now }
}

// Session ties one store to a backend and an ingestion tracker.
type Session struct {
	store    *Store
	tracker  *ingest.Tracker
	backend  Backend
	progress ingest.ProgressSource
	metrics  *metrics.Metrics
	log      *zap.Logger
	now      func() time.Time
	initial  model.ChatSettings

	ctx    context.Context
	cancel context.CancelFunc
	jobs   sync.WaitGroup
}

// New creates a session over backend.
func New(backend Backend, opts ...Option) *Session {
	s := &Session{
		backend: backend,
		tracker: ingest.NewTracker(),
		log:     zap.L().With(zap.String("component", "session")),
		now:     time.Now,
		initial: model.DefaultSettings(),
	}
	for _, o := range opts {
		o(s)
	}
	s.store = NewStore(s.initial)
	s.ctx, s.cancel = context.WithCancel(context.Background())

	s.tracker.OnChange(func(c ingest.Change) {
		switch {
		case c.Added:
			s.store.AddFile(c.File)
		case c.Removed:
			s.store.RemoveFile(c.File.ID)
		default:
			s.store.UpdateFile(c.File)
		}
		s.metrics.SetFileCounts(s.store.FileCounts())
	})
	return s
}

// Store exposes the session state for reads and settings actions.
func (s *Session) Store() *Store { return s.store }

// Tracker exposes the ingestion tracker.
func (s *Session) Tracker() *ingest.Tracker { return s.tracker }

// Snapshot returns the current settled state.
func (s *Session) Snapshot() State { return s.store.Snapshot() }

// Close stops background ingestion tracking and waits for it to finish.
func (s *Session) Close() {
	s.cancel()
	s.jobs.Wait()
}

// Ask sends one question and appends the settled message. Backend outages
// yield a fallback message, not an error. An unreadable response appends a
// synthesized message and returns an error wrapping
// adapter.ErrUnrecognizedSchema.
func (s *Session) Ask(ctx context.Context, question string) (*model.Message, error) {
	q := strings.TrimSpace(question)
	if q == "" {
		return nil, ErrEmptyQuestion
	}
	if utf8.RuneCountInString(q) > MaxQuestionLength {
		return nil, eris.Wrapf(ErrQuestionTooLong, "%d characters, limit %d", utf8.RuneCountInString(q), MaxQuestionLength)
	}

	rt, err := s.store.BeginRoundTrip()
	if err != nil {
		return nil, err
	}
	defer s.store.EndRoundTrip(rt)

	result, qerr := s.backend.Query(ctx, q, s.store.Settings())
	if qerr != nil {
		if !errors.Is(qerr, adapter.ErrUnrecognizedSchema) {
			return nil, eris.Wrap(qerr, "session: ask")
		}
		s.log.Error("backend response not understood", zap.Error(qerr))
		result = adapter.Rejected(q, s.now())
	}

	msg := model.Message{
		ID:         uuid.NewString(),
		Question:   q,
		Answer:     result.Answer,
		Timestamp:  s.now(),
		Audit:      result.Audit,
		Provenance: result.Provenance,
	}
	if s.store.CompleteRoundTrip(rt, msg) {
		s.metrics.IncMessages()
	} else {
		s.log.Debug("conversation cleared during question, answer dropped", zap.String("message_id", msg.ID))
	}
	return &msg, qerr
}

// ClearMessages empties the conversation.
func (s *Session) ClearMessages() {
	s.store.ClearMessages()
}

// IngestJob follows one upload batch until every file is settled.
type IngestJob struct {
	// Files are the tracker records created for the batch, in request order.
	Files []model.UploadedFile

	done chan struct{}
	err  error
}

// Done is closed when tracking of the batch has finished.
func (j *IngestJob) Done() <-chan struct{} { return j.done }

// Err returns the tracking error once Done is closed.
func (j *IngestJob) Err() error {
	<-j.done
	return j.err
}

// Wait blocks until the batch is settled or ctx is done.
func (j *IngestJob) Wait(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-j.done:
		return j.err
	}
}

// UploadFiles tracks and uploads blobs. Every blob gets its own record, so
// duplicate names stay distinct. When the upload itself fails, every record
// in the batch moves to error and the error is returned with the job.
func (s *Session) UploadFiles(ctx context.Context, blobs []model.FileBlob) (*IngestJob, error) {
	if len(blobs) == 0 {
		return nil, ErrNoFiles
	}
	for _, b := range blobs {
		if b.Open == nil {
			return nil, eris.Errorf("session: file %q has no content", b.Name)
		}
	}

	start := s.now()
	files := s.tracker.Add(blobs)
	job := &IngestJob{Files: files, done: make(chan struct{})}

	// Push events can arrive before Upload returns.
	src := s.progress
	var sub *ingest.Subscription
	if p, ok := src.(*ingest.PushSource); ok {
		sub = p.Subscribe(start)
		src = sub
	}

	res, err := s.backend.Upload(ctx, blobs)
	if err != nil {
		sub.Close()
		for _, f := range files {
			_ = s.tracker.Fail(f.ID, err.Error())
		}
		job.err = err
		close(job.done)
		return job, eris.Wrap(err, "session: upload files")
	}

	for i, f := range files {
		if i >= len(res.Files) {
			_ = s.tracker.Fail(f.ID, "missing from upload response")
			continue
		}
		s.applyUploaded(f.ID, res.Files[i])
	}

	pending := make([]model.UploadedFile, 0, len(files))
	for _, f := range files {
		if cur, ok := s.tracker.Get(f.ID); ok && !cur.Status.IsTerminal() {
			pending = append(pending, cur)
		}
	}
	if len(pending) == 0 || src == nil {
		sub.Close()
		close(job.done)
		return job, nil
	}

	if p, ok := src.(ingest.PollSource); ok && p.Since.IsZero() {
		p.Since = start
		src = p
	}

	s.jobs.Add(1)
	go func() {
		defer s.jobs.Done()
		defer close(job.done)
		if err := s.tracker.Drive(s.ctx, src, pending); err != nil && !errors.Is(err, context.Canceled) {
			s.log.Warn("ingest tracking stopped", zap.Error(err), zap.Int("files", len(pending)))
			job.err = err
		}
	}()
	return job, nil
}

func (s *Session) applyUploaded(id string, remote model.UploadedFile) {
	if remote.ID != "" {
		_ = s.tracker.SetRemoteID(id, remote.ID)
	}
	var err error
	switch remote.Status {
	case model.FileIndexed:
		err = s.tracker.Advance(id, model.FileIndexed)
	case model.FileError:
		reason := remote.Error
		if reason == "" {
			reason = "backend rejected file"
		}
		err = s.tracker.Fail(id, reason)
	default:
		err = s.tracker.Advance(id, model.FileProcessing)
	}
	if err != nil {
		s.log.Debug("upload result not applied", zap.String("file_id", id), zap.Error(err))
	}
}

// RemoveFile drops a file in any state. Late progress for it is ignored.
func (s *Session) RemoveFile(id string) bool {
	return s.tracker.Remove(id)
}

// Files lists tracked files in upload order.
func (s *Session) Files() []model.UploadedFile {
	return s.tracker.List()
}

// RebuildIndex rebuilds the backend index with the committed settings. The
// store reports indexing for the whole call.
func (s *Session) RebuildIndex(ctx context.Context) (model.RebuildResult, error) {
	if err := s.store.BeginIndexing(); err != nil {
		return model.RebuildResult{}, err
	}
	defer s.store.EndIndexing()

	res, err := s.backend.RebuildIndex(ctx, s.store.Settings())
	if err != nil {
		return model.RebuildResult{}, eris.Wrap(err, "session: rebuild index")
	}
	return res, nil
}

// IndexStatus returns the backend index status.
func (s *Session) IndexStatus(ctx context.Context) (model.IndexStatus, error) {
	st, err := s.backend.IndexStatus(ctx)
	if err != nil {
		return model.IndexStatus{}, eris.Wrap(err, "session: index status")
	}
	return st, nil
}

// CheckHealth pings the backend and records the result in the store.
func (s *Session) CheckHealth(ctx context.Context) bool {
	ok := s.backend.Health(ctx)
	s.store.SetBackendHealth(ok, s.now())
	return ok
}

// SetDraft replaces the settings draft.
func (s *Session) SetDraft(settings model.ChatSettings) { s.store.SetDraft(settings) }

// SaveSettings validates and commits the settings draft.
func (s *Session) SaveSettings() error { return s.store.SaveSettings() }

// ResetDraft discards settings draft edits.
func (s *Session) ResetDraft() { s.store.ResetDraft() }
