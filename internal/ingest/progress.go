package ingest

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/sells-group/govchat/internal/model"
)

// Event reports a state change for one file. FileID is the tracker id;
// sources that only know the backend id set RemoteID instead.
type Event struct {
	FileID   string           `json:"file_id,omitempty"`
	RemoteID string           `json:"remote_id,omitempty"`
	Name     string           `json:"name,omitempty"`
	Status   model.FileStatus `json:"status"`
	Error    string           `json:"error,omitempty"`
}

// ProgressSource observes ingestion progress for a batch of uploaded files
// and emits events until every file is settled or ctx is done.
type ProgressSource interface {
	Track(ctx context.Context, files []model.UploadedFile, emit func(Event)) error
}

// TimerSource advances files on fixed delays. It is meant for offline and
// development use when the backend offers neither push nor a useful status.
type TimerSource struct {
	ProcessingDelay time.Duration
	IndexDelay      time.Duration
}

// Track emits processing after ProcessingDelay and indexed IndexDelay later.
func (s TimerSource) Track(ctx context.Context, files []model.UploadedFile, emit func(Event)) error {
	pending := unsettled(files)
	if len(pending) == 0 {
		return nil
	}

	if err := sleep(ctx, s.ProcessingDelay); err != nil {
		return err
	}
	for _, f := range pending {
		if f.Status == model.FileUploading {
			emit(Event{FileID: f.ID, Status: model.FileProcessing})
		}
	}

	if err := sleep(ctx, s.IndexDelay); err != nil {
		return err
	}
	for _, f := range pending {
		emit(Event{FileID: f.ID, Status: model.FileIndexed})
	}
	return nil
}

// StatusFunc returns the backend index status.
type StatusFunc func(ctx context.Context) (model.IndexStatus, error)

// PollSource polls the index status until the index was built after the
// upload started, then marks every pending file indexed. Files still pending
// at Timeout are failed.
type PollSource struct {
	Status   StatusFunc
	Interval time.Duration
	Timeout  time.Duration
	// Limiter paces status requests. When nil, one request per Interval.
	Limiter *rate.Limiter
	// Since is the upload time; when zero the time Track starts is used.
	Since time.Time
	Logger *zap.Logger
}

// ErrPollTimeout is the reason recorded on files that never got indexed.
var ErrPollTimeout = eris.New("timed out waiting for the index to include the file")

// Track implements ProgressSource.
func (s PollSource) Track(ctx context.Context, files []model.UploadedFile, emit func(Event)) error {
	pending := unsettled(files)
	if len(pending) == 0 {
		return nil
	}

	since := s.Since
	if since.IsZero() {
		since = time.Now()
	}
	interval := s.Interval
	if interval <= 0 {
		interval = time.Second
	}
	limiter := s.Limiter
	if limiter == nil {
		limiter = rate.NewLimiter(rate.Every(interval), 1)
	}
	log := s.Logger
	if log == nil {
		log = zap.L()
	}

	pollCtx := ctx
	if s.Timeout > 0 {
		var cancel context.CancelFunc
		pollCtx, cancel = context.WithTimeout(ctx, s.Timeout)
		defer cancel()
	}

	for _, f := range pending {
		if f.Status == model.FileUploading {
			emit(Event{FileID: f.ID, Status: model.FileProcessing})
		}
	}

	for {
		if err := limiter.Wait(pollCtx); err != nil {
			break
		}
		status, err := s.Status(pollCtx)
		if err != nil {
			log.Debug("ingest: index status poll failed", zap.Error(err))
			continue
		}
		if indexedSince(status, since) {
			for _, f := range pending {
				emit(Event{FileID: f.ID, Status: model.FileIndexed})
			}
			return nil
		}
	}

	// The caller's own cancellation leaves files as they are.
	if ctx.Err() != nil {
		return ctx.Err()
	}
	for _, f := range pending {
		emit(Event{FileID: f.ID, Status: model.FileError, Error: ErrPollTimeout.Error()})
	}
	return nil
}

func indexedSince(s model.IndexStatus, since time.Time) bool {
	if !s.IsBuilt {
		return false
	}
	return s.LastUpdated == nil || !s.LastUpdated.Before(since)
}

// PushSource fans out events published by the backend, for example from a
// message bus subscription, to every batch being tracked.
//
// Push delivery is at most once. Files still unconfirmed Timeout after
// tracking starts are handed to Fallback, or failed with ErrPushTimeout when
// there is none.
type PushSource struct {
	Timeout  time.Duration
	Fallback ProgressSource
	Logger   *zap.Logger

	mu   sync.Mutex
	subs map[chan Event]struct{}
}

// ErrPushTimeout is the reason recorded on files no event confirmed.
var ErrPushTimeout = eris.New("no ingestion status received for the file")

// pushBuffer bounds the events held for one subscription.
const pushBuffer = 256

// NewPushSource creates a push hub.
func NewPushSource() *PushSource {
	return &PushSource{subs: make(map[chan Event]struct{})}
}

// Publish delivers ev to every open subscription. It never blocks on a slow
// subscriber; such events are dropped for that subscriber.
func (p *PushSource) Publish(ev Event) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for ch := range p.subs {
		select {
		case ch <- ev:
		default:
		}
	}
}

// Subscribe starts buffering events before the files they concern exist on
// the backend. since is the upload time, passed on to a poll fallback.
// The subscription is released by Track or Close.
func (p *PushSource) Subscribe(since time.Time) *Subscription {
	ch := make(chan Event, pushBuffer)
	p.mu.Lock()
	p.subs[ch] = struct{}{}
	p.mu.Unlock()
	return &Subscription{hub: p, ch: ch, since: since}
}

// Track implements ProgressSource. Events are matched to files by tracker
// id, then backend id, then name.
func (p *PushSource) Track(ctx context.Context, files []model.UploadedFile, emit func(Event)) error {
	return p.Subscribe(time.Now()).Track(ctx, files, emit)
}

// Subscription is one batch's view of a PushSource.
type Subscription struct {
	hub   *PushSource
	ch    chan Event
	since time.Time
	once  sync.Once
}

// Close stops buffering. It is safe to call more than once and on nil.
func (s *Subscription) Close() {
	if s == nil {
		return
	}
	s.once.Do(func() {
		s.hub.mu.Lock()
		delete(s.hub.subs, s.ch)
		s.hub.mu.Unlock()
	})
}

// Track implements ProgressSource, consuming events buffered since
// Subscribe. It closes the subscription on return.
func (s *Subscription) Track(ctx context.Context, files []model.UploadedFile, emit func(Event)) error {
	defer s.Close()

	pending := make(map[string]model.UploadedFile)
	for _, f := range unsettled(files) {
		pending[f.ID] = f
	}
	if len(pending) == 0 {
		return nil
	}

	var timeout <-chan time.Time
	if s.hub.Timeout > 0 {
		t := time.NewTimer(s.hub.Timeout)
		defer t.Stop()
		timeout = t.C
	}

	for len(pending) > 0 {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev := <-s.ch:
			f, ok := match(pending, ev)
			if !ok {
				continue
			}
			ev.FileID = f.ID
			emit(ev)
			if ev.Status.IsTerminal() {
				delete(pending, f.ID)
			}
		case <-timeout:
			s.Close()
			return s.fallback(ctx, pending, emit)
		}
	}
	return nil
}

func (s *Subscription) fallback(ctx context.Context, pending map[string]model.UploadedFile, emit func(Event)) error {
	rest := make([]model.UploadedFile, 0, len(pending))
	for _, f := range pending {
		rest = append(rest, f)
	}
	sort.Slice(rest, func(i, j int) bool {
		if !rest[i].CreatedAt.Equal(rest[j].CreatedAt) {
			return rest[i].CreatedAt.Before(rest[j].CreatedAt)
		}
		return rest[i].ID < rest[j].ID
	})

	log := s.hub.Logger
	if log == nil {
		log = zap.L()
	}
	log.Info("ingest: no push confirmation, falling back",
		zap.String("component", "ingest"),
		zap.Int("files", len(rest)),
		zap.Duration("timeout", s.hub.Timeout),
		zap.Bool("fallback", s.hub.Fallback != nil),
	)

	src := s.hub.Fallback
	if src == nil {
		for _, f := range rest {
			emit(Event{FileID: f.ID, Status: model.FileError, Error: ErrPushTimeout.Error()})
		}
		return nil
	}
	if poll, ok := src.(PollSource); ok && poll.Since.IsZero() {
		poll.Since = s.since
		src = poll
	}
	return src.Track(ctx, rest, emit)
}

func match(pending map[string]model.UploadedFile, ev Event) (model.UploadedFile, bool) {
	if ev.FileID != "" {
		f, ok := pending[ev.FileID]
		return f, ok
	}
	if ev.RemoteID != "" {
		for _, f := range pending {
			if f.RemoteID == ev.RemoteID {
				return f, true
			}
		}
		return model.UploadedFile{}, false
	}
	// Names are ambiguous for duplicate uploads; the oldest pending file
	// with that name wins.
	var best model.UploadedFile
	found := false
	for _, f := range pending {
		if f.Name == ev.Name && (!found || f.CreatedAt.Before(best.CreatedAt) || (f.CreatedAt.Equal(best.CreatedAt) && f.ID < best.ID)) {
			best, found = f, true
		}
	}
	return best, found
}

func unsettled(files []model.UploadedFile) []model.UploadedFile {
	out := make([]model.UploadedFile, 0, len(files))
	for _, f := range files {
		if !f.Status.IsTerminal() {
			out = append(out, f)
		}
	}
	return out
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
