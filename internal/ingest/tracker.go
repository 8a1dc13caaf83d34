// Package ingest tracks the ingestion state of uploaded files and drives
// them to a terminal state from a progress source.
package ingest

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"

	"github.com/sells-group/govchat/internal/model"
)

var (
	// ErrUnknownFile is returned for ids that are not tracked, including
	// files that were removed.
	ErrUnknownFile = eris.New("ingest: unknown file")
	// ErrTerminal is returned when a file in indexed or error is asked to
	// change state.
	ErrTerminal = eris.New("ingest: file is in a terminal state")
	// ErrInvalidTransition is returned for moves the state machine forbids.
	ErrInvalidTransition = eris.New("ingest: invalid transition")
)

// transitions lists the allowed moves out of each non-terminal state.
var transitions = map[model.FileStatus][]model.FileStatus{
	model.FileUploading:  {model.FileProcessing, model.FileIndexed, model.FileError},
	model.FileProcessing: {model.FileIndexed, model.FileError},
}

// CanTransition reports whether from may move to to.
func CanTransition(from, to model.FileStatus) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Change is delivered to observers after every mutation.
type Change struct {
	File    model.UploadedFile
	Added   bool
	Removed bool
}

// Counts summarizes tracked files by state.
type Counts struct {
	Total      int `json:"total"`
	Uploading  int `json:"uploading"`
	Processing int `json:"processing"`
	Indexed    int `json:"indexed"`
	Failed     int `json:"failed"`
}

// InProgress is the number of files not yet in a terminal state.
func (c Counts) InProgress() int {
	return c.Uploading + c.Processing
}

// ByStatus returns the counts keyed by status name.
func (c Counts) ByStatus() map[string]int {
	return map[string]int{
		string(model.FileUploading):  c.Uploading,
		string(model.FileProcessing): c.Processing,
		string(model.FileIndexed):    c.Indexed,
		string(model.FileError):      c.Failed,
	}
}

// Tracker holds one record per uploaded file. Files are identified by a
// tracker-assigned id, never by name, so duplicate uploads stay distinct.
type Tracker struct {
	mu        sync.RWMutex
	files     map[string]*model.UploadedFile
	order     []string
	observers []func(Change)
	now       func() time.Time
}

// NewTracker creates an empty tracker.
func NewTracker() *Tracker {
	return &Tracker{
		files: make(map[string]*model.UploadedFile),
		now:   time.Now,
	}
}

// OnChange registers an observer. Observers run synchronously with the
// tracker locked, in mutation order, and must not call back into the
// tracker.
func (t *Tracker) OnChange(fn func(Change)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.observers = append(t.observers, fn)
}

// Add creates one uploading record per blob.
func (t *Tracker) Add(blobs []model.FileBlob) []model.UploadedFile {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := t.now()
	out := make([]model.UploadedFile, 0, len(blobs))
	for _, b := range blobs {
		f := &model.UploadedFile{
			ID:        uuid.NewString(),
			Name:      b.Name,
			Size:      max(b.Size, 0),
			Type:      b.Type,
			Status:    model.FileUploading,
			CreatedAt: now,
			UpdatedAt: now,
		}
		t.files[f.ID] = f
		t.order = append(t.order, f.ID)
		out = append(out, *f)
		t.notify(Change{File: *f, Added: true})
	}
	return out
}

// Advance moves a file to status. Moving to the current status is a no-op.
func (t *Tracker) Advance(id string, status model.FileStatus) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.advance(id, status, "")
}

// Fail moves a non-terminal file to error with a reason.
func (t *Tracker) Fail(id, reason string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.advance(id, model.FileError, reason)
}

// SetRemoteID records the backend's id for a file.
func (t *Tracker) SetRemoteID(id, remoteID string) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	f, ok := t.files[id]
	if !ok {
		return eris.Wrapf(ErrUnknownFile, "id %s", id)
	}
	if f.RemoteID == remoteID {
		return nil
	}
	f.RemoteID = remoteID
	f.UpdatedAt = t.now()
	t.notify(Change{File: *f})
	return nil
}

func (t *Tracker) advance(id string, status model.FileStatus, reason string) error {
	f, ok := t.files[id]
	if !ok {
		return eris.Wrapf(ErrUnknownFile, "id %s", id)
	}
	if f.Status == status {
		return nil
	}
	if f.Status.IsTerminal() {
		return eris.Wrapf(ErrTerminal, "%s is %s", id, f.Status)
	}
	if !CanTransition(f.Status, status) {
		return eris.Wrapf(ErrInvalidTransition, "%s: %s to %s", id, f.Status, status)
	}

	f.Status = status
	f.Error = reason
	f.UpdatedAt = t.now()
	t.notify(Change{File: *f})
	return nil
}

// Remove drops a file in any state. It reports whether the file existed.
func (t *Tracker) Remove(id string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	f, ok := t.files[id]
	if !ok {
		return false
	}
	delete(t.files, id)
	for i, oid := range t.order {
		if oid == id {
			t.order = append(t.order[:i], t.order[i+1:]...)
			break
		}
	}
	t.notify(Change{File: *f, Removed: true})
	return true
}

// Get returns a copy of a tracked file.
func (t *Tracker) Get(id string) (model.UploadedFile, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	f, ok := t.files[id]
	if !ok {
		return model.UploadedFile{}, false
	}
	return *f, true
}

// List returns copies of all tracked files in insertion order.
func (t *Tracker) List() []model.UploadedFile {
	t.mu.RLock()
	defer t.mu.RUnlock()

	out := make([]model.UploadedFile, 0, len(t.order))
	for _, id := range t.order {
		out = append(out, *t.files[id])
	}
	return out
}

// Counts summarizes tracked files by state.
func (t *Tracker) Counts() Counts {
	t.mu.RLock()
	defer t.mu.RUnlock()

	var c Counts
	for _, f := range t.files {
		c.Total++
		switch f.Status {
		case model.FileUploading:
			c.Uploading++
		case model.FileProcessing:
			c.Processing++
		case model.FileIndexed:
			c.Indexed++
		case model.FileError:
			c.Failed++
		}
	}
	return c
}

func (t *Tracker) notify(c Change) {
	for _, fn := range t.observers {
		fn(c)
	}
}
