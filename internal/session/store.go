// Package session holds the authoritative in-memory state of one chat
// session and the orchestrator that drives it from the transport and the
// ingestion tracker.
package session

import (
	"sync"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/govchat/internal/model"
)

var (
	// ErrRoundTripInFlight is returned when a question is submitted while
	// another one is still in flight.
	ErrRoundTripInFlight = eris.New("session: a question is already in flight")
	// ErrIndexingInFlight is returned when a rebuild is requested while one
	// is already running.
	ErrIndexingInFlight = eris.New("session: an index rebuild is already running")
)

// State is a settled view of the store. Snapshots never share memory with
// the store.
type State struct {
	Messages          []model.Message      `json:"messages"`
	IsLoading         bool                 `json:"isLoading"`
	Settings          model.ChatSettings   `json:"settings"`
	Draft             model.ChatSettings   `json:"draft"`
	HasUnsavedChanges bool                 `json:"hasUnsavedChanges"`
	Files             []model.UploadedFile `json:"files"`
	IsIndexing        bool                 `json:"isIndexing"`
	BackendHealthy    *bool                `json:"backendHealthy"`
	HealthCheckedAt   time.Time            `json:"healthCheckedAt,omitzero"`
}

// RoundTrip identifies one in-flight question. Only the holder of the
// current token can settle it.
type RoundTrip struct {
	id         uint64
	generation uint64
}

// Store is the single writer for session state. Every exported method is
// one atomic action; readers only ever see settled state.
type Store struct {
	mu sync.RWMutex

	messages []model.Message
	// generation advances on ClearMessages so late answers to a cleared
	// conversation are dropped.
	generation uint64
	loading    bool
	active     uint64
	seq        uint64

	committed model.ChatSettings
	draft     model.ChatSettings
	unsaved   bool

	files    []model.UploadedFile
	indexing bool

	healthy   *bool
	checkedAt time.Time
}

// NewStore creates a store with committed settings s.
func NewStore(s model.ChatSettings) *Store {
	return &Store{committed: s, draft: s}
}

// AppendMessage appends msg to the conversation.
func (st *Store) AppendMessage(msg model.Message) {
	st.mu.Lock()
	defer st.mu.Unlock()
	st.messages = append(st.messages, msg.Clone())
}

// BeginRoundTrip marks a question in flight. It fails without changing
// anything when one already is.
func (st *Store) BeginRoundTrip() (RoundTrip, error) {
	st.mu.Lock()
	defer st.mu.Unlock()

	if st.loading {
		return RoundTrip{}, ErrRoundTripInFlight
	}
	st.seq++
	st.active = st.seq
	st.loading = true
	return RoundTrip{id: st.seq, generation: st.generation}, nil
}

// EndRoundTrip clears loading if rt is still the active round-trip. It is
// safe to call more than once.
func (st *Store) EndRoundTrip(rt RoundTrip) bool {
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.end(rt)
}

// CompleteRoundTrip appends msg and clears loading in one step. The message
// is dropped when rt is stale or the conversation was cleared after rt
// began; the return value reports whether it was appended.
func (st *Store) CompleteRoundTrip(rt RoundTrip, msg model.Message) bool {
	st.mu.Lock()
	defer st.mu.Unlock()

	if !st.end(rt) {
		return false
	}
	if rt.generation != st.generation {
		return false
	}
	st.messages = append(st.messages, msg.Clone())
	return true
}

func (st *Store) end(rt RoundTrip) bool {
	if !st.loading || st.active != rt.id {
		return false
	}
	st.loading = false
	return true
}

// IsLoading reports whether a question is in flight.
func (st *Store) IsLoading() bool {
	st.mu.RLock()
	defer st.mu.RUnlock()
	return st.loading
}

// ClearMessages empties the conversation. An in-flight question stays in
// flight but its answer will not be appended.
func (st *Store) ClearMessages() {
	st.mu.Lock()
	defer st.mu.Unlock()
	st.messages = nil
	st.generation++
}

// Messages returns copies of all messages in insertion order.
func (st *Store) Messages() []model.Message {
	st.mu.RLock()
	defer st.mu.RUnlock()
	return cloneMessages(st.messages)
}

// SetDraft replaces the working draft.
func (st *Store) SetDraft(s model.ChatSettings) {
	st.mu.Lock()
	defer st.mu.Unlock()
	st.draft = s
	st.unsaved = st.draft != st.committed
}

// UpdateDraft edits the working draft in place.
func (st *Store) UpdateDraft(fn func(*model.ChatSettings)) {
	st.mu.Lock()
	defer st.mu.Unlock()
	fn(&st.draft)
	st.unsaved = st.draft != st.committed
}

// SaveSettings validates and commits the draft. An invalid draft is kept as
// is and nothing is committed.
func (st *Store) SaveSettings() error {
	st.mu.Lock()
	defer st.mu.Unlock()

	if err := st.draft.Validate(); err != nil {
		return err
	}
	st.committed = st.draft
	st.unsaved = false
	return nil
}

// ResetDraft discards draft edits.
func (st *Store) ResetDraft() {
	st.mu.Lock()
	defer st.mu.Unlock()
	st.draft = st.committed
	st.unsaved = false
}

// Settings returns the committed settings.
func (st *Store) Settings() model.ChatSettings {
	st.mu.RLock()
	defer st.mu.RUnlock()
	return st.committed
}

// Draft returns the working draft and whether it differs from the committed
// settings.
func (st *Store) Draft() (model.ChatSettings, bool) {
	st.mu.RLock()
	defer st.mu.RUnlock()
	return st.draft, st.unsaved
}

// AddFile adds a file to the projection. A file with the same id is left
// untouched.
func (st *Store) AddFile(f model.UploadedFile) bool {
	st.mu.Lock()
	defer st.mu.Unlock()

	if st.fileIndex(f.ID) >= 0 {
		return false
	}
	st.files = append(st.files, f)
	return true
}

// UpdateFile replaces a file in the projection. Removed files are never
// brought back.
func (st *Store) UpdateFile(f model.UploadedFile) bool {
	st.mu.Lock()
	defer st.mu.Unlock()

	i := st.fileIndex(f.ID)
	if i < 0 {
		return false
	}
	st.files[i] = f
	return true
}

// RemoveFile drops a file from the projection.
func (st *Store) RemoveFile(id string) bool {
	st.mu.Lock()
	defer st.mu.Unlock()

	i := st.fileIndex(id)
	if i < 0 {
		return false
	}
	st.files = append(st.files[:i], st.files[i+1:]...)
	return true
}

func (st *Store) fileIndex(id string) int {
	for i, f := range st.files {
		if f.ID == id {
			return i
		}
	}
	return -1
}

// Files returns the file projection in upload order.
func (st *Store) Files() []model.UploadedFile {
	st.mu.RLock()
	defer st.mu.RUnlock()
	return append([]model.UploadedFile(nil), st.files...)
}

// FileCounts counts projected files by status.
func (st *Store) FileCounts() map[string]int {
	st.mu.RLock()
	defer st.mu.RUnlock()

	out := map[string]int{
		string(model.FileUploading):  0,
		string(model.FileProcessing): 0,
		string(model.FileIndexed):    0,
		string(model.FileError):      0,
	}
	for _, f := range st.files {
		out[string(f.Status)]++
	}
	return out
}

// SetIndexing sets the rebuild flag unconditionally.
func (st *Store) SetIndexing(on bool) {
	st.mu.Lock()
	defer st.mu.Unlock()
	st.indexing = on
}

// BeginIndexing sets the rebuild flag, failing if it is already set.
func (st *Store) BeginIndexing() error {
	st.mu.Lock()
	defer st.mu.Unlock()

	if st.indexing {
		return ErrIndexingInFlight
	}
	st.indexing = true
	return nil
}

// EndIndexing clears the rebuild flag.
func (st *Store) EndIndexing() {
	st.SetIndexing(false)
}

// SetBackendHealth records the outcome of a health check.
func (st *Store) SetBackendHealth(ok bool, at time.Time) {
	st.mu.Lock()
	defer st.mu.Unlock()
	st.healthy = &ok
	st.checkedAt = at
}

// Snapshot returns a deep copy of the whole state.
func (st *Store) Snapshot() State {
	st.mu.RLock()
	defer st.mu.RUnlock()

	s := State{
		Messages:          cloneMessages(st.messages),
		IsLoading:         st.loading,
		Settings:          st.committed,
		Draft:             st.draft,
		HasUnsavedChanges: st.unsaved,
		Files:             append([]model.UploadedFile{}, st.files...),
		IsIndexing:        st.indexing,
		HealthCheckedAt:   st.checkedAt,
	}
	if st.healthy != nil {
		v := *st.healthy
		s.BackendHealthy = &v
	}
	return s
}

func cloneMessages(in []model.Message) []model.Message {
	out := make([]model.Message, len(in))
	for i, m := range in {
		out[i] = m.Clone()
	}
	return out
}
