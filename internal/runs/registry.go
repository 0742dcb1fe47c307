package runs

import (
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

type Status string

const (
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// Return codes recorded for runs the worker itself did not end.
const (
	ReturnCodeTimedOut    = 124
	ReturnCodeStartFailed = 127
	ReturnCodeCanceled    = 137
)

var (
	ErrNotFound        = errors.New("run not found")
	ErrAlreadyFinished = errors.New("run already finished")
)

// Metadata is fixed when the run is created.
type Metadata struct {
	// MaskedIdentity must already be masked; the registry never sees the
	// raw address.
	MaskedIdentity   string
	EmailLimit       int
	CredentialSource string
	RequestedBy      string
}

// Run is a point-in-time snapshot.
type Run struct {
	ID               string     `json:"id"`
	EmailAddress     string     `json:"email_address"`
	Status           Status     `json:"status"`
	StartedAt        time.Time  `json:"started_at"`
	EndedAt          *time.Time `json:"ended_at"`
	ReturnCode       *int       `json:"return_code"`
	LogLines         int        `json:"log_lines"`
	EmailLimit       int        `json:"email_limit"`
	CredentialSource string     `json:"credential_source,omitempty"`
	RequestedBy      string     `json:"requested_by,omitempty"`
}

type LogPage struct {
	Start  int      `json:"start"`
	Next   int      `json:"next"`
	Status Status   `json:"status"`
	Lines  []string `json:"lines"`
}

type terminal struct {
	status     Status
	endedAt    time.Time
	returnCode int
}

type entry struct {
	id        string
	meta      Metadata
	startedAt time.Time
	sink      *LogSink
	term      atomic.Pointer[terminal]
}

func (e *entry) snapshot() Run {
	run := Run{
		ID:               e.id,
		EmailAddress:     e.meta.MaskedIdentity,
		Status:           StatusRunning,
		StartedAt:        e.startedAt,
		EmailLimit:       e.meta.EmailLimit,
		CredentialSource: e.meta.CredentialSource,
		RequestedBy:      e.meta.RequestedBy,
	}
	if t := e.term.Load(); t != nil {
		endedAt := t.endedAt
		code := t.returnCode
		run.Status = t.status
		run.EndedAt = &endedAt
		run.ReturnCode = &code
	}
	run.LogLines = e.sink.Len()
	return run
}

// Registry is the in-memory catalog of runs. It is safe for concurrent use.
type Registry struct {
	mu      sync.RWMutex
	order   []string
	entries map[string]*entry

	now func() time.Time
}

func NewRegistry() *Registry {
	return &Registry{
		entries: make(map[string]*entry),
		now:     func() time.Time { return time.Now().UTC() },
	}
}

func (r *Registry) Create(meta Metadata) (string, error) {
	id := uuid.NewString()
	e := &entry{
		id:        id,
		meta:      meta,
		startedAt: r.now(),
		sink:      NewLogSink(),
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.entries[id]; exists {
		return "", fmt.Errorf("duplicate run id %s", id)
	}
	r.entries[id] = e
	r.order = append(r.order, id)
	return id, nil
}

func (r *Registry) lookup(id string) (*entry, error) {
	r.mu.RLock()
	e, ok := r.entries[strings.TrimSpace(id)]
	r.mu.RUnlock()
	if !ok {
		return nil, ErrNotFound
	}
	return e, nil
}

func (r *Registry) Get(id string) (Run, error) {
	e, err := r.lookup(id)
	if err != nil {
		return Run{}, err
	}
	return e.snapshot(), nil
}

// List returns snapshots in creation order.
func (r *Registry) List() []Run {
	r.mu.RLock()
	entries := make([]*entry, 0, len(r.order))
	for _, id := range r.order {
		entries = append(entries, r.entries[id])
	}
	r.mu.RUnlock()

	out := make([]Run, 0, len(entries))
	for _, e := range entries {
		out = append(out, e.snapshot())
	}
	return out
}

func (r *Registry) Sink(id string) (*LogSink, error) {
	e, err := r.lookup(id)
	if err != nil {
		return nil, err
	}
	return e.sink, nil
}

// Finalize moves a running run to completed (code 0) or failed (any other
// code). Only the first call wins; later calls report false and change
// nothing.
func (r *Registry) Finalize(id string, returnCode int) (bool, error) {
	e, err := r.lookup(id)
	if err != nil {
		return false, err
	}
	status := StatusFailed
	if returnCode == 0 {
		status = StatusCompleted
	}
	t := &terminal{status: status, endedAt: r.now(), returnCode: returnCode}
	return e.term.CompareAndSwap(nil, t), nil
}

// ReadLogs returns the lines from offset from. Status is sampled before the
// lines are copied, so a terminal status guarantees the page holds every
// line the run produced.
func (r *Registry) ReadLogs(id string, from int) (LogPage, error) {
	e, err := r.lookup(id)
	if err != nil {
		return LogPage{}, err
	}
	status := StatusRunning
	if t := e.term.Load(); t != nil {
		status = t.status
	}
	if from < 0 {
		from = 0
	}
	lines, next := e.sink.Read(from)
	return LogPage{Start: from, Next: next, Status: status, Lines: lines}, nil
}

// Prune drops finished runs that ended before cutoff and returns how many
// were removed. Running runs are never pruned.
func (r *Registry) Prune(cutoff time.Time) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	kept := r.order[:0]
	removed := 0
	for _, id := range r.order {
		e := r.entries[id]
		if t := e.term.Load(); t != nil && t.endedAt.Before(cutoff) {
			delete(r.entries, id)
			removed++
			continue
		}
		kept = append(kept, id)
	}
	clear(r.order[len(kept):])
	r.order = kept
	return removed
}
