package job

import (
	"errors"
	"fmt"
	"math"
	"sync"
	"sync/atomic"
	"time"

	qerrors "github.com/bardlex/qminer/pkg/errors"
)

var (
	// ErrStale is returned when a caller asks for work on a superseded version.
	ErrStale = qerrors.New(qerrors.ErrorTypeStale, "next_range", "job version superseded")
	// ErrExhausted is returned once every nonce of the current job is allocated.
	ErrExhausted = errors.New("job: nonce space exhausted")
	// ErrNoJob is returned before the first publish.
	ErrNoJob = errors.New("job: no job published")
)

// allocator hands out consecutive nonce ranges for one job version.
type allocator struct {
	cursor atomic.Uint64
	limit  uint64
}

// next reserves up to size nonces. The cursor is advanced with a CAS loop
// that saturates at limit, so it never wraps past the end of the space.
func (a *allocator) next(size uint64) (start, end uint64, ok bool) {
	for {
		cur := a.cursor.Load()
		if cur >= a.limit {
			return 0, 0, false
		}
		end := cur + size
		if end > a.limit || end < cur {
			end = a.limit
		}
		if a.cursor.CompareAndSwap(cur, end) {
			return cur, end, true
		}
	}
}

type snapshot struct {
	job     *Job
	alloc   *allocator
	updated chan struct{} // closed when this snapshot is replaced
}

// Manager publishes jobs and serves nonce ranges. Readers never lock;
// publishers are serialized by a mutex that readers never take.
type Manager struct {
	mu      sync.Mutex
	version uint64
	current atomic.Pointer[snapshot]
	idle    chan struct{}
	onFirst sync.Once
}

// NewManager returns a Manager with no job.
func NewManager() *Manager {
	return &Manager{idle: make(chan struct{})}
}

// Publish validates t, stamps it with the next version and makes it current.
// Every range handed out for older versions is invalid from this point on.
func (m *Manager) Publish(t Template) (*Job, error) {
	if len(t.Header) == 0 {
		return nil, qerrors.New(qerrors.ErrorTypeConfig, "publish", "job header is empty")
	}
	if t.Rounds == 0 {
		return nil, qerrors.New(qerrors.ErrorTypeConfig, "publish", "job rounds must be at least 1")
	}
	if t.Target.IsZero() {
		return nil, qerrors.New(qerrors.ErrorTypeConfig, "publish", "job target is zero")
	}

	limit := t.NonceLimit
	if limit == 0 {
		limit = math.MaxUint64
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	m.version++
	id := t.ID
	if id == "" {
		id = fmt.Sprintf("job_%d", m.version)
	}

	j := &Job{
		ID:         id,
		Header:     append([]byte(nil), t.Header...),
		Target:     t.Target,
		Rounds:     t.Rounds,
		Version:    m.version,
		NonceLimit: limit,
		Height:     t.Height,
		Key:        t.Key,
		CreatedAt:  time.Now(),
	}

	next := &snapshot{
		job:     j,
		alloc:   &allocator{limit: limit},
		updated: make(chan struct{}),
	}
	prev := m.current.Swap(next)
	if prev != nil {
		close(prev.updated)
	} else {
		m.onFirst.Do(func() { close(m.idle) })
	}
	return j, nil
}

// Current returns the current job and its version, or nil and 0 before the
// first publish.
func (m *Manager) Current() (*Job, uint64) {
	s := m.current.Load()
	if s == nil {
		return nil, 0
	}
	return s.job, s.job.Version
}

// Version returns the current version, 0 before the first publish.
func (m *Manager) Version() uint64 {
	_, v := m.Current()
	return v
}

// Updated returns a channel that is closed the next time a job is published.
func (m *Manager) Updated() <-chan struct{} {
	s := m.current.Load()
	if s == nil {
		return m.idle
	}
	return s.updated
}

// Watch returns the current job together with the channel that closes when
// it is replaced, read from a single snapshot.
func (m *Manager) Watch() (*Job, uint64, <-chan struct{}) {
	s := m.current.Load()
	if s == nil {
		return nil, 0, m.idle
	}
	return s.job, s.job.Version, s.updated
}

// NextRange reserves up to size nonces of the job identified by version.
// It fails with ErrStale if version is no longer current and with
// ErrExhausted once the nonce space is used up.
func (m *Manager) NextRange(version, size uint64) (NonceRange, error) {
	if size == 0 {
		size = 1
	}
	s := m.current.Load()
	if s == nil {
		return NonceRange{}, ErrNoJob
	}
	if s.job.Version != version {
		return NonceRange{}, ErrStale
	}
	start, end, ok := s.alloc.next(size)
	if !ok {
		return NonceRange{}, ErrExhausted
	}
	return NonceRange{Start: start, End: end, JobVersion: version}, nil
}

// Allocated returns how many nonces of the current job have been handed out.
func (m *Manager) Allocated() uint64 {
	s := m.current.Load()
	if s == nil {
		return 0
	}
	return s.alloc.cursor.Load()
}
