package queue

import (
	"context"
	"errors"
	"strconv"
	"sync"
	"time"
)

var ErrClosed = errors.New("queue: closed")

type memEntry struct {
	id         string
	payload    []byte
	deliveries int
	visibleAt  time.Time
	leaseUntil time.Time
}

// Memory is an in-process queue with visibility leases, for single-process
// runs and tests. Unacked deliveries reappear once their lease lapses.
type Memory struct {
	mu       sync.Mutex
	ready    []*memEntry
	inflight map[string]*memEntry
	seq      int64
	closed   bool
	signal   chan struct{}

	lease time.Duration
	poll  time.Duration
	now   func() time.Time
}

type MemoryOption func(*Memory)

func WithMemoryClock(now func() time.Time) MemoryOption {
	return func(m *Memory) { m.now = now }
}

// WithPollInterval bounds how long Receive waits before returning empty.
func WithPollInterval(d time.Duration) MemoryOption {
	return func(m *Memory) { m.poll = d }
}

func NewMemory(lease time.Duration, opts ...MemoryOption) *Memory {
	if lease <= 0 {
		lease = 2 * time.Minute
	}
	m := &Memory{
		inflight: map[string]*memEntry{},
		signal:   make(chan struct{}, 1),
		lease:    lease,
		poll:     time.Second,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

func (m *Memory) Publish(ctx context.Context, msg Message) error {
	raw, err := Encode(msg)
	if err != nil {
		return err
	}
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return ErrClosed
	}
	m.seq++
	m.ready = append(m.ready, &memEntry{
		id:        strconv.FormatInt(m.seq, 10),
		payload:   raw,
		visibleAt: m.now(),
	})
	m.mu.Unlock()
	m.wake()
	return nil
}

func (m *Memory) wake() {
	select {
	case m.signal <- struct{}{}:
	default:
	}
}

func (m *Memory) Receive(ctx context.Context) (*Delivery, error) {
	deadline := time.NewTimer(m.poll)
	defer deadline.Stop()
	for {
		if d, err := m.take(); d != nil || err != nil {
			return d, err
		}
		// Re-check often enough to notice lapsed leases and delays.
		tick := time.NewTimer(minDuration(m.poll, 25*time.Millisecond))
		select {
		case <-ctx.Done():
			tick.Stop()
			return nil, ctx.Err()
		case <-deadline.C:
			tick.Stop()
			return nil, nil
		case <-m.signal:
		case <-tick.C:
		}
		tick.Stop()
	}
}

func (m *Memory) take() (*Delivery, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, ErrClosed
	}
	now := m.now()
	for id, e := range m.inflight {
		if !now.Before(e.leaseUntil) {
			delete(m.inflight, id)
			e.visibleAt = now
			m.ready = append(m.ready, e)
		}
	}
	for i, e := range m.ready {
		if now.Before(e.visibleAt) {
			continue
		}
		m.ready = append(m.ready[:i], m.ready[i+1:]...)
		e.deliveries++
		e.leaseUntil = now.Add(m.lease)
		m.inflight[e.id] = e
		return &Delivery{ID: e.id, Payload: e.payload, Attempt: e.deliveries}, nil
	}
	return nil, nil
}

// current returns the in-flight entry only if d is its latest delivery; a
// stale receipt from a lapsed lease must not ack someone else's delivery.
func (m *Memory) current(d *Delivery) *memEntry {
	if d == nil {
		return nil
	}
	e, ok := m.inflight[d.ID]
	if !ok || e.deliveries != d.Attempt {
		return nil
	}
	return e
}

func (m *Memory) Ack(ctx context.Context, d *Delivery) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if e := m.current(d); e != nil {
		delete(m.inflight, e.id)
	}
	return nil
}

func (m *Memory) Nack(ctx context.Context, d *Delivery, delay time.Duration) error {
	m.mu.Lock()
	e := m.current(d)
	if e != nil {
		delete(m.inflight, e.id)
		e.visibleAt = m.now().Add(delay)
		m.ready = append(m.ready, e)
	}
	m.mu.Unlock()
	if e != nil {
		m.wake()
	}
	return nil
}

func (m *Memory) Extend(ctx context.Context, d *Delivery) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	e := m.current(d)
	if e == nil {
		return errors.New("queue: delivery no longer leased")
	}
	e.leaseUntil = m.now().Add(m.lease)
	return nil
}

// Depth reports ready and in-flight message counts.
func (m *Memory) Depth() (ready, inflight int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.ready), len(m.inflight)
}

func (m *Memory) Close() error {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()
	return nil
}

func minDuration(a, b time.Duration) time.Duration {
	if a < b {
		return a
	}
	return b
}
