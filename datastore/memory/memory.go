// Package memory implements the keyvalue.Store interface in process memory.
package memory

import (
	"context"
	"errors"
	"slices"
	"sync"
	"time"

	"peerlink/datamodel/keyvalue"

	"github.com/benbjohnson/clock"

	log "github.com/sirupsen/logrus"
)

var ErrClosed = errors.New("memory: store is closed")

var _ keyvalue.Store = (*Memory)(nil)

// Memory keeps pairs in insertion order. Overwriting a key keeps its original position.
type Memory struct {
	mu       sync.Mutex
	clock    clock.Clock
	order    []string
	values   map[string][]byte
	deadline time.Time // Zero when no retention was requested
	closed   bool
}

func New(clk clock.Clock) *Memory {
	if clk == nil {
		clk = clock.New()
	}
	return &Memory{
		clock:  clk,
		values: make(map[string][]byte),
	}
}

// expire drops everything once the retention deadline passed. Lock is assumed to be held.
func (m *Memory) expire() {
	if m.deadline.IsZero() || m.clock.Now().Before(m.deadline) {
		return
	}
	log.Debugf("memory.Memory: retention expired, dropping %d keys", len(m.values))
	m.order = nil
	m.values = make(map[string][]byte)
	m.deadline = time.Time{}
}

func (m *Memory) check() error {
	if m.closed {
		return ErrClosed
	}
	m.expire()
	return nil
}

func (m *Memory) Put(_ context.Context, key keyvalue.Key, value []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.check(); err != nil {
		return err
	}

	k := string(key)
	if _, ok := m.values[k]; !ok {
		m.order = append(m.order, k)
	}
	m.values[k] = slices.Clone(value)
	return nil
}

func (m *Memory) Get(_ context.Context, key keyvalue.Key) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.check(); err != nil {
		return nil, err
	}

	v, ok := m.values[string(key)]
	if !ok {
		return nil, keyvalue.ErrNotFound
	}
	return slices.Clone(v), nil
}

func (m *Memory) Delete(_ context.Context, key keyvalue.Key) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.check(); err != nil {
		return false, err
	}

	k := string(key)
	if _, ok := m.values[k]; !ok {
		return false, nil
	}
	delete(m.values, k)
	m.order = slices.DeleteFunc(m.order, func(s string) bool { return s == k })
	return true, nil
}

func (m *Memory) Enumerate(_ context.Context) ([]keyvalue.Pair, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.check(); err != nil {
		return nil, err
	}

	pairs := make([]keyvalue.Pair, 0, len(m.order))
	for _, k := range m.order {
		pairs = append(pairs, keyvalue.Pair{Key: keyvalue.Key(k), Value: slices.Clone(m.values[k])})
	}
	return pairs, nil
}

func (m *Memory) Retain(_ context.Context, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.check(); err != nil {
		return err
	}

	m.deadline = m.clock.Now().Add(ttl)
	return nil
}

func (m *Memory) Ping(_ context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	return nil
}

func (m *Memory) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}
