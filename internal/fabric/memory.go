package fabric

import (
	"context"
	"sort"
	"sync"
	"time"
)

// Memory is an in-process Fabric. A single Memory instance shared by
// several gateway cores behaves like a redis deployment shared by
// several processes, which is exactly what single-process mode and the
// cross-instance tests need.
type Memory struct {
	mu        sync.RWMutex
	closed    bool
	seqs      map[string]uint64
	subs      map[string]map[string]bool // channel key -> conn ids
	conns     map[string]ConnEntry
	presence  map[string]string
	chat      map[string][]ChatEntry
	taps      map[int]chan Envelope
	nextTapID int

	chatRetention time.Duration
	chatLimit     int
}

// NewMemory creates an empty in-memory fabric.
func NewMemory() *Memory {
	return &Memory{
		seqs:          make(map[string]uint64),
		subs:          make(map[string]map[string]bool),
		conns:         make(map[string]ConnEntry),
		presence:      make(map[string]string),
		chat:          make(map[string][]ChatEntry),
		taps:          make(map[int]chan Envelope),
		chatRetention: 24 * time.Hour,
		chatLimit:     1000,
	}
}

func (m *Memory) Publish(ctx context.Context, env Envelope) error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return ErrClosed
	}
	for _, tap := range m.taps {
		select {
		case tap <- env:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

func (m *Memory) Subscribe(ctx context.Context) (*Subscription, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, ErrClosed
	}
	id := m.nextTapID
	m.nextTapID++
	tap := make(chan Envelope, 256)
	m.taps[id] = tap

	var once sync.Once
	return &Subscription{
		C:      tap,
		Resync: make(chan struct{}),
		close: func() {
			once.Do(func() {
				m.mu.Lock()
				delete(m.taps, id)
				m.mu.Unlock()
			})
		},
	}, nil
}

func (m *Memory) NextSeq(ctx context.Context, channelKey string) (uint64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return 0, ErrClosed
	}
	m.seqs[channelKey]++
	return m.seqs[channelKey], nil
}

func (m *Memory) AddSubscription(ctx context.Context, channelKey, connID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	set := m.subs[channelKey]
	if set == nil {
		set = make(map[string]bool)
		m.subs[channelKey] = set
	}
	set[connID] = true
	return nil
}

func (m *Memory) RemoveSubscription(ctx context.Context, channelKey, connID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	if set := m.subs[channelKey]; set != nil {
		delete(set, connID)
		if len(set) == 0 {
			delete(m.subs, channelKey)
		}
	}
	return nil
}

func (m *Memory) Subscribers(ctx context.Context, channelKey string) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return nil, ErrClosed
	}
	set := m.subs[channelKey]
	out := make([]string, 0, len(set))
	for id := range set {
		out = append(out, id)
	}
	sort.Strings(out)
	return out, nil
}

func (m *Memory) RegisterConn(ctx context.Context, entry ConnEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	m.conns[entry.ConnID] = entry
	return nil
}

func (m *Memory) DeregisterConn(ctx context.Context, connID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	delete(m.conns, connID)
	for key, set := range m.subs {
		delete(set, connID)
		if len(set) == 0 {
			delete(m.subs, key)
		}
	}
	return nil
}

func (m *Memory) SetPresence(ctx context.Context, userID, status string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	if status == PresenceOffline {
		delete(m.presence, userID)
	} else {
		m.presence[userID] = status
	}
	return nil
}

func (m *Memory) AllPresence(ctx context.Context) (map[string]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return nil, ErrClosed
	}
	out := make(map[string]string, len(m.presence))
	for k, v := range m.presence {
		out[k] = v
	}
	return out, nil
}

func (m *Memory) AppendChat(ctx context.Context, tableID string, entry ChatEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	list := append(m.chat[tableID], entry)
	if len(list) > m.chatLimit {
		list = list[len(list)-m.chatLimit:]
	}
	m.chat[tableID] = list
	return nil
}

func (m *Memory) ChatHistory(ctx context.Context, tableID string) ([]ChatEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return nil, ErrClosed
	}
	cutoff := time.Now().Add(-m.chatRetention)
	var out []ChatEntry
	for _, entry := range m.chat[tableID] {
		if entry.Ts.After(cutoff) {
			out = append(out, entry)
		}
	}
	return out, nil
}

func (m *Memory) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	for id, tap := range m.taps {
		close(tap)
		delete(m.taps, id)
	}
	return nil
}
