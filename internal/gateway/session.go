package gateway

import (
	"context"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/railbird-gg/cardroom/internal/fabric"
	"github.com/railbird-gg/cardroom/internal/protocol"
)

const writeTimeout = 10 * time.Second

// session is one authenticated WebSocket connection. The read pump is
// the only reader, the write pump the only writer; everything else
// talks to the socket through the bounded send queue.
type session struct {
	g      *Gateway
	id     string
	userID string
	name   string
	conn   *websocket.Conn

	send chan []byte
	done chan struct{}

	closeOnce sync.Once

	mu          sync.Mutex
	queuedBytes int
	lastSeen    time.Time // any traffic, pongs included: liveness
	lastActive  time.Time // client frames only: presence
	presence    string
	reason      string
	subs        map[string]bool   // channel keys
	lastSeq     map[string]uint64 // last delivered seq per channel key
	muted       map[string]bool   // user ids muted by this session
}

func (s *session) touch(now time.Time) (wasAway bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastSeen = now
	s.lastActive = now
	if s.presence == fabric.PresenceAway {
		s.presence = fabric.PresenceOnline
		return true
	}
	return false
}

// touchLiveness refreshes the heartbeat deadline without counting as
// user activity, so an idle-but-connected client still goes away.
func (s *session) touchLiveness(now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastSeen = now
}

func (s *session) lastSeenAt() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastSeen
}

func (s *session) lastActiveAt() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastActive
}

func (s *session) closeReason() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.reason
}

func (s *session) subscribed(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.subs[key]
}

func (s *session) subKeys() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	keys := make([]string, 0, len(s.subs))
	for key := range s.subs {
		keys = append(keys, key)
	}
	return keys
}

func (s *session) isMuted(userID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.muted[userID]
}

func (s *session) setMuted(userID string, muted bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if muted {
		s.muted[userID] = true
	} else {
		delete(s.muted, userID)
	}
}

// track records a delivered sequence and reports whether it left a gap
// behind the previous delivery on that channel. The high-water mark
// only moves forward; a stale redelivery is not a gap.
func (s *session) track(key string, seq uint64) (gap bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	last := s.lastSeq[key]
	if seq <= last {
		return false
	}
	s.lastSeq[key] = seq
	return last != 0 && seq > last+1
}

func (s *session) trackedSeq(key string) uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastSeq[key]
}

// enqueue appends an encoded frame to the send queue. Overflowing
// either the depth or byte bound closes the session with backpressure;
// a slow client never blocks fan-out.
func (s *session) enqueue(typ protocol.FrameType, data []byte) bool {
	s.mu.Lock()
	if s.queuedBytes+len(data) > s.g.cfg.SendQueueBytes {
		s.mu.Unlock()
		s.g.metrics.Backpressured.Inc()
		s.close(protocol.ErrCodeBackpressure)
		return false
	}
	select {
	case s.send <- data:
		s.queuedBytes += len(data)
		s.mu.Unlock()
		s.g.metrics.FramesOut.WithLabelValues(string(typ)).Inc()
		return true
	default:
		s.mu.Unlock()
		s.g.metrics.Backpressured.Inc()
		s.close(protocol.ErrCodeBackpressure)
		return false
	}
}

func (s *session) sendFrame(typ protocol.FrameType, frame any) bool {
	data, err := protocol.Encode(frame)
	if err != nil {
		s.g.logger.Error("Failed to encode frame", "type", typ, "error", err)
		return false
	}
	return s.enqueue(typ, data)
}

func (s *session) sendError(code, message string, retryAfter time.Duration) {
	s.sendFrame(protocol.TypeError, &protocol.Error{
		Type:         protocol.TypeError,
		Code:         code,
		Message:      message,
		RetryAfterMs: int(retryAfter.Milliseconds()),
	})
}

// close tears the session down exactly once: stop the pumps, close the
// socket, drop local and shared registrations.
func (s *session) close(reason string) {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.reason = reason
		s.mu.Unlock()
		close(s.done)
		if s.conn != nil {
			deadline := time.Now().Add(time.Second)
			msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, reason)
			_ = s.conn.WriteControl(websocket.CloseMessage, msg, deadline)
			_ = s.conn.Close()
		}
		s.g.drop(s, reason)
	})
}

func (s *session) readPump(ctx context.Context) {
	defer s.close("connection_closed")
	idle := 2 * s.g.cfg.PingInterval
	s.conn.SetReadLimit(protocol.MaxFrameSize)
	_ = s.conn.SetReadDeadline(time.Now().Add(idle))
	s.conn.SetPongHandler(func(string) error {
		s.touchLiveness(s.g.clock.Now())
		return s.conn.SetReadDeadline(time.Now().Add(idle))
	})

	for {
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			return
		}
		_ = s.conn.SetReadDeadline(time.Now().Add(idle))
		if s.touch(s.g.clock.Now()) {
			s.g.setPresence(s, fabric.PresenceOnline)
		}

		frame, err := protocol.DecodeClient(data)
		if err != nil {
			s.sendError(protocol.ErrCodeBadFrame, "unreadable frame", 0)
			continue
		}
		s.g.handleFrame(ctx, s, frame)
	}
}

func (s *session) writePump() {
	ticker := s.g.clock.NewTicker(s.g.cfg.PingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-s.done:
			return
		case data := <-s.send:
			s.mu.Lock()
			s.queuedBytes -= len(data)
			s.mu.Unlock()
			_ = s.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := s.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				s.close("write_error")
				return
			}
		case <-ticker.C:
			_ = s.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := s.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				s.close("write_error")
				return
			}
		}
	}
}
