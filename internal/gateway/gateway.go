// Package gateway terminates client WebSockets: authentication,
// channel subscriptions, fan-out from the fabric, chat, presence,
// heartbeats, rate limits and backpressure. Gateways hold no game
// state; every mutation is forwarded over RPC.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/charmbracelet/log"
	"github.com/coder/quartz"
	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"github.com/railbird-gg/cardroom/internal/auth"
	"github.com/railbird-gg/cardroom/internal/fabric"
	"github.com/railbird-gg/cardroom/internal/handevent"
	"github.com/railbird-gg/cardroom/internal/ident"
	"github.com/railbird-gg/cardroom/internal/metrics"
	"github.com/railbird-gg/cardroom/internal/protocol"
	"github.com/railbird-gg/cardroom/internal/rpc"
	"github.com/railbird-gg/cardroom/poker"
)

const (
	rpcTimeout     = 5 * time.Second
	subscribeRate  = rate.Limit(5)
	subscribeBurst = 10
)

// Config tunes one gateway instance.
type Config struct {
	PingInterval   time.Duration
	AwayAfter      time.Duration
	SendQueue      int
	SendQueueBytes int
	ChatRate       rate.Limit
	ChatBurst      int
	ActionRate     rate.Limit
	ActionBurst    int
}

func (c *Config) applyDefaults() {
	if c.PingInterval == 0 {
		c.PingInterval = 15 * time.Second
	}
	if c.AwayAfter == 0 {
		c.AwayAfter = 2 * time.Minute
	}
	if c.SendQueue == 0 {
		c.SendQueue = 256
	}
	if c.SendQueueBytes == 0 {
		c.SendQueueBytes = 1 << 20
	}
	if c.ChatRate == 0 {
		c.ChatRate = 1
	}
	if c.ChatBurst == 0 {
		c.ChatBurst = 5
	}
	if c.ActionRate == 0 {
		c.ActionRate = 4
	}
	if c.ActionBurst == 0 {
		c.ActionBurst = 8
	}
}

// Gateway is one realtime instance. Instances coordinate only through
// the fabric and the backend services.
type Gateway struct {
	id       string
	cfg      Config
	verifier auth.Verifier
	game     rpc.GameService
	events   rpc.EventService
	players  rpc.PlayerService
	fab      fabric.Fabric
	metrics  *metrics.Metrics
	clock    quartz.Clock
	logger   *log.Logger

	upgrader websocket.Upgrader
	limits   *limiterSet

	mu       sync.RWMutex
	sessions map[string]*session
	byKey    map[string]map[*session]bool // local fan-out mirror
}

// New builds a gateway instance.
func New(cfg Config, verifier auth.Verifier, game rpc.GameService, events rpc.EventService, players rpc.PlayerService, fab fabric.Fabric, m *metrics.Metrics, clock quartz.Clock, logger *log.Logger) *Gateway {
	cfg.applyDefaults()
	id := ident.New("gw")
	return &Gateway{
		id:       id,
		cfg:      cfg,
		verifier: verifier,
		game:     game,
		events:   events,
		players:  players,
		fab:      fab,
		metrics:  m,
		clock:    clock,
		logger:   logger.WithPrefix("gateway").With("instance", id),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		limits:   newLimiterSet(),
		sessions: make(map[string]*session),
		byKey:    make(map[string]map[*session]bool),
	}
}

// Handler returns the HTTP surface: the WebSocket endpoint plus
// metrics and health.
func (g *Gateway) Handler() http.Handler {
	r := mux.NewRouter()
	r.HandleFunc("/ws", g.serveWS)
	r.Handle("/metrics", g.metrics.Handler()).Methods(http.MethodGet)
	r.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	}).Methods(http.MethodGet)
	return r
}

// Run consumes the fabric bus and drives the heartbeat/presence sweep
// until ctx is done.
func (g *Gateway) Run(ctx context.Context) error {
	sub, err := g.fab.Subscribe(ctx)
	if err != nil {
		return err
	}
	defer sub.Close()

	ticker := g.clock.NewTicker(g.cfg.PingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case env, ok := <-sub.C:
			if !ok {
				return fabric.ErrClosed
			}
			g.fanout(env)
		case <-sub.Resync:
			g.reconcile(ctx)
		case <-ticker.C:
			g.sweep(g.clock.Now())
		}
	}
}

func (g *Gateway) serveWS(w http.ResponseWriter, r *http.Request) {
	conn, err := g.upgrader.Upgrade(w, r, nil)
	if err != nil {
		g.logger.Warn("Upgrade failed", "remote", r.RemoteAddr, "error", err)
		return
	}

	claims, err := g.authenticate(r)
	if err != nil {
		code := protocol.ErrCodeAuthDenied
		if errors.Is(err, auth.ErrUnavailable) {
			code = protocol.ErrCodeServiceUnavailable
		}
		frame, _ := protocol.Encode(&protocol.Error{Type: protocol.TypeError, Code: code, Message: "authentication failed"})
		_ = conn.WriteMessage(websocket.TextMessage, frame)
		msg := websocket.FormatCloseMessage(websocket.ClosePolicyViolation, code)
		_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
		_ = conn.Close()
		return
	}

	s := g.newSession(claims.UserID, claims.Name, conn)
	g.register(s)

	// Profile creation is best effort; the player service owns it.
	ctx, cancel := context.WithTimeout(r.Context(), rpcTimeout)
	if _, err := g.players.EnsurePlayer(ctx, claims.UserID, claims.Name); err != nil {
		g.logger.Warn("Failed to ensure player", "userId", claims.UserID, "error", err)
	}
	cancel()

	s.sendFrame(protocol.TypeWelcome, &protocol.Welcome{
		Type:       protocol.TypeWelcome,
		SessionID:  s.id,
		ServerTime: g.clock.Now().UTC(),
	})

	go s.writePump()
	s.readPump(r.Context())
}

func (g *Gateway) authenticate(r *http.Request) (*auth.Claims, error) {
	token := r.URL.Query().Get("token")
	if token == "" {
		token = strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
	}
	ctx, cancel := context.WithTimeout(r.Context(), rpcTimeout)
	defer cancel()
	return g.verifier.Verify(ctx, token)
}

func (g *Gateway) newSession(userID, name string, conn *websocket.Conn) *session {
	now := g.clock.Now()
	return &session{
		g:          g,
		id:         uuid.NewString(),
		userID:     userID,
		name:       name,
		conn:       conn,
		send:       make(chan []byte, g.cfg.SendQueue),
		done:       make(chan struct{}),
		lastSeen:   now,
		lastActive: now,
		presence:   fabric.PresenceOnline,
		subs:       make(map[string]bool),
		lastSeq:    make(map[string]uint64),
		muted:      make(map[string]bool),
	}
}

func (g *Gateway) register(s *session) {
	g.mu.Lock()
	g.sessions[s.id] = s
	g.mu.Unlock()

	g.metrics.Connections.Inc()
	ctx, cancel := context.WithTimeout(context.Background(), rpcTimeout)
	defer cancel()
	if err := g.fab.RegisterConn(ctx, fabric.ConnEntry{
		ConnID:     s.id,
		UserID:     s.userID,
		InstanceID: g.id,
		OpenedAt:   g.clock.Now().UTC(),
	}); err != nil {
		g.logger.Warn("Failed to register connection", "connId", s.id, "error", err)
	}
	if err := g.fab.SetPresence(ctx, s.userID, fabric.PresenceOnline); err != nil {
		g.logger.Warn("Failed to set presence", "userId", s.userID, "error", err)
	}
	g.publishPresence(s.userID, fabric.PresenceOnline, nil)
	g.logger.Info("Session opened", "connId", s.id, "userId", s.userID)
}

// drop removes every trace of a session. It runs once, from close.
func (g *Gateway) drop(s *session, reason string) {
	keys := s.subKeys()

	g.mu.Lock()
	delete(g.sessions, s.id)
	for _, key := range keys {
		if set := g.byKey[key]; set != nil {
			delete(set, s)
			if len(set) == 0 {
				delete(g.byKey, key)
			}
		}
	}
	lastOfUser := true
	for _, other := range g.sessions {
		if other.userID == s.userID {
			lastOfUser = false
			break
		}
	}
	g.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), rpcTimeout)
	defer cancel()
	for _, key := range keys {
		if err := g.fab.RemoveSubscription(ctx, key, s.id); err != nil {
			g.logger.Warn("Failed to remove subscription", "key", key, "connId", s.id, "error", err)
		}
	}
	if err := g.fab.DeregisterConn(ctx, s.id); err != nil {
		g.logger.Warn("Failed to deregister connection", "connId", s.id, "error", err)
	}
	if lastOfUser {
		if err := g.fab.SetPresence(ctx, s.userID, fabric.PresenceOffline); err != nil {
			g.logger.Warn("Failed to set presence", "userId", s.userID, "error", err)
		}
		g.limits.forget(s.userID)
		g.publishPresence(s.userID, fabric.PresenceOffline, tableScopes(keys))
	}
	g.metrics.Connections.Dec()
	g.logger.Info("Session closed", "connId", s.id, "userId", s.userID, "reason", reason)
}

func (g *Gateway) setPresence(s *session, status string) {
	s.mu.Lock()
	s.presence = status
	s.mu.Unlock()
	ctx, cancel := context.WithTimeout(context.Background(), rpcTimeout)
	defer cancel()
	if err := g.fab.SetPresence(ctx, s.userID, status); err != nil {
		g.logger.Warn("Failed to set presence", "userId", s.userID, "error", err)
	}
	s.sendFrame(protocol.TypePresence, &protocol.Presence{
		Type:   protocol.TypePresence,
		UserID: s.userID,
		Status: status,
	})
	g.publishPresence(s.userID, status, tableScopes(s.subKeys()))
}

// tableScopes filters a set of channel keys down to table scope ids.
func tableScopes(keys []string) []string {
	var scopes []string
	for _, key := range keys {
		if kind, scope := fabric.SplitKey(key); kind == fabric.KindTable {
			scopes = append(scopes, scope)
		}
	}
	return scopes
}

// publishPresence broadcasts a presence transition to lobby watchers
// and the user's tables, here and on every other instance. Fan-out
// skips our own bus copy, so local delivery happens at publish time.
func (g *Gateway) publishPresence(userID, status string, tables []string) {
	payload, err := json.Marshal(fabric.PresenceNotice{UserID: userID, Status: status, Tables: tables})
	if err != nil {
		return
	}
	env := fabric.Envelope{
		Channel:  fabric.KindPresence,
		Scope:    userID,
		Payload:  payload,
		SourceID: g.id,
	}
	ctx, cancel := context.WithTimeout(context.Background(), rpcTimeout)
	defer cancel()
	if seq, err := g.fab.NextSeq(ctx, env.Key()); err == nil {
		env.Seq = seq
	}
	if err := g.fab.Publish(ctx, env); err != nil {
		g.logger.Warn("Failed to publish presence", "userId", userID, "error", err)
	}
	g.deliverPresence(env)
}

// sweep reaps dead connections and idles active ones into away.
func (g *Gateway) sweep(now time.Time) {
	g.mu.RLock()
	sessions := make([]*session, 0, len(g.sessions))
	for _, s := range g.sessions {
		sessions = append(sessions, s)
	}
	g.mu.RUnlock()

	reapAfter := 2 * g.cfg.PingInterval
	for _, s := range sessions {
		switch {
		case now.Sub(s.lastSeenAt()) > reapAfter:
			s.close("heartbeat_timeout")
		case now.Sub(s.lastActiveAt()) > g.cfg.AwayAfter:
			s.mu.Lock()
			away := s.presence == fabric.PresenceOnline
			s.mu.Unlock()
			if away {
				g.setPresence(s, fabric.PresenceAway)
			}
		}
	}
}

// reconcile re-registers every local subscription in the shared index
// after the fabric transport recovered.
func (g *Gateway) reconcile(ctx context.Context) {
	g.mu.RLock()
	sessions := make([]*session, 0, len(g.sessions))
	for _, s := range g.sessions {
		sessions = append(sessions, s)
	}
	g.mu.RUnlock()

	for _, s := range sessions {
		for _, key := range s.subKeys() {
			g.addSubscription(ctx, key, s.id)
		}
	}
	g.logger.Info("Reconciled subscription index", "sessions", len(sessions))
}

func (g *Gateway) addSubscription(ctx context.Context, key, connID string) {
	policy := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), 3), ctx)
	err := backoff.Retry(func() error {
		return g.fab.AddSubscription(ctx, key, connID)
	}, policy)
	if err != nil {
		g.logger.Warn("Failed to index subscription", "key", key, "connId", connID, "error", err)
	}
}

// handleFrame dispatches one decoded client frame.
func (g *Gateway) handleFrame(ctx context.Context, s *session, frame any) {
	switch f := frame.(type) {
	case *protocol.Ping:
		g.metrics.FramesIn.WithLabelValues(string(protocol.TypePing)).Inc()
		s.sendFrame(protocol.TypePong, &protocol.Pong{Type: protocol.TypePong})
	case *protocol.Subscribe:
		g.metrics.FramesIn.WithLabelValues(string(protocol.TypeSubscribe)).Inc()
		g.handleSubscribe(ctx, s, f)
	case *protocol.Unsubscribe:
		g.metrics.FramesIn.WithLabelValues(string(protocol.TypeUnsubscribe)).Inc()
		g.handleUnsubscribe(ctx, s, f)
	case *protocol.ChatSend:
		g.metrics.FramesIn.WithLabelValues(string(protocol.TypeChatSend)).Inc()
		g.handleChat(ctx, s, f)
	case *protocol.Action:
		g.metrics.FramesIn.WithLabelValues(string(protocol.TypeAction)).Inc()
		g.handleAction(ctx, s, f)
	case *protocol.Resume:
		g.metrics.FramesIn.WithLabelValues(string(protocol.TypeResume)).Inc()
		g.handleResume(ctx, s, f)
	case *protocol.Ack:
		g.metrics.FramesIn.WithLabelValues(string(protocol.TypeAck)).Inc()
		g.handleAck(ctx, s, f)
	default:
		s.sendError(protocol.ErrCodeBadFrame, "unexpected frame", 0)
	}
}

func (g *Gateway) handleSubscribe(ctx context.Context, s *session, f *protocol.Subscribe) {
	if ok, wait := g.limits.take(limiterKey{s.userID, f.Channel, "subscribe"}, subscribeRate, subscribeBurst); !ok {
		g.metrics.RateLimited.WithLabelValues("subscribe").Inc()
		s.sendError(protocol.ErrCodeRateLimited, "too many subscribes", wait)
		return
	}
	key, err := g.subscribe(ctx, s, f.Channel, f.ScopeID)
	if err != nil {
		g.sendMappedError(s, err)
		return
	}
	g.sendInitialState(ctx, s, key, 0)
}

// subscribe authorizes and registers one channel membership. A user
// subscribing to a table they are not seated at becomes a spectator.
func (g *Gateway) subscribe(ctx context.Context, s *session, channel, scope string) (string, error) {
	switch channel {
	case fabric.KindLobby:
		scope = ""
	case fabric.KindTable, fabric.KindChat:
		if scope == "" {
			return "", rpc.Errorf(rpc.CodeInvalidArgument, "missing scope id")
		}
		rctx, cancel := context.WithTimeout(ctx, rpcTimeout)
		defer cancel()
		snap, err := g.game.GetTableSnapshot(rctx, scope, s.userID)
		if err != nil {
			return "", err
		}
		if !seatedIn(snap, s.userID) {
			if err := g.game.Spectate(rctx, scope, s.userID); err != nil {
				return "", err
			}
		}
	default:
		return "", rpc.Errorf(rpc.CodeInvalidArgument, "unknown channel %q", channel)
	}

	key := fabric.Key(channel, scope)
	g.mu.Lock()
	if g.byKey[key] == nil {
		g.byKey[key] = make(map[*session]bool)
	}
	g.byKey[key][s] = true
	g.mu.Unlock()
	s.mu.Lock()
	s.subs[key] = true
	s.mu.Unlock()

	g.addSubscription(ctx, key, s.id)
	return key, nil
}

// sendInitialState delivers the join-time state for a channel: a
// redacted table snapshot, chat history past fromSeq, or the lobby
// index.
func (g *Gateway) sendInitialState(ctx context.Context, s *session, key string, fromSeq uint64) {
	kind, scope := fabric.SplitKey(key)
	rctx, cancel := context.WithTimeout(ctx, rpcTimeout)
	defer cancel()

	switch kind {
	case fabric.KindTable:
		snap, err := g.game.GetTableSnapshot(rctx, scope, s.userID)
		if err != nil {
			g.sendMappedError(s, err)
			return
		}
		state, err := json.Marshal(snap)
		if err != nil {
			g.logger.Error("Failed to marshal table snapshot", "tableId", scope, "error", err)
			return
		}
		s.sendFrame(protocol.TypeSnapshot, &protocol.Snapshot{
			Type:    protocol.TypeSnapshot,
			TableID: scope,
			Version: snap.Version,
			State:   state,
		})
	case fabric.KindChat:
		history, err := g.fab.ChatHistory(rctx, scope)
		if err != nil {
			g.sendMappedError(s, err)
			return
		}
		for _, entry := range history {
			if entry.Seq <= fromSeq || s.isMuted(entry.UserID) {
				continue
			}
			s.track(key, entry.Seq)
			s.sendFrame(protocol.TypeChatMessage, chatFrame(scope, entry))
		}
	case fabric.KindLobby:
		tables, err := g.game.ListTables(rctx)
		if err != nil {
			g.sendMappedError(s, err)
			return
		}
		payload, err := json.Marshal(tables)
		if err != nil {
			g.logger.Error("Failed to marshal lobby index", "error", err)
			return
		}
		s.sendFrame(protocol.TypeLobbyUpdate, &protocol.LobbyUpdate{
			Type:   protocol.TypeLobbyUpdate,
			Seq:    s.trackedSeq(key),
			Tables: payload,
		})
	}
}

func (g *Gateway) handleUnsubscribe(ctx context.Context, s *session, f *protocol.Unsubscribe) {
	key := fabric.Key(f.Channel, f.ScopeID)
	s.mu.Lock()
	subscribed := s.subs[key]
	delete(s.subs, key)
	otherKind := s.subs[fabric.Key(otherTableKind(f.Channel), f.ScopeID)]
	s.mu.Unlock()
	if !subscribed {
		return
	}

	g.mu.Lock()
	if set := g.byKey[key]; set != nil {
		delete(set, s)
		if len(set) == 0 {
			delete(g.byKey, key)
		}
	}
	g.mu.Unlock()

	rctx, cancel := context.WithTimeout(ctx, rpcTimeout)
	defer cancel()
	if err := g.fab.RemoveSubscription(rctx, key, s.id); err != nil {
		g.logger.Warn("Failed to remove subscription", "key", key, "error", err)
	}

	// Leaving the last channel of a table ends an implicit spectate.
	if (f.Channel == fabric.KindTable || f.Channel == fabric.KindChat) && !otherKind {
		if snap, err := g.game.GetTableSnapshot(rctx, f.ScopeID, s.userID); err == nil && !seatedIn(snap, s.userID) {
			_ = g.game.Unspectate(rctx, f.ScopeID, s.userID)
		}
	}
}

func otherTableKind(kind string) string {
	if kind == fabric.KindTable {
		return fabric.KindChat
	}
	return fabric.KindTable
}

func (g *Gateway) handleChat(ctx context.Context, s *session, f *protocol.ChatSend) {
	if ok, wait := g.limits.take(limiterKey{s.userID, fabric.KindChat, "chat"}, g.cfg.ChatRate, g.cfg.ChatBurst); !ok {
		g.metrics.RateLimited.WithLabelValues("chat").Inc()
		s.sendError(protocol.ErrCodeRateLimited, "chat rate exceeded", wait)
		return
	}
	key := fabric.Key(fabric.KindChat, f.TableID)
	if !s.subscribed(key) {
		s.sendError(protocol.ErrCodeNotSubscribed, "subscribe to the table chat first", 0)
		return
	}
	text := strings.TrimSpace(f.Text)
	if text == "" || len(text) > 500 {
		s.sendError(protocol.ErrCodeBadFrame, "chat text must be 1..500 characters", 0)
		return
	}

	// Mute commands act locally and are never published.
	if target, ok := strings.CutPrefix(text, "/mute "); ok {
		s.setMuted(strings.TrimSpace(target), true)
		return
	}
	if target, ok := strings.CutPrefix(text, "/unmute "); ok {
		s.setMuted(strings.TrimSpace(target), false)
		return
	}

	rctx, cancel := context.WithTimeout(ctx, rpcTimeout)
	defer cancel()
	seq, err := g.fab.NextSeq(rctx, key)
	if err != nil {
		g.sendMappedError(s, err)
		return
	}
	entry := fabric.ChatEntry{
		Seq:    seq,
		UserID: s.userID,
		Name:   s.name,
		Text:   text,
		Ts:     g.clock.Now().UTC(),
	}
	if err := g.fab.AppendChat(rctx, f.TableID, entry); err != nil {
		g.sendMappedError(s, err)
		return
	}
	payload, err := json.Marshal(entry)
	if err != nil {
		g.logger.Error("Failed to marshal chat entry", "error", err)
		return
	}
	env := fabric.Envelope{
		Channel:  fabric.KindChat,
		Scope:    f.TableID,
		Payload:  payload,
		SourceID: g.id,
		Seq:      seq,
	}
	if err := g.fab.Publish(rctx, env); err != nil {
		g.logger.Warn("Failed to publish chat", "tableId", f.TableID, "error", err)
	}
	// Local subscribers get the message now; the bus echo is filtered
	// by sourceId.
	g.deliverChat(env)
}

func (g *Gateway) handleAction(ctx context.Context, s *session, f *protocol.Action) {
	if ok, wait := g.limits.take(limiterKey{s.userID, fabric.KindTable, "action"}, g.cfg.ActionRate, g.cfg.ActionBurst); !ok {
		g.metrics.RateLimited.WithLabelValues("action").Inc()
		s.sendError(protocol.ErrCodeRateLimited, "action rate exceeded", wait)
		return
	}

	rctx, cancel := context.WithTimeout(ctx, rpcTimeout)
	defer cancel()
	res, err := g.game.SubmitAction(rctx, rpc.SubmitActionRequest{
		TableID: f.TableID,
		HandID:  f.HandID,
		UserID:  s.userID,
		Action:  f.Action,
		Amount:  f.Amount,
	})
	if err != nil {
		g.sendMappedError(s, err)
		return
	}
	if !res.Accepted {
		s.sendError(protocol.ErrCodeEngineRejected, res.RejectReason, 0)
	}
}

func (g *Gateway) handleResume(ctx context.Context, s *session, f *protocol.Resume) {
	g.metrics.Resumes.Inc()
	for _, cursor := range f.Cursors {
		key, err := g.subscribe(ctx, s, cursor.Channel, cursor.ScopeID)
		if err != nil {
			g.sendMappedError(s, err)
			continue
		}
		// Chat replays from the cursor; table and lobby fall back to a
		// fresh snapshot since patches past the horizon are gone.
		g.sendInitialState(ctx, s, key, cursor.LastSeq)
	}
}

// handleAck resyncs a channel when the client reports a sequence gap.
func (g *Gateway) handleAck(ctx context.Context, s *session, f *protocol.Ack) {
	key := fabric.Key(f.Channel, f.ScopeID)
	if !s.subscribed(key) {
		return
	}
	if last := s.trackedSeq(key); f.Seq < last {
		g.logger.Info("Ack gap, resyncing channel", "connId", s.id, "key", key, "acked", f.Seq, "delivered", last)
		g.sendInitialState(ctx, s, key, f.Seq)
	}
}

// fanout delivers one bus envelope to the local subscribers of its
// channel. The gateway's own publications were already delivered at
// publish time.
func (g *Gateway) fanout(env fabric.Envelope) {
	if env.SourceID == g.id {
		return
	}
	start := g.clock.Now()
	switch env.Channel {
	case fabric.KindChat:
		g.deliverChat(env)
	case fabric.KindTable:
		g.deliverTable(env)
	case fabric.KindLobby:
		g.deliverLobby(env)
	case fabric.KindPresence:
		g.deliverPresence(env)
	default:
		return
	}
	g.metrics.FanoutLatency.Observe(g.clock.Since(start).Seconds())
}

func (g *Gateway) localSubscribers(key string) []*session {
	g.mu.RLock()
	defer g.mu.RUnlock()
	set := g.byKey[key]
	if len(set) == 0 {
		return nil
	}
	out := make([]*session, 0, len(set))
	for s := range set {
		out = append(out, s)
	}
	return out
}

func (g *Gateway) deliverChat(env fabric.Envelope) {
	targets := g.localSubscribers(env.Key())
	if len(targets) == 0 {
		return
	}
	var entry fabric.ChatEntry
	if err := json.Unmarshal(env.Payload, &entry); err != nil {
		g.logger.Warn("Undecodable chat envelope", "scope", env.Scope, "error", err)
		return
	}
	data, err := protocol.Encode(chatFrame(env.Scope, entry))
	if err != nil {
		return
	}
	for _, s := range targets {
		if s.isMuted(entry.UserID) {
			continue
		}
		s.track(env.Key(), env.Seq)
		s.enqueue(protocol.TypeChatMessage, data)
	}
}

func (g *Gateway) deliverLobby(env fabric.Envelope) {
	targets := g.localSubscribers(env.Key())
	if len(targets) == 0 {
		return
	}
	data, err := protocol.Encode(&protocol.LobbyUpdate{
		Type:   protocol.TypeLobbyUpdate,
		Seq:    env.Seq,
		Tables: env.Payload,
	})
	if err != nil {
		return
	}
	for _, s := range targets {
		// Lobby updates carry the whole index, so gaps need no replay.
		s.track(env.Key(), env.Seq)
		s.enqueue(protocol.TypeLobbyUpdate, data)
	}
}

// deliverPresence fans a presence transition out to lobby watchers and
// the watchers of the user's tables. The affected user's own sessions
// were told directly when the status changed.
func (g *Gateway) deliverPresence(env fabric.Envelope) {
	var notice fabric.PresenceNotice
	if err := json.Unmarshal(env.Payload, &notice); err != nil {
		g.logger.Warn("Undecodable presence envelope", "scope", env.Scope, "error", err)
		return
	}
	targets := g.localSubscribers(fabric.Key(fabric.KindLobby, ""))
	for _, scope := range notice.Tables {
		targets = append(targets, g.localSubscribers(fabric.Key(fabric.KindTable, scope))...)
	}
	if len(targets) == 0 {
		return
	}
	data, err := protocol.Encode(&protocol.Presence{
		Type:   protocol.TypePresence,
		UserID: notice.UserID,
		Status: notice.Status,
	})
	if err != nil {
		return
	}
	seen := make(map[*session]bool, len(targets))
	for _, s := range targets {
		if seen[s] || s.userID == notice.UserID {
			continue
		}
		seen[s] = true
		s.enqueue(protocol.TypePresence, data)
	}
}

// deliverTable fans a hand event out as a table patch. Hole cards in a
// HandStarted payload are stripped for everyone except the seat they
// belong to; the patch is serialized once per distinct view.
func (g *Gateway) deliverTable(env fabric.Envelope) {
	key := env.Key()
	targets := g.localSubscribers(key)
	if len(targets) == 0 {
		return
	}

	var ev handevent.Event
	if err := json.Unmarshal(env.Payload, &ev); err != nil {
		g.logger.Warn("Undecodable table envelope", "scope", env.Scope, "error", err)
		return
	}

	var (
		public []byte
		owners map[string]int
	)
	if started, ok := ev.Payload.(handevent.HandStarted); ok {
		owners = make(map[string]int, len(started.Seats))
		for _, seat := range started.Seats {
			owners[seat.UserID] = seat.Seat
		}
		stripped := started
		stripped.HoleCards = nil
		redacted := ev
		redacted.Payload = stripped
		public = encodePatch(env.Scope, env.Seq, redacted)
	} else {
		public = encodePatch(env.Scope, env.Seq, ev)
	}
	if public == nil {
		return
	}

	for _, s := range targets {
		if gap := s.track(key, env.Seq); gap {
			g.resyncTable(s, env.Scope)
		}
		data := public
		if seat, seated := owners[s.userID]; seated {
			if own := redactedStartedFor(env.Scope, env.Seq, ev, seat); own != nil {
				data = own
			}
		}
		s.enqueue(protocol.TypeTablePatch, data)
	}
}

// resyncTable pushes a fresh redacted snapshot after a delivery gap.
func (g *Gateway) resyncTable(s *session, tableID string) {
	ctx, cancel := context.WithTimeout(context.Background(), rpcTimeout)
	defer cancel()
	snap, err := g.game.GetTableSnapshot(ctx, tableID, s.userID)
	if err != nil {
		g.logger.Warn("Failed to resync table", "tableId", tableID, "connId", s.id, "error", err)
		return
	}
	state, err := json.Marshal(snap)
	if err != nil {
		return
	}
	s.sendFrame(protocol.TypeSnapshot, &protocol.Snapshot{
		Type:    protocol.TypeSnapshot,
		TableID: tableID,
		Version: snap.Version,
		State:   state,
	})
}

func encodePatch(tableID string, seq uint64, ev handevent.Event) []byte {
	patch, err := json.Marshal(ev)
	if err != nil {
		return nil
	}
	data, err := protocol.Encode(&protocol.TablePatch{
		Type:    protocol.TypeTablePatch,
		TableID: tableID,
		Seq:     seq,
		Patch:   patch,
	})
	if err != nil {
		return nil
	}
	return data
}

// redactedStartedFor keeps only the given seat's hole cards.
func redactedStartedFor(tableID string, seq uint64, ev handevent.Event, seat int) []byte {
	started, ok := ev.Payload.(handevent.HandStarted)
	if !ok {
		return nil
	}
	own := started
	if cards, dealt := started.HoleCards[seat]; dealt {
		own.HoleCards = map[int][]poker.Card{seat: cards}
	} else {
		own.HoleCards = nil
	}
	redacted := ev
	redacted.Payload = own
	return encodePatch(tableID, seq, redacted)
}

func chatFrame(tableID string, entry fabric.ChatEntry) *protocol.ChatMessage {
	return &protocol.ChatMessage{
		Type:    protocol.TypeChatMessage,
		TableID: tableID,
		Seq:     entry.Seq,
		From:    entry.UserID,
		Name:    entry.Name,
		Text:    entry.Text,
		Ts:      entry.Ts,
	}
}

func seatedIn(snap *rpc.TableSnapshot, userID string) bool {
	for _, seat := range snap.Seats {
		if seat.UserID == userID {
			return true
		}
	}
	return false
}

// sendMappedError surfaces a client-caused RPC failure and redacts
// everything else to service_unavailable.
func (g *Gateway) sendMappedError(s *session, err error) {
	switch rpc.CodeOf(err) {
	case rpc.CodeInvalidArgument:
		s.sendError(protocol.ErrCodeBadFrame, err.Error(), 0)
	case rpc.CodeNotFound, rpc.CodeAlreadyExists, rpc.CodePermissionDenied, rpc.CodeFailedPrecondition:
		s.sendError(protocol.ErrCodeForbidden, err.Error(), 0)
	case rpc.CodeResourceExhausted:
		s.sendError(protocol.ErrCodeRateLimited, err.Error(), 0)
	default:
		g.logger.Warn("Backend failure", "connId", s.id, "error", err)
		s.sendError(protocol.ErrCodeServiceUnavailable, "temporarily unavailable", 0)
	}
}
