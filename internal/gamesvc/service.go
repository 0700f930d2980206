// Package gamesvc is the game service: tables, seats and hand driving.
// Each table is an actor; every mutation runs through a keyed executor
// so a table and its current hand are touched by one task at a time.
package gamesvc

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"github.com/coder/quartz"

	"github.com/railbird-gg/cardroom/internal/engine"
	"github.com/railbird-gg/cardroom/internal/fabric"
	"github.com/railbird-gg/cardroom/internal/handevent"
	"github.com/railbird-gg/cardroom/internal/ident"
	"github.com/railbird-gg/cardroom/internal/keyed"
	"github.com/railbird-gg/cardroom/internal/rpc"
)

const forwardTimeout = 5 * time.Second

// Config tunes the service.
type Config struct {
	// TickInterval drives turn-timer checks.
	TickInterval time.Duration
	// IdleWindow is how long an empty table survives.
	IdleWindow time.Duration
	// SitOutWindow is how long a seat may sit out before it is
	// vacated and its stack credited back.
	SitOutWindow time.Duration
}

// Service implements rpc.GameService.
type Service struct {
	cfg     Config
	events  rpc.EventService
	players rpc.PlayerService
	fab     fabric.Fabric
	exec    *keyed.Executor
	clock   quartz.Clock
	logger  *log.Logger

	mu     sync.RWMutex
	tables map[string]*table

	lobbyMu sync.Mutex
	lobby   map[string]rpc.TableInfo
}

var _ rpc.GameService = (*Service)(nil)

// New builds the game service.
func New(cfg Config, events rpc.EventService, players rpc.PlayerService, fab fabric.Fabric, clock quartz.Clock, logger *log.Logger) *Service {
	if cfg.TickInterval == 0 {
		cfg.TickInterval = 250 * time.Millisecond
	}
	if cfg.IdleWindow == 0 {
		cfg.IdleWindow = 10 * time.Minute
	}
	if cfg.SitOutWindow == 0 {
		cfg.SitOutWindow = 10 * time.Minute
	}
	return &Service{
		cfg:     cfg,
		events:  events,
		players: players,
		fab:     fab,
		exec:    keyed.New(),
		clock:   clock,
		logger:  logger.WithPrefix("gamesvc"),
		tables:  make(map[string]*table),
		lobby:   make(map[string]rpc.TableInfo),
	}
}

// Run drives turn timers and idle-table destruction until ctx is done.
func (s *Service) Run(ctx context.Context) error {
	defer s.exec.Close()
	ticker := s.clock.NewTicker(s.cfg.TickInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			s.tickAll(ctx)
		}
	}
}

func (s *Service) tickAll(ctx context.Context) {
	s.mu.RLock()
	ids := make([]string, 0, len(s.tables))
	for id := range s.tables {
		ids = append(ids, id)
	}
	s.mu.RUnlock()

	now := s.clock.Now()
	for _, id := range ids {
		id := id
		_ = s.run(ctx, id, func(t *table) error {
			s.tickTable(t, now)
			return nil
		})
	}
}

func (s *Service) tickTable(t *table, now time.Time) {
	if t.handActive() {
		if events := t.hand.Tick(now); len(events) > 0 {
			t.touch(now)
			s.forward(events)
			for _, ev := range events {
				if timeout, ok := ev.Payload.(handevent.TurnTimeout); ok {
					s.sitOutSeat(t, timeout.Seat, now)
				}
			}
			s.afterHandEvents(t, now)
		}
		return
	}
	if t.hand != nil && t.hand.Quarantined() != nil {
		s.logger.Error("Hand quarantined, abandoning", "tableId", t.id, "handId", t.hand.ID(), "error", t.hand.Quarantined())
		t.hand = nil
		t.handSeats = nil
		t.touch(now)
	}
	s.evictExpired(t, now)
	if t.seatedCount() == 0 && len(t.spectators) == 0 && now.Sub(t.lastActive) > s.cfg.IdleWindow {
		s.destroyTable(t.id)
		return
	}
	s.maybeStartHand(t, now)
}

// sitOutSeat marks a seat as sitting out after its turn timer fired.
// The seat comes back with SitIn or is evicted after the window.
func (s *Service) sitOutSeat(t *table, seatID int, now time.Time) {
	if seatID < 0 || seatID >= len(t.seats) || t.seats[seatID].userID == "" {
		return
	}
	if t.seats[seatID].status == statusSittingOut {
		return
	}
	t.seats[seatID].status = statusSittingOut
	t.seats[seatID].sitOutSince = now
	s.logger.Info("Seat sitting out after timeout", "tableId", t.id, "seat", seatID, "userId", t.seats[seatID].userID)
	s.updateLobby(t.info())
}

// evictExpired vacates seats that have been sitting out past the
// window, crediting the stack back like a voluntary leave.
func (s *Service) evictExpired(t *table, now time.Time) {
	changed := false
	for i := range t.seats {
		st := t.seats[i]
		if st.userID == "" || st.status != statusSittingOut || t.inCurrentHand(i) {
			continue
		}
		if now.Sub(st.sitOutSince) <= s.cfg.SitOutWindow {
			continue
		}
		if st.stack > 0 {
			ctx, cancel := context.WithTimeout(context.Background(), forwardTimeout)
			_, err := s.players.Credit(ctx, st.userID, st.stack)
			cancel()
			if err != nil {
				// Seat stays put; the next tick retries the credit.
				s.logger.Error("Failed to credit evicted seat", "tableId", t.id, "userId", st.userID, "error", err)
				continue
			}
		}
		s.logger.Info("Evicted sitting-out seat", "tableId", t.id, "seat", i, "userId", st.userID)
		t.seats[i] = seat{}
		changed = true
	}
	if changed {
		t.touch(now)
		s.updateLobby(t.info())
	}
}

func (s *Service) destroyTable(tableID string) {
	s.mu.Lock()
	delete(s.tables, tableID)
	s.mu.Unlock()

	s.lobbyMu.Lock()
	delete(s.lobby, tableID)
	s.lobbyMu.Unlock()

	s.logger.Info("Destroyed idle table", "tableId", tableID)
	s.publishLobby()
}

// run executes fn for a table inside its serial queue and waits for
// the result.
func (s *Service) run(ctx context.Context, tableID string, fn func(*table) error) error {
	s.mu.RLock()
	t, ok := s.tables[tableID]
	s.mu.RUnlock()
	if !ok {
		return rpc.Errorf(rpc.CodeNotFound, "table %s not found", tableID)
	}

	done := make(chan error, 1)
	task := func() {
		// The caller may have given up while we sat in the queue; a
		// failure it already saw must not apply later.
		if err := ctx.Err(); err != nil {
			done <- rpc.Errorf(rpc.CodeDeadlineExceeded, "table %s: %v", tableID, err)
			return
		}
		done <- fn(t)
	}
	if err := s.exec.Submit(tableID, task); err != nil {
		return rpc.Errorf(rpc.CodeUnavailable, "table queue: %v", err)
	}
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return rpc.Errorf(rpc.CodeDeadlineExceeded, "table %s: %v", tableID, ctx.Err())
	}
}

// CreateTable creates a table owned by the caller.
func (s *Service) CreateTable(ctx context.Context, req rpc.CreateTableRequest) (rpc.TableInfo, error) {
	if req.UserID == "" {
		return rpc.TableInfo{}, rpc.Errorf(rpc.CodeInvalidArgument, "missing user id")
	}
	if req.SmallBlind <= 0 || req.BigBlind <= req.SmallBlind {
		return rpc.TableInfo{}, rpc.Errorf(rpc.CodeInvalidArgument, "invalid blinds %d/%d", req.SmallBlind, req.BigBlind)
	}
	if req.MaxPlayers < 2 || req.MaxPlayers > 10 {
		return rpc.TableInfo{}, rpc.Errorf(rpc.CodeInvalidArgument, "max players must be 2..10, got %d", req.MaxPlayers)
	}
	if req.Ante < 0 {
		return rpc.TableInfo{}, rpc.Errorf(rpc.CodeInvalidArgument, "negative ante")
	}
	name := req.Name
	if name == "" {
		name = "Table"
	}
	timer := time.Duration(req.TimerSeconds) * time.Second
	if timer == 0 {
		timer = 30 * time.Second
	}

	t := &table{
		id:            ident.New("tbl"),
		ownerID:       req.UserID,
		name:          name,
		smallBlind:    req.SmallBlind,
		bigBlind:      req.BigBlind,
		ante:          req.Ante,
		maxPlayers:    req.MaxPlayers,
		startingStack: req.StartingStack,
		turnTimer:     timer,
		seats:         make([]seat, req.MaxPlayers),
		spectators:    make(map[string]bool),
		button:        req.MaxPlayers - 1, // first hand lands on seat 0
		lastActive:    s.clock.Now(),
	}

	s.mu.Lock()
	s.tables[t.id] = t
	s.mu.Unlock()

	info := t.info()
	s.updateLobby(info)
	s.logger.Info("Created table", "tableId", t.id, "name", name, "owner", req.UserID)
	return info, nil
}

// ListTables returns the lobby index.
func (s *Service) ListTables(_ context.Context) ([]rpc.TableInfo, error) {
	return s.lobbyIndex(), nil
}

// GetTableSnapshot renders a table for one user. Hole cards are only
// present for the requesting user's own seat.
func (s *Service) GetTableSnapshot(ctx context.Context, tableID, forUserID string) (*rpc.TableSnapshot, error) {
	var snap *rpc.TableSnapshot
	err := s.run(ctx, tableID, func(t *table) error {
		snap = t.snapshotFor(forUserID)
		return nil
	})
	return snap, err
}

// JoinTable seats a user, reserving the buy-in from their bankroll.
func (s *Service) JoinTable(ctx context.Context, tableID, userID string, buyIn int) (int, error) {
	if userID == "" {
		return 0, rpc.Errorf(rpc.CodeInvalidArgument, "missing user id")
	}
	assigned := -1
	err := s.run(ctx, tableID, func(t *table) error {
		if t.seatOf(userID) >= 0 {
			return rpc.Errorf(rpc.CodeAlreadyExists, "user %s already seated", userID)
		}
		seatID := t.vacantSeat()
		if seatID < 0 {
			return rpc.Errorf(rpc.CodeFailedPrecondition, "table %s is full", tableID)
		}
		if buyIn == 0 && t.startingStack > 0 {
			buyIn = t.startingStack
		}
		if buyIn < t.bigBlind {
			return rpc.Errorf(rpc.CodeInvalidArgument, "buy-in %d below big blind %d", buyIn, t.bigBlind)
		}
		if _, err := s.players.Reserve(ctx, userID, buyIn); err != nil {
			return err
		}
		t.seats[seatID] = seat{userID: userID, stack: buyIn, status: statusActive}
		delete(t.spectators, userID)
		now := s.clock.Now()
		t.touch(now)
		assigned = seatID
		s.maybeStartHand(t, now)
		s.updateLobby(t.info())
		return nil
	})
	return assigned, err
}

// LeaveTable vacates a user's seat and credits the remaining stack
// back to their bankroll. Leaving mid-hand is not allowed; sit out
// first and the seat folds on its timer.
func (s *Service) LeaveTable(ctx context.Context, tableID, userID string) error {
	return s.run(ctx, tableID, func(t *table) error {
		seatID := t.seatOf(userID)
		if seatID < 0 {
			return rpc.Errorf(rpc.CodeNotFound, "user %s not seated", userID)
		}
		if t.inCurrentHand(seatID) {
			return rpc.Errorf(rpc.CodeFailedPrecondition, "cannot leave during a hand")
		}
		stack := t.seats[seatID].stack
		if stack > 0 {
			if _, err := s.players.Credit(ctx, userID, stack); err != nil {
				return err
			}
		}
		t.seats[seatID] = seat{}
		t.touch(s.clock.Now())
		s.updateLobby(t.info())
		return nil
	})
}

// Spectate registers a watcher.
func (s *Service) Spectate(ctx context.Context, tableID, userID string) error {
	return s.run(ctx, tableID, func(t *table) error {
		if t.seatOf(userID) >= 0 {
			return rpc.Errorf(rpc.CodeFailedPrecondition, "user %s is seated", userID)
		}
		t.spectators[userID] = true
		t.touch(s.clock.Now())
		s.updateLobby(t.info())
		return nil
	})
}

// Unspectate removes a watcher.
func (s *Service) Unspectate(ctx context.Context, tableID, userID string) error {
	return s.run(ctx, tableID, func(t *table) error {
		delete(t.spectators, userID)
		t.touch(s.clock.Now())
		s.updateLobby(t.info())
		return nil
	})
}

// SitOut marks a seat as sitting out from the next hand.
func (s *Service) SitOut(ctx context.Context, tableID, userID string) error {
	return s.setStatus(ctx, tableID, userID, statusSittingOut)
}

// SitIn returns a seat to play.
func (s *Service) SitIn(ctx context.Context, tableID, userID string) error {
	return s.setStatus(ctx, tableID, userID, statusActive)
}

func (s *Service) setStatus(ctx context.Context, tableID, userID string, status seatStatus) error {
	return s.run(ctx, tableID, func(t *table) error {
		seatID := t.seatOf(userID)
		if seatID < 0 {
			return rpc.Errorf(rpc.CodeNotFound, "user %s not seated", userID)
		}
		now := s.clock.Now()
		t.seats[seatID].status = status
		if status == statusSittingOut {
			t.seats[seatID].sitOutSince = now
		} else {
			t.seats[seatID].sitOutSince = time.Time{}
		}
		t.touch(now)
		if status == statusActive {
			s.maybeStartHand(t, now)
		}
		s.updateLobby(t.info())
		return nil
	})
}

// SubmitAction forwards a betting action to the table's current hand.
// Engine rejections come back as data, not errors.
func (s *Service) SubmitAction(ctx context.Context, req rpc.SubmitActionRequest) (rpc.SubmitActionResponse, error) {
	var res rpc.SubmitActionResponse
	err := s.run(ctx, req.TableID, func(t *table) error {
		if !t.handActive() {
			res = rpc.SubmitActionResponse{Accepted: false, RejectReason: string(engine.RejectHandComplete)}
			return nil
		}
		if req.HandID != "" && req.HandID != t.hand.ID() {
			return rpc.Errorf(rpc.CodeFailedPrecondition, "hand %s is not current", req.HandID)
		}
		// The user's seat is authoritative; a stale client-supplied seat
		// cannot act for someone else.
		seatID := t.seatOf(req.UserID)
		if seatID < 0 {
			return rpc.Errorf(rpc.CodePermissionDenied, "user %s is not seated", req.UserID)
		}

		now := s.clock.Now()
		events, rej := t.hand.Submit(seatID, req.Action, req.Amount, now)
		if rej != nil {
			res = rpc.SubmitActionResponse{Accepted: false, RejectReason: string(rej.Reason)}
			return nil
		}
		t.touch(now)
		s.forward(events)
		s.afterHandEvents(t, now)
		res = rpc.SubmitActionResponse{
			Accepted:         true,
			NextStateVersion: t.hand.Snapshot().Version,
		}
		return nil
	})
	return res, err
}

// maybeStartHand deals a new hand when none is running and at least
// two seats are ready.
func (s *Service) maybeStartHand(t *table, now time.Time) {
	if t.handActive() {
		return
	}
	ready := t.readySeats()
	if len(ready) < 2 {
		return
	}

	button := t.nextButton(ready)
	seats := make([]engine.SeatIn, 0, len(ready))
	for _, id := range ready {
		seats = append(seats, engine.SeatIn{Seat: id, UserID: t.seats[id].userID, Stack: t.seats[id].stack})
	}
	snapshot := engine.TableSnapshot{
		TableID: t.id,
		Config: engine.TableConfig{
			SmallBlind: t.smallBlind,
			BigBlind:   t.bigBlind,
			Ante:       t.ante,
			TurnTimer:  t.turnTimer,
		},
		Button: button,
		Seats:  seats,
	}

	handID := ident.New("hand")
	hand, events, err := engine.New(handID, snapshot, now.UnixNano(), now)
	if err != nil {
		s.logger.Error("Failed to start hand", "tableId", t.id, "error", err)
		return
	}
	t.button = button
	t.hand = hand
	t.handSeats = ready
	t.touch(now)
	s.logger.Info("Started hand", "tableId", t.id, "handId", handID, "seats", len(ready))
	s.forward(events)
	s.afterHandEvents(t, now)
	s.updateLobby(t.info())
}

// afterHandEvents settles a hand that just completed: final stacks
// flow back to the table and felted seats stay seated with zero until
// they leave or rebuy by rejoining.
func (s *Service) afterHandEvents(t *table, now time.Time) {
	if t.hand == nil || !t.hand.Complete() {
		return
	}
	final := t.hand.Snapshot()
	for _, hs := range final.Seats {
		if idx := hs.Seat; idx >= 0 && idx < len(t.seats) && t.seats[idx].userID != "" {
			t.seats[idx].stack = hs.Stack
		}
	}
	t.handSeats = nil
	t.touch(now)
	s.updateLobby(t.info())
	// The next hand starts on the following tick, giving clients a
	// beat to render the result.
}

// forward appends hand events to the event service in order. The
// event log is the source of truth for fan-out; failures are logged
// and the materializer recovers from the log.
func (s *Service) forward(events []handevent.Event) {
	for _, ev := range events {
		ctx, cancel := context.WithTimeout(context.Background(), forwardTimeout)
		_, err := s.events.AppendEvent(ctx, ev)
		cancel()
		if err != nil {
			s.logger.Error("Failed to append event", "handId", ev.HandID, "seq", ev.Seq, "type", ev.Type, "error", err)
		}
	}
}

func (s *Service) updateLobby(info rpc.TableInfo) {
	s.lobbyMu.Lock()
	s.lobby[info.TableID] = info
	s.lobbyMu.Unlock()
	s.publishLobby()
}

func (s *Service) lobbyIndex() []rpc.TableInfo {
	s.lobbyMu.Lock()
	defer s.lobbyMu.Unlock()
	index := make([]rpc.TableInfo, 0, len(s.lobby))
	for _, info := range s.lobby {
		index = append(index, info)
	}
	sort.Slice(index, func(i, j int) bool { return index[i].TableID < index[j].TableID })
	return index
}

// publishLobby pushes the current table index on the lobby channel.
func (s *Service) publishLobby() {
	index := s.lobbyIndex()
	payload, err := json.Marshal(index)
	if err != nil {
		s.logger.Error("Failed to marshal lobby index", "error", err)
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), forwardTimeout)
	defer cancel()
	seq, err := s.fab.NextSeq(ctx, fabric.Key(fabric.KindLobby, ""))
	if err != nil {
		s.logger.Error("Failed to take lobby seq", "error", err)
		return
	}
	err = s.fab.Publish(ctx, fabric.Envelope{
		Channel:  fabric.KindLobby,
		Payload:  payload,
		SourceID: "game",
		Seq:      seq,
	})
	if err != nil {
		s.logger.Error("Failed to publish lobby index", "error", err)
	}
}
