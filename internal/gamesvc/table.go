package gamesvc

import (
	"time"

	"github.com/railbird-gg/cardroom/internal/engine"
	"github.com/railbird-gg/cardroom/internal/rpc"
)

// seatStatus tracks a seated player's participation.
type seatStatus string

const (
	statusActive     seatStatus = "active"
	statusSittingOut seatStatus = "sittingOut"
)

type seat struct {
	userID      string
	stack       int
	status      seatStatus
	sitOutSince time.Time // set while status is sittingOut
}

// table is the mutable state of one table. All access runs through the
// service's keyed executor, one task at a time per table.
type table struct {
	id      string
	ownerID string
	name    string

	smallBlind    int
	bigBlind      int
	ante          int
	maxPlayers    int
	startingStack int
	turnTimer     time.Duration

	seats      []seat // index = seat id, vacant when userID == ""
	spectators map[string]bool

	button     int
	hand       *engine.Hand
	handSeats  []int // seats dealt into the current hand
	version    uint64
	lastActive time.Time
}

func (t *table) touch(now time.Time) {
	t.lastActive = now
	t.version++
}

func (t *table) seatOf(userID string) int {
	for i, s := range t.seats {
		if s.userID == userID {
			return i
		}
	}
	return -1
}

func (t *table) vacantSeat() int {
	for i, s := range t.seats {
		if s.userID == "" {
			return i
		}
	}
	return -1
}

func (t *table) seatedCount() int {
	n := 0
	for _, s := range t.seats {
		if s.userID != "" {
			n++
		}
	}
	return n
}

// readySeats returns the seats that can be dealt into a new hand.
func (t *table) readySeats() []int {
	var ready []int
	for i, s := range t.seats {
		if s.userID != "" && s.status == statusActive && s.stack > 0 {
			ready = append(ready, i)
		}
	}
	return ready
}

func (t *table) handActive() bool {
	return t.hand != nil && !t.hand.Complete() && t.hand.Quarantined() == nil
}

// inCurrentHand reports whether a seat was dealt into the running hand.
func (t *table) inCurrentHand(seatID int) bool {
	if !t.handActive() {
		return false
	}
	for _, s := range t.handSeats {
		if s == seatID {
			return true
		}
	}
	return false
}

// nextButton advances the button to the next ready seat clockwise.
func (t *table) nextButton(ready []int) int {
	if len(ready) == 0 {
		return t.button
	}
	for offset := 1; offset <= t.maxPlayers; offset++ {
		candidate := (t.button + offset) % t.maxPlayers
		for _, s := range ready {
			if s == candidate {
				return candidate
			}
		}
	}
	return ready[0]
}

func (t *table) info() rpc.TableInfo {
	return rpc.TableInfo{
		TableID:    t.id,
		Name:       t.name,
		SmallBlind: t.smallBlind,
		BigBlind:   t.bigBlind,
		Ante:       t.ante,
		MaxPlayers: t.maxPlayers,
		Seated:     t.seatedCount(),
		Spectators: len(t.spectators),
		HandActive: t.handActive(),
	}
}

// snapshotFor renders the table for one user, hole cards redacted to
// that user's seat.
func (t *table) snapshotFor(userID string) *rpc.TableSnapshot {
	snap := &rpc.TableSnapshot{
		Info:    t.info(),
		OwnerID: t.ownerID,
		Seats:   make([]rpc.TableSeat, len(t.seats)),
		Version: t.version,
	}
	for i, s := range t.seats {
		out := rpc.TableSeat{Seat: i, Stack: s.stack}
		if s.userID == "" {
			out.Vacant = true
		} else {
			out.UserID = s.userID
			out.Status = string(s.status)
			out.InHand = t.inCurrentHand(i)
		}
		snap.Seats[i] = out
	}
	if t.hand != nil {
		forSeat := -1
		if idx := t.seatOf(userID); idx >= 0 && t.inCurrentHand(idx) {
			forSeat = idx
		}
		snap.Hand = t.hand.Snapshot().Redacted(forSeat)
	}
	return snap
}
