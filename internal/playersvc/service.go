// Package playersvc is the player service: stored identity and
// bankroll accounting backed by sqlite. Buy-ins reserve from the
// bankroll; payouts credit it.
package playersvc

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/charmbracelet/log"
	"github.com/coder/quartz"
	_ "github.com/mattn/go-sqlite3"

	"github.com/railbird-gg/cardroom/internal/rpc"
)

const schema = `
CREATE TABLE IF NOT EXISTS players (
	id         TEXT    PRIMARY KEY,
	name       TEXT    NOT NULL,
	bankroll   INTEGER NOT NULL CHECK (bankroll >= 0),
	created_at TEXT    NOT NULL
);
`

// Service implements rpc.PlayerService.
type Service struct {
	db               *sql.DB
	clock            quartz.Clock
	logger           *log.Logger
	startingBankroll int
}

var _ rpc.PlayerService = (*Service)(nil)

// Open opens the player database. Pass ":memory:" in tests.
func Open(path string, startingBankroll int, clock quartz.Clock, logger *log.Logger) (*Service, error) {
	dsn := fmt.Sprintf("file:%s?_journal_mode=WAL&_busy_timeout=5000", path)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open player db: %w", err)
	}
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("migrate player db: %w", err)
	}
	return &Service{
		db:               db,
		clock:            clock,
		logger:           logger.WithPrefix("playersvc"),
		startingBankroll: startingBankroll,
	}, nil
}

// Close closes the database.
func (s *Service) Close() error {
	return s.db.Close()
}

// EnsurePlayer returns the profile for a user, creating it with the
// starting bankroll on first sight. An existing profile's name is
// refreshed from the token.
func (s *Service) EnsurePlayer(ctx context.Context, userID, name string) (rpc.Profile, error) {
	if userID == "" {
		return rpc.Profile{}, rpc.Errorf(rpc.CodeInvalidArgument, "missing user id")
	}
	now := s.clock.Now().UTC()
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO players (id, name, bankroll, created_at) VALUES (?, ?, ?, ?)
		 ON CONFLICT (id) DO UPDATE SET name = excluded.name WHERE excluded.name != ''`,
		userID, name, s.startingBankroll, now.Format(time.RFC3339Nano),
	)
	if err != nil {
		return rpc.Profile{}, rpc.Errorf(rpc.CodeInternal, "ensure player: %v", err)
	}
	return s.GetProfile(ctx, userID)
}

// GetProfile returns a player's profile.
func (s *Service) GetProfile(ctx context.Context, userID string) (rpc.Profile, error) {
	var (
		profile   rpc.Profile
		createdAt string
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT id, name, bankroll, created_at FROM players WHERE id = ?`, userID,
	).Scan(&profile.UserID, &profile.Name, &profile.Bankroll, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return rpc.Profile{}, rpc.Errorf(rpc.CodeNotFound, "player %s not found", userID)
	}
	if err != nil {
		return rpc.Profile{}, rpc.Errorf(rpc.CodeInternal, "load player: %v", err)
	}
	if profile.CreatedAt, err = time.Parse(time.RFC3339Nano, createdAt); err != nil {
		return rpc.Profile{}, rpc.Errorf(rpc.CodeInternal, "parse created_at: %v", err)
	}
	return profile, nil
}

// Reserve debits amount from the bankroll, failing when funds are
// insufficient.
func (s *Service) Reserve(ctx context.Context, userID string, amount int) (rpc.Profile, error) {
	if amount < 0 {
		return rpc.Profile{}, rpc.Errorf(rpc.CodeInvalidArgument, "negative reserve amount %d", amount)
	}
	return s.adjust(ctx, userID, -amount)
}

// Credit adds amount to the bankroll.
func (s *Service) Credit(ctx context.Context, userID string, amount int) (rpc.Profile, error) {
	if amount < 0 {
		return rpc.Profile{}, rpc.Errorf(rpc.CodeInvalidArgument, "negative credit amount %d", amount)
	}
	return s.adjust(ctx, userID, amount)
}

func (s *Service) adjust(ctx context.Context, userID string, delta int) (rpc.Profile, error) {
	if delta == 0 {
		return s.GetProfile(ctx, userID)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return rpc.Profile{}, rpc.Errorf(rpc.CodeInternal, "begin adjust: %v", err)
	}
	defer func() { _ = tx.Rollback() }()

	var bankroll int
	err = tx.QueryRowContext(ctx,
		`SELECT bankroll FROM players WHERE id = ?`, userID,
	).Scan(&bankroll)
	if errors.Is(err, sql.ErrNoRows) {
		return rpc.Profile{}, rpc.Errorf(rpc.CodeNotFound, "player %s not found", userID)
	}
	if err != nil {
		return rpc.Profile{}, rpc.Errorf(rpc.CodeInternal, "load bankroll: %v", err)
	}
	if bankroll+delta < 0 {
		return rpc.Profile{}, rpc.Errorf(rpc.CodeFailedPrecondition,
			"insufficient bankroll: have %d, need %d", bankroll, -delta)
	}

	if _, err := tx.ExecContext(ctx,
		`UPDATE players SET bankroll = bankroll + ? WHERE id = ?`, delta, userID,
	); err != nil {
		return rpc.Profile{}, rpc.Errorf(rpc.CodeInternal, "update bankroll: %v", err)
	}
	if err := tx.Commit(); err != nil {
		return rpc.Profile{}, rpc.Errorf(rpc.CodeInternal, "commit adjust: %v", err)
	}
	return s.GetProfile(ctx, userID)
}
