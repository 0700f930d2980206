package playersvc

import (
	"context"
	"io"
	"testing"

	"github.com/charmbracelet/log"
	"github.com/coder/quartz"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/railbird-gg/cardroom/internal/rpc"
)

func openService(t *testing.T) *Service {
	t.Helper()
	logger := log.NewWithOptions(io.Discard, log.Options{})
	svc, err := Open(":memory:", 10000, quartz.NewReal(), logger)
	require.NoError(t, err)
	t.Cleanup(func() { _ = svc.Close() })
	return svc
}

func TestEnsurePlayerCreatesWithStartingBankroll(t *testing.T) {
	svc := openService(t)
	ctx := context.Background()

	profile, err := svc.EnsurePlayer(ctx, "u1", "Ada")
	require.NoError(t, err)
	assert.Equal(t, "u1", profile.UserID)
	assert.Equal(t, "Ada", profile.Name)
	assert.Equal(t, 10000, profile.Bankroll)
	assert.False(t, profile.CreatedAt.IsZero())

	// Idempotent; name refreshes, bankroll untouched.
	_, err = svc.Reserve(ctx, "u1", 500)
	require.NoError(t, err)
	profile, err = svc.EnsurePlayer(ctx, "u1", "Ada L.")
	require.NoError(t, err)
	assert.Equal(t, "Ada L.", profile.Name)
	assert.Equal(t, 9500, profile.Bankroll)
}

func TestReserveAndCredit(t *testing.T) {
	svc := openService(t)
	ctx := context.Background()

	_, err := svc.EnsurePlayer(ctx, "u1", "Ada")
	require.NoError(t, err)

	profile, err := svc.Reserve(ctx, "u1", 1000)
	require.NoError(t, err)
	assert.Equal(t, 9000, profile.Bankroll)

	profile, err = svc.Credit(ctx, "u1", 1500)
	require.NoError(t, err)
	assert.Equal(t, 10500, profile.Bankroll)
}

func TestReserveRejectsOverdraft(t *testing.T) {
	svc := openService(t)
	ctx := context.Background()

	_, err := svc.EnsurePlayer(ctx, "u1", "Ada")
	require.NoError(t, err)

	_, err = svc.Reserve(ctx, "u1", 10001)
	require.Error(t, err)
	assert.Equal(t, rpc.CodeFailedPrecondition, rpc.CodeOf(err))

	// Balance untouched after the failed reserve.
	profile, err := svc.GetProfile(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, 10000, profile.Bankroll)
}

func TestValidationAndNotFound(t *testing.T) {
	svc := openService(t)
	ctx := context.Background()

	_, err := svc.GetProfile(ctx, "ghost")
	assert.Equal(t, rpc.CodeNotFound, rpc.CodeOf(err))

	_, err = svc.Reserve(ctx, "ghost", 10)
	assert.Equal(t, rpc.CodeNotFound, rpc.CodeOf(err))

	_, err = svc.EnsurePlayer(ctx, "", "Ada")
	assert.Equal(t, rpc.CodeInvalidArgument, rpc.CodeOf(err))

	_, err = svc.Reserve(ctx, "ghost", -5)
	assert.Equal(t, rpc.CodeInvalidArgument, rpc.CodeOf(err))

	_, err = svc.Credit(ctx, "ghost", -5)
	assert.Equal(t, rpc.CodeInvalidArgument, rpc.CodeOf(err))
}
