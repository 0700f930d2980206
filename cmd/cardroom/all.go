package main

import (
	"net/http"

	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/railbird-gg/cardroom/internal/eventstore"
	"github.com/railbird-gg/cardroom/internal/eventsvc"
	"github.com/railbird-gg/cardroom/internal/gamesvc"
	"github.com/railbird-gg/cardroom/internal/gateway"
	"github.com/railbird-gg/cardroom/internal/ident"
	"github.com/railbird-gg/cardroom/internal/metrics"
	"github.com/railbird-gg/cardroom/internal/playersvc"
	"github.com/railbird-gg/cardroom/internal/rpc"
)

// AllCmd runs every service in one process for development. The
// services talk directly, not over HTTP, and the gateway listens on
// the configured gateway address. RPC surfaces are still served so
// external tooling can poke each service.
type AllCmd struct{}

func (c *AllCmd) Run(cli *CLI) error {
	rt, err := newRuntime(cli)
	if err != nil {
		return err
	}

	verifier, jwks, err := rt.buildVerifier()
	if err != nil {
		return err
	}
	fab, err := rt.openFabric()
	if err != nil {
		return err
	}
	defer fab.Close()
	rdb := rt.openRedis()

	m := metrics.New()
	store, err := eventstore.Open(rt.cfg.Event.DBPath, rdb, fab, rt.clock, rt.logger, ident.New("event"))
	if err != nil {
		return err
	}
	defer store.Close()
	events := eventsvc.New(store, m, rt.logger)
	mat := eventsvc.NewMaterializer(store, rdb, m, rt.logger, eventsvc.MaterializerConfig{
		ClaimIdle:  rt.cfg.Event.ClaimIdleDuration(),
		PoisonSkip: rt.cfg.Event.PoisonAckStrategy == "skip",
	})

	players, err := playersvc.Open(rt.cfg.Player.DBPath, rt.cfg.Player.StartingBankroll, rt.clock, rt.logger)
	if err != nil {
		return err
	}
	defer players.Close()

	game := gamesvc.New(gamesvc.Config{
		TickInterval: rt.cfg.Game.TickIntervalDuration(),
		IdleWindow:   rt.cfg.Game.IdleWindowDuration(),
		SitOutWindow: rt.cfg.Game.SitOutWindowDuration(),
	}, events, players, fab, rt.clock, rt.logger)

	gcfg := rt.cfg.Gateway
	gw := gateway.New(gateway.Config{
		PingInterval:   gcfg.PingIntervalDuration(),
		AwayAfter:      gcfg.AwayAfterDuration(),
		SendQueue:      gcfg.SendQueue,
		SendQueueBytes: gcfg.SendQueueBytes,
		ChatRate:       rate.Limit(gcfg.ChatRate),
		ChatBurst:      gcfg.ChatBurst,
		ActionRate:     rate.Limit(gcfg.ActionRate),
		ActionBurst:    gcfg.ActionBurst,
	}, verifier, game, events, players, fab, m, rt.clock, rt.logger)

	rpcRoot := http.NewServeMux()
	rpcRoot.Handle("/rpc/game/", rpc.NewGameHandler(game, rt.logger))
	rpcRoot.Handle("/rpc/event/", rpc.NewEventHandler(events, rt.logger))
	rpcRoot.Handle("/rpc/player/", rpc.NewPlayerHandler(players, rt.logger))
	rpcRoot.Handle("/metrics", m.Handler())

	g, ctx := errgroup.WithContext(rt.ctx)
	if jwks != nil {
		g.Go(func() error { return jwks.Run(ctx) })
	}
	g.Go(func() error { return mat.Run(ctx) })
	g.Go(func() error { return game.Run(ctx) })
	g.Go(func() error { return gw.Run(ctx) })
	g.Go(func() error { return serveHTTP(ctx, gcfg.Listen, gw.Handler(), rt.logger) })
	g.Go(func() error { return serveHTTP(ctx, rt.cfg.Game.Listen, rpcRoot, rt.logger) })
	return ignoreCancel(g.Wait())
}
