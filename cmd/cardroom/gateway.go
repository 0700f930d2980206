package main

import (
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/railbird-gg/cardroom/internal/gateway"
	"github.com/railbird-gg/cardroom/internal/metrics"
	"github.com/railbird-gg/cardroom/internal/rpc"
)

// GatewayCmd runs the realtime WebSocket gateway.
type GatewayCmd struct{}

func (c *GatewayCmd) Run(cli *CLI) error {
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
	},
		verifier,
		rpc.NewGameClient(gcfg.GameURL, rt.logger),
		rpc.NewEventClient(gcfg.EventURL, rt.logger),
		rpc.NewPlayerClient(gcfg.PlayerURL, rt.logger),
		fab, metrics.New(), rt.clock, rt.logger)

	g, ctx := errgroup.WithContext(rt.ctx)
	if jwks != nil {
		g.Go(func() error { return jwks.Run(ctx) })
	}
	g.Go(func() error { return gw.Run(ctx) })
	g.Go(func() error { return serveHTTP(ctx, gcfg.Listen, gw.Handler(), rt.logger) })
	return ignoreCancel(g.Wait())
}
