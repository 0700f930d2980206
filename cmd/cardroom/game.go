package main

import (
	"net/http"

	"golang.org/x/sync/errgroup"

	"github.com/railbird-gg/cardroom/internal/gamesvc"
	"github.com/railbird-gg/cardroom/internal/metrics"
	"github.com/railbird-gg/cardroom/internal/rpc"
)

// GameCmd runs the game service.
type GameCmd struct{}

func (c *GameCmd) Run(cli *CLI) error {
	rt, err := newRuntime(cli)
	if err != nil {
		return err
	}

	fab, err := rt.openFabric()
	if err != nil {
		return err
	}
	defer fab.Close()

	gcfg := rt.cfg.Game
	svc := gamesvc.New(gamesvc.Config{
		TickInterval: gcfg.TickIntervalDuration(),
		IdleWindow:   gcfg.IdleWindowDuration(),
		SitOutWindow: gcfg.SitOutWindowDuration(),
	},
		rpc.NewEventClient(gcfg.EventURL, rt.logger),
		rpc.NewPlayerClient(gcfg.PlayerURL, rt.logger),
		fab, rt.clock, rt.logger)

	m := metrics.New()
	root := http.NewServeMux()
	root.Handle("/rpc/", rpc.NewGameHandler(svc, rt.logger))
	root.Handle("/metrics", m.Handler())

	g, ctx := errgroup.WithContext(rt.ctx)
	g.Go(func() error { return svc.Run(ctx) })
	g.Go(func() error { return serveHTTP(ctx, gcfg.Listen, root, rt.logger) })
	return ignoreCancel(g.Wait())
}
