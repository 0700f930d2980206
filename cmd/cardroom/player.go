package main

import (
	"net/http"

	"golang.org/x/sync/errgroup"

	"github.com/railbird-gg/cardroom/internal/metrics"
	"github.com/railbird-gg/cardroom/internal/playersvc"
	"github.com/railbird-gg/cardroom/internal/rpc"
)

// PlayerCmd runs the player service.
type PlayerCmd struct{}

func (c *PlayerCmd) Run(cli *CLI) error {
	rt, err := newRuntime(cli)
	if err != nil {
		return err
	}

	pcfg := rt.cfg.Player
	svc, err := playersvc.Open(pcfg.DBPath, pcfg.StartingBankroll, rt.clock, rt.logger)
	if err != nil {
		return err
	}
	defer svc.Close()

	m := metrics.New()
	root := http.NewServeMux()
	root.Handle("/rpc/", rpc.NewPlayerHandler(svc, rt.logger))
	root.Handle("/metrics", m.Handler())

	g, ctx := errgroup.WithContext(rt.ctx)
	g.Go(func() error { return serveHTTP(ctx, pcfg.Listen, root, rt.logger) })
	return ignoreCancel(g.Wait())
}
