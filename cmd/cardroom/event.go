package main

import (
	"context"
	"net/http"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/railbird-gg/cardroom/internal/eventstore"
	"github.com/railbird-gg/cardroom/internal/eventsvc"
	"github.com/railbird-gg/cardroom/internal/ident"
	"github.com/railbird-gg/cardroom/internal/metrics"
	"github.com/railbird-gg/cardroom/internal/rpc"
)

const archiveInterval = time.Hour

// EventCmd runs the event service: the durable log, the stream
// materializer and the RPC surface.
type EventCmd struct {
	Consumer string `default:"materializer-1" help:"Stream consumer name, unique per instance"`
}

func (c *EventCmd) Run(cli *CLI) error {
	rt, err := newRuntime(cli)
	if err != nil {
		return err
	}

	fab, err := rt.openFabric()
	if err != nil {
		return err
	}
	defer fab.Close()
	rdb := rt.openRedis()

	ecfg := rt.cfg.Event
	store, err := eventstore.Open(ecfg.DBPath, rdb, fab, rt.clock, rt.logger, ident.New("event"))
	if err != nil {
		return err
	}
	defer store.Close()

	m := metrics.New()
	svc := eventsvc.New(store, m, rt.logger)
	mat := eventsvc.NewMaterializer(store, rdb, m, rt.logger, eventsvc.MaterializerConfig{
		Consumer:   c.Consumer,
		ClaimIdle:  ecfg.ClaimIdleDuration(),
		PoisonSkip: ecfg.PoisonAckStrategy == "skip",
	})

	root := http.NewServeMux()
	root.Handle("/rpc/", rpc.NewEventHandler(svc, rt.logger))
	root.Handle("/metrics", m.Handler())

	g, ctx := errgroup.WithContext(rt.ctx)
	g.Go(func() error { return mat.Run(ctx) })
	g.Go(func() error { return serveHTTP(ctx, ecfg.Listen, root, rt.logger) })
	if ecfg.Archive {
		g.Go(func() error { return c.archiveLoop(ctx, rt, store) })
	}
	return ignoreCancel(g.Wait())
}

// archiveLoop periodically moves events past the retention horizon to
// the archive table and trims the hot stream.
func (c *EventCmd) archiveLoop(ctx context.Context, rt *runtime, store *eventstore.Store) error {
	ticker := rt.clock.NewTicker(archiveInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			cutoff := rt.clock.Now().Add(-rt.cfg.Event.RetentionDuration())
			moved, err := store.ArchiveOlderThan(ctx, cutoff)
			if err != nil {
				rt.logger.Error("Archive pass failed", "error", err)
				continue
			}
			if moved > 0 {
				rt.logger.Info("Archived events", "moved", moved, "cutoff", cutoff)
			}
		}
	}
}
