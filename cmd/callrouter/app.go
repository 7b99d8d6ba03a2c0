package main

import (
	"context"
	"fmt"

	"github.com/dennisdiepolder/monti/router/internal/archive"
	"github.com/dennisdiepolder/monti/router/internal/callqueue"
	"github.com/dennisdiepolder/monti/router/internal/config"
	"github.com/dennisdiepolder/monti/router/internal/events"
	"github.com/dennisdiepolder/monti/router/internal/metrics"
	"github.com/dennisdiepolder/monti/router/internal/session"
	"github.com/dennisdiepolder/monti/router/internal/storage"
	"github.com/dennisdiepolder/monti/router/internal/telephony"
	"github.com/dennisdiepolder/monti/router/internal/telephony/livekit"
	"github.com/dennisdiepolder/monti/router/internal/transfer"
	"github.com/dennisdiepolder/monti/router/internal/websocket"
	"github.com/rs/zerolog"
)

// mediaPlane is every telephony capability the router uses
type mediaPlane interface {
	telephony.Dispatcher
	transfer.Gateway
}

// deps are the external systems an app is built on
type deps struct {
	store     storage.Store
	gateway   mediaPlane
	archive   archive.Archive
	publisher events.Publisher
}

// app holds the wired router components
type app struct {
	cfg          *config.Config
	logger       zerolog.Logger
	store        storage.Store
	metrics      *metrics.Metrics
	hub          *websocket.Hub
	archive      archive.Archive
	tracker      *session.Tracker
	manager      *callqueue.Manager
	sl           *callqueue.SLTracker
	scheduler    *callqueue.Scheduler
	loop         *callqueue.Loop
	orchestrator *transfer.Orchestrator
}

// newApp wires the components. withHub adds the websocket hub used to
// reach agents; a standalone scheduler runs without one.
func newApp(cfg *config.Config, d deps, withHub bool, logger zerolog.Logger) *app {
	a := &app{
		cfg:     cfg,
		logger:  logger,
		store:   d.store,
		metrics: metrics.New(),
		archive: d.archive,
		sl:      callqueue.NewSLTracker(cfg.ServiceLevelTarget, cfg.ServiceLevelSeconds),
	}
	if a.archive == nil {
		a.archive = archive.NewNoopArchive()
	}

	var sender callqueue.AgentSender
	var transferSender transfer.AgentSender
	if withHub {
		a.hub = websocket.NewHub(a.metrics, logger)
		sender, transferSender = a.hub, a.hub
	}

	a.tracker = session.NewTracker(d.store, a.archive, d.publisher, logger).WithMetrics(a.metrics)
	a.manager = callqueue.NewManager(d.store, a.tracker, d.publisher, cfg.StatsWindow, logger)
	a.scheduler = callqueue.NewScheduler(d.store, callqueue.SchedulerOptions{
		Dispatcher:   d.gateway,
		Sender:       sender,
		Events:       d.publisher,
		Metrics:      a.metrics,
		ServiceLevel: a.sl,
		AIAgentName:  cfg.AIAgentName,
	}, logger)
	a.loop = callqueue.NewLoop(a.scheduler, cfg.QueueCheckInterval, cfg.SchedulerCycleTimeout, logger)
	a.orchestrator = transfer.NewOrchestrator(transfer.Options{
		Gateway:       d.gateway,
		Sessions:      a.tracker,
		Agents:        d.store,
		Sender:        transferSender,
		Events:        d.publisher,
		Metrics:       a.metrics,
		PickupTimeout: cfg.TransferPickupTimeout,
	}, logger)
	return a
}

// openDeps connects to the store, archive, broker and media plane. The
// returned cleanup closes whatever was opened.
func (c *commandContext) openDeps(ctx context.Context, cfg *config.Config) (deps, func(), error) {
	logger := c.log()
	var closers []func()
	cleanup := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}

	store, err := c.openStore(ctx)
	if err != nil {
		return deps{}, cleanup, err
	}
	closers = append(closers, func() { store.Close() })

	arch, err := archive.New(ctx, archive.DynamoConfigFrom(cfg), logger)
	if err != nil {
		cleanup()
		return deps{}, func() {}, fmt.Errorf("open call archive: %w", err)
	}

	var pub events.Publisher = events.NoopPublisher{}
	if cfg.AMQPURL != "" {
		amqpPub, err := events.NewAMQPPublisher(cfg.AMQPURL, cfg.AMQPExchange, logger)
		if err != nil {
			cleanup()
			return deps{}, func() {}, err
		}
		closers = append(closers, amqpPub.Close)
		pub = amqpPub
	} else {
		logger.Info().Msg("AMQP_URL not set, lifecycle events are not published")
	}

	gw := livekit.New(livekit.Config{
		URL:             cfg.LiveKitURL,
		APIKey:          cfg.LiveKitAPIKey,
		APISecret:       cfg.LiveKitAPISecret,
		OutboundTrunkID: cfg.SIPOutboundTrunkID,
	}, logger)

	return deps{store: store, gateway: gw, archive: arch, publisher: pub}, cleanup, nil
}
