package deploy

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/shiplane/controlplane/internal/telemetry"
	"github.com/shiplane/controlplane/pkg/events"
	"github.com/shiplane/controlplane/pkg/notify"
)

// Config holds the orchestrator's tunables, loaded from internal/config.
type Config struct {
	DeployDeadline   time.Duration
	RollbackDeadline time.Duration
	ScaleDeadline    time.Duration
	FanoutLimit      int
	ImageKeepLatest  int

	CFZoneID   string
	RootDomain string
}

// Orchestrator wires together the repositories, external clients and
// config the deploy/scale/rollback operations (C8/C9/C11) share. It holds
// no per-request state; every call takes its own input and returns its
// own progress stream.
type Orchestrator struct {
	projects    ProjectRepo
	services    ServiceRepo
	nodes       NodeRepo
	deployments DeploymentRepo
	containers  ContainerRepo
	snapshots   SnapshotRepo

	locker   Locker
	agents   NodeAgentFactory
	dns      DNSClient
	injector Injector
	provider Provider
	notifier Notifier

	cfg Config
	log *slog.Logger
}

// New builds an Orchestrator.
func New(
	projects ProjectRepo,
	services ServiceRepo,
	nodes NodeRepo,
	deployments DeploymentRepo,
	containers ContainerRepo,
	snapshots SnapshotRepo,
	locker Locker,
	agents NodeAgentFactory,
	dns DNSClient,
	injector Injector,
	provider Provider,
	notifier Notifier,
	cfg Config,
	log *slog.Logger,
) *Orchestrator {
	if cfg.FanoutLimit <= 0 {
		cfg.FanoutLimit = 4
	}
	if cfg.ImageKeepLatest <= 0 {
		cfg.ImageKeepLatest = 100
	}
	return &Orchestrator{
		projects:    projects,
		services:    services,
		nodes:       nodes,
		deployments: deployments,
		containers:  containers,
		snapshots:   snapshots,
		locker:      locker,
		agents:      agents,
		dns:         dns,
		injector:    injector,
		provider:    provider,
		notifier:    notifier,
		cfg:         cfg,
		log:         log,
	}
}

// notify posts a best-effort outcome notification. Failures are logged,
// never propagated — notification sits outside the run's success/failure
// contract.
func (o *Orchestrator) notify(ctx context.Context, result notify.DeployResult) {
	if o.notifier == nil {
		return
	}
	if err := o.notifier.Notify(context.WithoutCancel(ctx), result); err != nil {
		o.log.Warn("deploy notification failed", "operation", result.Operation, "error", err)
	}
}

// run is the shared skeleton every orchestration operation starts with:
// open a progress stream and start work on its own goroutine, relaying
// every event the work emits to the stream handed back to the caller.
func (o *Orchestrator) run(ctx context.Context, correlationID string, work func(ctx context.Context, stream *events.Stream)) *events.Stream {
	internal := events.NewStream(32)
	out := events.NewStream(32)

	go work(ctx, internal)

	go func() {
		for e := range internal.Events() {
			out.Forward(e)
		}
	}()

	return out
}

// fanOut runs fn for each item in items with concurrency bounded by limit,
// returning one error per item in input order. No step in the design uses
// unbounded fan-out (spec §5, "Concurrency of fan-outs").
func fanOut[T any](ctx context.Context, limit int, items []T, fn func(context.Context, T) error) []error {
	if limit <= 0 {
		limit = 4
	}
	results := make([]error, len(items))
	sem := make(chan struct{}, limit)
	var wg sync.WaitGroup

	for i, item := range items {
		wg.Add(1)
		sem <- struct{}{}
		go func(i int, item T) {
			defer wg.Done()
			defer func() { <-sem }()
			results[i] = fn(ctx, item)
		}(i, item)
	}
	wg.Wait()
	return results
}

// recordOutcome is a small helper shared by deploy/scale/rollback to tag
// the terminal metric for a run.
func recordOutcome(kind string, err error) {
	outcome := "success"
	if err != nil {
		outcome = "failure"
	}
	telemetry.DeploymentsTotal.WithLabelValues(kind, outcome).Inc()
}
