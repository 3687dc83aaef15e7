package modsync

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/fedisync/fedisync/fediverse"
	"github.com/fedisync/fedisync/ingest"
	"github.com/fedisync/fedisync/models"
	"github.com/fedisync/fedisync/store"
)

// Poller periodically fetches open reports from every enabled instance and
// feeds them through ingestion. Polling supplements webhook delivery for
// instances that cannot push.
type Poller struct {
	instances *store.InstanceStore
	ingestor  *ingest.Ingestor
	clients   ClientFactory

	limiter     *rate.Limiter
	parallelism int
	logger      *slog.Logger
}

type PollerConfig struct {
	Logger        *slog.Logger
	ClientFactory ClientFactory
	// RequestsPerSecond caps outbound fetch calls across all instances.
	RequestsPerSecond float64
	Parallelism       int
}

func NewPoller(instances *store.InstanceStore, ingestor *ingest.Ingestor, config PollerConfig) *Poller {
	logger := config.Logger
	if logger == nil {
		logger = slog.Default().With("system", "poller")
	}
	factory := config.ClientFactory
	if factory == nil {
		factory = defaultClientFactory(nil)
	}
	rps := config.RequestsPerSecond
	if rps <= 0 {
		rps = 2
	}
	parallelism := config.Parallelism
	if parallelism <= 0 {
		parallelism = 4
	}
	return &Poller{
		instances:   instances,
		ingestor:    ingestor,
		clients:     factory,
		limiter:     rate.NewLimiter(rate.Limit(rps), 1),
		parallelism: parallelism,
		logger:      logger,
	}
}

// Run polls on a fixed interval until the context is cancelled.
func (p *Poller) Run(ctx context.Context, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		if err := p.Sweep(ctx); err != nil {
			p.logger.Error("poll sweep failed", "err", err)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// Sweep polls every enabled instance once, then retries case creation for
// any stored report left caseless by an earlier failure. Instance failures
// are isolated: one unreachable server never blocks the rest of the sweep.
func (p *Poller) Sweep(ctx context.Context) error {
	instances, err := p.instances.ListEnabled(ctx)
	if err != nil {
		return fmt.Errorf("listing instances: %w", err)
	}

	group, gctx := errgroup.WithContext(ctx)
	group.SetLimit(p.parallelism)
	for _, inst := range instances {
		inst := inst
		group.Go(func() error {
			if err := p.pollInstance(gctx, &inst); err != nil {
				p.logger.Warn("instance poll failed", "instance", inst, "err", err)
			}
			return nil
		})
	}
	if err := group.Wait(); err != nil {
		return err
	}

	relinked, err := p.ingestor.Relink(ctx)
	if err != nil {
		p.logger.Warn("relink pass failed", "err", err)
	} else if relinked > 0 {
		p.logger.Info("relinked caseless reports", "count", relinked)
	}
	return nil
}

func (p *Poller) pollInstance(ctx context.Context, inst *models.Instance) error {
	platform, err := fediverse.ParsePlatform(inst.Platform)
	if err != nil {
		return err
	}
	client, err := p.clients(inst.Domain, inst.Credential, platform)
	if err != nil {
		return err
	}
	if !client.Supports(fediverse.CapFetchReports) {
		return nil
	}

	if err := p.limiter.Wait(ctx); err != nil {
		return err
	}
	raws, err := client.FetchReports(ctx, map[string]string{"resolved": "false"})
	if err != nil {
		return fmt.Errorf("fetching reports from %s: %w", inst.Domain, err)
	}

	var ingested int
	for _, raw := range raws {
		result, err := p.ingestor.Process(ctx, raw, inst.Domain)
		if err != nil {
			p.logger.Warn("poll ingestion failed", "domain", inst.Domain, "err", err)
			continue
		}
		if !result.Duplicate {
			ingested++
		}
	}
	if ingested > 0 {
		p.logger.Info("poll sweep ingested reports", "domain", inst.Domain, "count", ingested)
	}

	if err := p.instances.TouchPolled(ctx, inst.Domain, time.Now()); err != nil {
		p.logger.Error("failed to record poll time", "domain", inst.Domain, "err", err)
	}
	return nil
}
