// Package bot wires discovery, scanning, the work queues, and the two
// workers into the full pipeline.
package bot

import (
	"context"
	"fmt"
	"net/url"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/lemmyfed/subwoofer/internal/config"
	"github.com/lemmyfed/subwoofer/internal/directory"
	"github.com/lemmyfed/subwoofer/internal/ledger"
	"github.com/lemmyfed/subwoofer/internal/lemmy"
	"github.com/lemmyfed/subwoofer/internal/scanner"
	"github.com/lemmyfed/subwoofer/internal/worker"
)

// Deps are the collaborators the bot is assembled from. Everything is
// constructed by the CLI layer and injected, so tests can run the
// whole pipeline against fakes.
type Deps struct {
	Config    *config.Config
	Client    *lemmy.Client
	Directory *directory.Directory
	Ledger    *ledger.Ledger
	Logger    *zap.SugaredLogger
}

// Bot runs the discovery → classification → resolve/subscribe
// pipeline for one account.
type Bot struct {
	cfg    *config.Config
	client *lemmy.Client
	dir    *directory.Directory
	ledger *ledger.Ledger
	log    *zap.SugaredLogger
	runID  string

	resolveQ chan string
	subQ     chan string
	scanner  *scanner.Scanner
	actions  *worker.Actions
}

// New assembles the bot.
func New(deps *Deps) (*Bot, error) {
	if deps.Config == nil || deps.Client == nil || deps.Directory == nil || deps.Ledger == nil {
		return nil, fmt.Errorf("config, client, directory, and ledger are required")
	}

	log := deps.Logger
	if log == nil {
		log = zap.NewNop().Sugar()
	}

	cfg := deps.Config
	resolveQ := make(chan string, cfg.QueueCapacity)
	subQ := make(chan string, cfg.QueueCapacity)

	sc, err := scanner.New(&scanner.Config{
		API:                deps.Client,
		Ledger:             deps.Ledger,
		Logger:             log,
		ResolveThreshold:   cfg.ThresholdResolve,
		SubscribeThreshold: cfg.ThresholdSubscribe,
		AllowNSFW:          cfg.AllowNSFW,
		Languages:          cfg.Languages,
		ResolveQueue:       resolveQ,
		SubscribeQueue:     subQ,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create scanner: %w", err)
	}

	return &Bot{
		cfg:      cfg,
		client:   deps.Client,
		dir:      deps.Directory,
		ledger:   deps.Ledger,
		log:      log,
		runID:    uuid.New().String(),
		resolveQ: resolveQ,
		subQ:     subQ,
		scanner:  sc,
		actions:  worker.NewActions(deps.Client, deps.Ledger, log),
	}, nil
}

// Run executes the pipeline: a single pass, or repeated passes with a
// fixed sleep in daemon mode. It blocks until the pass (or the daemon
// loop) finishes and both workers have drained their queues.
func (b *Bot) Run(ctx context.Context) error {
	// Authentication failure is fatal; no worker starts without a
	// credential.
	if err := b.client.Login(ctx, b.cfg.Username, b.cfg.Password); err != nil {
		return err
	}

	b.logStats(ctx)

	g, gctx := errgroup.WithContext(ctx)

	resolver := worker.NewResolver(&worker.Config{
		Actions: b.actions,
		Ledger:  b.ledger,
		Logger:  b.log,
		Queue:   b.resolveQ,
		Pause:   b.cfg.WorkerPause,
	})
	subscriber := worker.NewSubscriber(&worker.Config{
		Actions: b.actions,
		Ledger:  b.ledger,
		Logger:  b.log,
		Queue:   b.subQ,
		Pause:   b.cfg.WorkerPause,
	})
	g.Go(func() error { return resolver.Run(gctx) })
	g.Go(func() error { return subscriber.Run(gctx) })

	scanErr := b.scanLoop(gctx)

	// Terminate the workers. Each queue gets exactly one sentinel and
	// each worker stops on its own sentinel without forwarding it.
	b.terminate(gctx, b.resolveQ)
	b.terminate(gctx, b.subQ)

	if err := g.Wait(); err != nil && scanErr == nil {
		scanErr = err
	}
	return scanErr
}

func (b *Bot) scanLoop(ctx context.Context) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		b.log.Infow("starting discovery pass", "run", b.runID)
		instances, err := b.dir.Instances(ctx)
		if err != nil {
			return fmt.Errorf("instance discovery failed: %w", err)
		}

		for _, instance := range instances {
			if err := ctx.Err(); err != nil {
				return err
			}
			// One bad instance never halts the pass.
			if err := b.scanner.ScanInstance(ctx, instance); err != nil {
				b.log.Warnw("instance scan aborted", "instance", instance, "error", err)
			}
		}

		b.log.Infow("finished instance iteration", "run", b.runID)
		b.logStats(ctx)

		if !b.cfg.Daemon {
			return nil
		}

		b.log.Infow("sleeping before next pass", "delay", b.cfg.DaemonDelay)
		select {
		case <-time.After(b.cfg.DaemonDelay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (b *Bot) terminate(ctx context.Context, q chan<- string) {
	select {
	case q <- worker.Sentinel:
	case <-ctx.Done():
	}
}

// Reset pages through the account's subscriptions and unsubscribes.
// With a deny-list, only communities hosted on denied instances are
// touched; without one, everything is. Successful unfollows revert the
// ledger entry from the subscribed sentinel to the numeric ID.
func (b *Bot) Reset(ctx context.Context) error {
	if err := b.client.Login(ctx, b.cfg.Username, b.cfg.Password); err != nil {
		return err
	}

	var communities []string
	for page := 1; ; page++ {
		batch, err := b.client.SubscribedCommunities(ctx, page)
		if err != nil {
			// Partial listings are acceptable; unsubscribe what we have.
			b.log.Warnw("subscribed listing stopped early", "page", page, "error", err)
			break
		}
		if len(batch) == 0 {
			break
		}
		for _, c := range batch {
			communities = append(communities, c.ActorID)
		}
	}
	b.log.Debugw("got subscribed communities", "count", len(communities))

	deny := make(map[string]bool, len(b.cfg.DenyInstances))
	for _, d := range b.cfg.DenyInstances {
		deny[d] = true
	}

	done := 0
	for _, addr := range communities {
		if len(deny) > 0 && !deny[originInstance(addr)] {
			continue
		}
		if err := b.actions.UnsubscribeCommunity(ctx, addr); err != nil {
			b.log.Errorw("unsubscribe failed", "community", addr, "error", err)
			continue
		}
		done++
	}
	b.log.Infow("reset finished", "unsubscribed", done, "subscribed_total", len(communities))
	return nil
}

// originInstance extracts the hosting instance from a community's
// actor ID, e.g. "https://lemmy.ml/c/linux" → "lemmy.ml".
func originInstance(actorID string) string {
	u, err := url.Parse(actorID)
	if err != nil {
		return ""
	}
	return u.Host
}

func (b *Bot) logStats(ctx context.Context) {
	stats, err := b.ledger.Stats(ctx)
	if err != nil {
		b.log.Warnw("failed to read ledger statistics", "error", err)
		return
	}
	b.log.Infow("ledger statistics", "resolved", stats.Resolved, "subscribed", stats.Subscribed)
}
