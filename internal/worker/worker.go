package worker

import (
	"context"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/lemmyfed/subwoofer/internal/types"
)

// Sentinel is the distinguished queue value that tells a worker to
// stop. Workers consume it and return without forwarding it.
const Sentinel = ""

// DefaultQueueCapacity bounds each work queue. A full queue blocks the
// scanner, throttling discovery to the workers' pace.
const DefaultQueueCapacity = 16

// DefaultPause is the fixed delay between processed items, respecting
// the home server's implicit rate limits.
const DefaultPause = 1 * time.Second

// Config holds worker configuration.
type Config struct {
	Actions *Actions
	Ledger  Store
	Logger  *zap.SugaredLogger
	Queue   <-chan string
	Pause   time.Duration // delay between items (default: DefaultPause)
}

func (c *Config) limiter() *rate.Limiter {
	pause := c.Pause
	if pause == 0 {
		pause = DefaultPause
	}
	return rate.NewLimiter(rate.Every(pause), 1)
}

func (c *Config) logger() *zap.SugaredLogger {
	if c.Logger == nil {
		return zap.NewNop().Sugar()
	}
	return c.Logger
}

// Resolver drains the resolve queue. Single consumer; runs until it
// receives the sentinel.
type Resolver struct {
	actions *Actions
	ledger  Store
	queue   <-chan string
	limiter *rate.Limiter
	log     *zap.SugaredLogger
}

// NewResolver creates the resolve worker.
func NewResolver(cfg *Config) *Resolver {
	return &Resolver{
		actions: cfg.Actions,
		ledger:  cfg.Ledger,
		queue:   cfg.Queue,
		limiter: cfg.limiter(),
		log:     cfg.logger(),
	}
}

// Run consumes the queue until the sentinel arrives or the context is
// canceled. Failed items are logged and abandoned for this pass.
func (r *Resolver) Run(ctx context.Context) error {
	for {
		var addr string
		select {
		case addr = <-r.queue:
		case <-ctx.Done():
			return ctx.Err()
		}
		if addr == Sentinel {
			r.log.Debugw("resolve worker stopping")
			return nil
		}

		present, err := r.ledger.Has(ctx, addr)
		if err != nil {
			r.log.Errorw("ledger read failed", "community", addr, "error", err)
			continue
		}
		if present {
			r.log.Debugw("skipping resolve, already in ledger", "community", addr)
			continue
		}

		if _, err := r.actions.ResolveCommunity(ctx, addr); err != nil {
			r.log.Errorw("resolve failed", "community", addr, "error", err)
		}

		if err := r.limiter.Wait(ctx); err != nil {
			return err
		}
	}
}

// Subscriber drains the subscribe queue. Single consumer; runs until
// it receives the sentinel.
type Subscriber struct {
	actions *Actions
	ledger  Store
	queue   <-chan string
	limiter *rate.Limiter
	log     *zap.SugaredLogger
}

// NewSubscriber creates the subscribe worker.
func NewSubscriber(cfg *Config) *Subscriber {
	return &Subscriber{
		actions: cfg.Actions,
		ledger:  cfg.Ledger,
		queue:   cfg.Queue,
		limiter: cfg.limiter(),
		log:     cfg.logger(),
	}
}

// Run consumes the queue until the sentinel arrives or the context is
// canceled.
func (s *Subscriber) Run(ctx context.Context) error {
	for {
		var addr string
		select {
		case addr = <-s.queue:
		case <-ctx.Done():
			return ctx.Err()
		}
		if addr == Sentinel {
			s.log.Debugw("subscribe worker stopping")
			return nil
		}

		state, present, err := s.ledger.Get(ctx, addr)
		if err != nil {
			s.log.Errorw("ledger read failed", "community", addr, "error", err)
			continue
		}
		if present && state == types.StateSubscribed {
			s.log.Debugw("skipping subscribe, already subscribed", "community", addr)
			continue
		}

		if err := s.actions.SubscribeCommunity(ctx, addr); err != nil {
			s.log.Errorw("subscribe failed", "community", addr, "error", err)
		}

		if err := s.limiter.Wait(ctx); err != nil {
			return err
		}
	}
}
