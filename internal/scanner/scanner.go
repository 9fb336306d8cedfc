// Package scanner walks one instance's community listing and decides,
// per community, whether to queue it for resolve or subscribe.
//
// The scanner only reads the ledger; all writes happen in the workers
// after a remote call has unambiguously succeeded.
package scanner

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/lemmyfed/subwoofer/internal/types"
)

// API is the slice of the Lemmy client the scanner consumes.
type API interface {
	LocalCommunities(ctx context.Context, domain string, page int) ([]types.Community, error)
	SiteLanguages(ctx context.Context, domain string) (map[string]int64, error)
	CommunityLanguages(ctx context.Context, domain, name string) ([]int64, error)
}

// Store is the read side of the ledger.
type Store interface {
	Has(ctx context.Context, addr string) (bool, error)
	Get(ctx context.Context, addr string) (int64, bool, error)
}

// Config holds scanner configuration.
type Config struct {
	API                API
	Ledger             Store
	Logger             *zap.SugaredLogger
	ResolveThreshold   int64    // inclusive lower bound for resolve
	SubscribeThreshold int64    // inclusive lower bound for subscribe
	AllowNSFW          bool     // when false, NSFW communities are skipped
	Languages          []string // optional language codes; empty disables the filter
	ResolveQueue       chan<- string
	SubscribeQueue     chan<- string
}

// Scanner classifies communities for the two work queues.
type Scanner struct {
	api       API
	ledger    Store
	log       *zap.SugaredLogger
	resolve   int64
	subscribe int64
	allowNSFW bool
	languages []string
	resolveQ  chan<- string
	subQ      chan<- string
}

// New creates a scanner.
func New(cfg *Config) (*Scanner, error) {
	if cfg.API == nil {
		return nil, fmt.Errorf("api client is required")
	}
	if cfg.Ledger == nil {
		return nil, fmt.Errorf("ledger is required")
	}
	if cfg.ResolveThreshold > cfg.SubscribeThreshold {
		return nil, fmt.Errorf("resolve threshold %d exceeds subscribe threshold %d",
			cfg.ResolveThreshold, cfg.SubscribeThreshold)
	}

	log := cfg.Logger
	if log == nil {
		log = zap.NewNop().Sugar()
	}

	return &Scanner{
		api:       cfg.API,
		ledger:    cfg.Ledger,
		log:       log,
		resolve:   cfg.ResolveThreshold,
		subscribe: cfg.SubscribeThreshold,
		allowNSFW: cfg.AllowNSFW,
		languages: cfg.Languages,
		resolveQ:  cfg.ResolveQueue,
		subQ:      cfg.SubscribeQueue,
	}, nil
}

// ScanInstance paginates one instance's local listing and pushes
// qualifying communities onto the queues. The listing is sorted by the
// same half-year activity metric the thresholds measure, descending,
// so pagination stops as soon as a page's last entry falls below the
// resolve threshold. Errors abort this instance only.
func (s *Scanner) ScanInstance(ctx context.Context, domain string) error {
	// Resolve configured language codes against the instance's
	// language table once per instance, not per community.
	langIDs, err := s.instanceLanguages(ctx, domain)
	if err != nil {
		return err
	}

	for page := 1; ; page++ {
		s.log.Debugw("retrieving page", "instance", domain, "page", page)
		communities, err := s.api.LocalCommunities(ctx, domain, page)
		if err != nil {
			return fmt.Errorf("failed to list communities on %s: %w", domain, err)
		}
		if len(communities) == 0 {
			return nil
		}

		for _, c := range communities {
			if err := s.classify(ctx, domain, c, langIDs); err != nil {
				return err
			}
		}

		// Sorted descending by the classification metric: once the
		// last entry of a page is below the resolve threshold, no
		// later page can contain a qualifying community.
		if communities[len(communities)-1].ActiveHalfYear < s.resolve {
			return nil
		}
	}
}

// instanceLanguages maps the configured language codes to this
// instance's internal language IDs. A nil result with nil error means
// the filter is disabled. If any configured code cannot be resolved
// the whole instance is skipped.
func (s *Scanner) instanceLanguages(ctx context.Context, domain string) (map[int64]bool, error) {
	if len(s.languages) == 0 {
		return nil, nil
	}

	table, err := s.api.SiteLanguages(ctx, domain)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch language table for %s: %w", domain, err)
	}

	ids := make(map[int64]bool, len(s.languages))
	for _, code := range s.languages {
		id, ok := table[code]
		if !ok {
			return nil, fmt.Errorf("instance %s does not know language %q", domain, code)
		}
		ids[id] = true
	}
	return ids, nil
}

func (s *Scanner) classify(ctx context.Context, domain string, c types.Community, langIDs map[int64]bool) error {
	state, present, err := s.ledger.Get(ctx, c.ActorID)
	if err != nil {
		return err
	}
	if present && state == types.StateSubscribed {
		return nil
	}
	if c.NSFW && !s.allowNSFW {
		s.log.Debugw("skipping nsfw community", "instance", domain, "community", c.Name)
		return nil
	}

	switch {
	case c.ActiveHalfYear >= s.subscribe:
		// Already-resolved entries still qualify: the subscribe worker
		// reuses the cached numeric ID and only performs the follow.
		ok, err := s.languageMatch(ctx, domain, c, langIDs)
		if err != nil || !ok {
			return err
		}
		s.log.Infow("queued subscribe", "instance", domain, "community", c.Name, "active", c.ActiveHalfYear)
		return s.push(ctx, s.subQ, c.ActorID)

	case c.ActiveHalfYear >= s.resolve:
		if present {
			s.log.Debugw("skipping resolve, already in ledger", "instance", domain, "community", c.Name)
			return nil
		}
		ok, err := s.languageMatch(ctx, domain, c, langIDs)
		if err != nil || !ok {
			return err
		}
		s.log.Infow("queued resolve", "instance", domain, "community", c.Name, "active", c.ActiveHalfYear)
		return s.push(ctx, s.resolveQ, c.ActorID)
	}
	return nil
}

// languageMatch fetches the community's discussion languages lazily,
// only for communities that would otherwise be queued. A community
// with no declared languages accepts every language and passes.
func (s *Scanner) languageMatch(ctx context.Context, domain string, c types.Community, langIDs map[int64]bool) (bool, error) {
	if langIDs == nil {
		return true, nil
	}

	langs, err := s.api.CommunityLanguages(ctx, domain, c.Name)
	if err != nil {
		return false, fmt.Errorf("failed to fetch languages for %s on %s: %w", c.Name, domain, err)
	}
	if len(langs) == 0 {
		return true, nil
	}
	for _, id := range langs {
		if langIDs[id] {
			return true, nil
		}
	}
	s.log.Debugw("skipping community, no language overlap", "instance", domain, "community", c.Name)
	return false, nil
}

// push blocks when the queue is full; backpressure from the workers is
// what throttles discovery to the remote API's pace.
func (s *Scanner) push(ctx context.Context, q chan<- string, addr string) error {
	select {
	case q <- addr:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
