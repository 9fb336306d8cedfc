// Package types holds the core data model shared across the pipeline.
package types

// StateSubscribed is the ledger sentinel marking a community the bot
// account follows. Any positive value is the community's numeric ID on
// the home server, resolved but not yet subscribed.
const StateSubscribed int64 = -1

// Instance is a candidate server discovered from the directory source.
// Score and ActiveHalfYear are only used to rank and filter candidates
// during discovery; they are never persisted.
type Instance struct {
	BaseURL        string
	Score          float64
	ActiveHalfYear int64
}

// Community is one discussion group on an instance. ActorID is the
// origin server's canonical URL for the community and is the stable,
// globally unique key used throughout the ledger.
type Community struct {
	ID             int64
	Name           string
	ActorID        string
	NSFW           bool
	ActiveHalfYear int64
}

// Decision is the scanner's classification for one community.
type Decision int

const (
	// DecisionSkip means the community does not qualify, or the ledger
	// already records a satisfying state.
	DecisionSkip Decision = iota
	// DecisionResolve means activity clears the resolve threshold only.
	DecisionResolve
	// DecisionSubscribe means activity clears the subscribe threshold.
	DecisionSubscribe
)

func (d Decision) String() string {
	switch d {
	case DecisionResolve:
		return "resolve"
	case DecisionSubscribe:
		return "subscribe"
	default:
		return "skip"
	}
}
