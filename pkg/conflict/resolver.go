package conflict

import (
	"log/slog"
	"slices"

	"mercator-hq/concord/pkg/rule"
)

// Candidate is one side of an evaluation conflict: an effective rule and
// the action it prescribes for the contested target.
type Candidate struct {
	Rule   *rule.Rule
	Action rule.Action
}

// Resolution is the outcome of Resolve.
type Resolution struct {
	// Strategy is the effective strategy selected for the candidate set.
	Strategy rule.Strategy

	// DecidedBy is the strategy that actually produced the winner. It
	// differs from Strategy when resolution fell through. Empty when
	// unresolved.
	DecidedBy rule.Strategy

	// Winner indexes the winning candidate, -1 when unresolved.
	Winner int

	// Escalated is set when the conflict needs manual resolution.
	Escalated bool

	// Reason describes why the conflict could not be resolved.
	Reason string
}

// Resolved reports whether a winner was found.
func (r Resolution) Resolved() bool {
	return r.Winner >= 0
}

// Options configures a Resolver.
type Options struct {
	// DefaultStrategy applies to candidates that name none.
	// Default: highest_priority
	DefaultStrategy rule.Strategy

	// MinQuorum is the lower bound of the consensus threshold.
	// Default: 2
	MinQuorum int

	Logger *slog.Logger
}

// Resolver applies conflict strategies. It holds no mutable state and is
// safe for concurrent use.
type Resolver struct {
	defaultStrategy rule.Strategy
	minQuorum       int
	logger          *slog.Logger
}

// NewResolver creates a resolver.
func NewResolver(opts Options) *Resolver {
	if opts.DefaultStrategy == "" {
		opts.DefaultStrategy = rule.StrategyHighestPriority
	}
	if opts.MinQuorum <= 0 {
		opts.MinQuorum = 2
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Resolver{
		defaultStrategy: opts.DefaultStrategy,
		minQuorum:       opts.MinQuorum,
		logger:          opts.Logger.With("component", "conflict.resolver"),
	}
}

// MinQuorum returns the configured quorum floor.
func (r *Resolver) MinQuorum() int {
	return r.minQuorum
}

var strategyPrecedence = []rule.Strategy{
	rule.StrategyOverride,
	rule.StrategyConsensus,
	rule.StrategyHighestPriority,
	rule.StrategyMostSpecific,
	rule.StrategyLatestCreated,
}

var fallthroughChain = []rule.Strategy{
	rule.StrategyHighestPriority,
	rule.StrategyMostSpecific,
	rule.StrategyLatestCreated,
}

// EffectiveStrategy returns the strategy shared by every candidate, or the
// highest-precedence one named by any of them.
func (r *Resolver) EffectiveStrategy(cands []Candidate) rule.Strategy {
	named := make(map[rule.Strategy]bool)
	for _, c := range cands {
		s := c.Rule.Strategy
		if s == "" {
			s = r.defaultStrategy
		}
		named[s] = true
	}
	if len(named) == 1 {
		for s := range named {
			return s
		}
	}
	for _, s := range strategyPrecedence {
		if named[s] {
			return s
		}
	}
	return r.defaultStrategy
}

// Resolve picks a winner among candidates that disagree on one target.
// It never drops a side silently: when nothing decides, the Resolution is
// unresolved and the caller reports every candidate.
func (r *Resolver) Resolve(cands []Candidate) Resolution {
	res := Resolution{Winner: -1}
	if len(cands) == 0 {
		res.Reason = "no candidates"
		return res
	}
	res.Strategy = r.EffectiveStrategy(cands)
	if len(cands) == 1 {
		res.Winner = 0
		res.DecidedBy = res.Strategy
		return res
	}

	switch res.Strategy {
	case rule.StrategyOverride:
		if w := designated(cands); w >= 0 {
			res.Winner, res.DecidedBy = w, rule.StrategyOverride
			return res
		}
		return r.fallThrough(cands, res, fallthroughChain)

	case rule.StrategyConsensus:
		if w, ok := r.consensus(cands); ok {
			res.Winner, res.DecidedBy = w, rule.StrategyConsensus
			return res
		}
		if w := designated(cands); w >= 0 {
			res.Winner, res.DecidedBy = w, rule.StrategyOverride
			return res
		}
		res.Escalated = true
		res.Reason = "consensus below quorum"
		r.logger.Debug("conflict escalated", "target", cands[0].Action.Target, "candidates", len(cands))
		return res

	default:
		start := slices.Index(fallthroughChain, res.Strategy)
		if start < 0 {
			start = 0
		}
		return r.fallThrough(cands, res, fallthroughChain[start:])
	}
}

func (r *Resolver) fallThrough(cands []Candidate, res Resolution, chain []rule.Strategy) Resolution {
	for _, s := range chain {
		if w := decide(s, cands); w >= 0 {
			res.Winner, res.DecidedBy = w, s
			return res
		}
	}
	res.Escalated = true
	res.Reason = "candidates tie on priority, specificity and creation time"
	return res
}

// decide applies one ordering strategy and returns the unique best
// candidate, or -1 on a tie for first place.
func decide(s rule.Strategy, cands []Candidate) int {
	var key func(c Candidate) int64
	switch s {
	case rule.StrategyHighestPriority:
		key = func(c Candidate) int64 { return int64(c.Rule.Priority) }
	case rule.StrategyMostSpecific:
		key = func(c Candidate) int64 { return int64(c.Rule.Scope.Depth()) }
	case rule.StrategyLatestCreated:
		key = func(c Candidate) int64 { return c.Rule.CreatedAt.UnixNano() }
	default:
		return -1
	}
	best, bestKey, tied := -1, int64(0), false
	for i, c := range cands {
		k := key(c)
		switch {
		case best < 0 || k > bestKey:
			best, bestKey, tied = i, k, false
		case k == bestKey:
			tied = true
		}
	}
	if tied {
		return -1
	}
	return best
}

// designated returns the candidate named by a conflict_winner designation.
// Designations that point at different candidates cancel each other out.
func designated(cands []Candidate) int {
	winner := -1
	for _, c := range cands {
		if c.Rule.ConflictWinner == "" {
			continue
		}
		for i, o := range cands {
			if o.Rule.ID != c.Rule.ConflictWinner {
				continue
			}
			if winner >= 0 && winner != i {
				return -1
			}
			winner = i
		}
	}
	return winner
}
