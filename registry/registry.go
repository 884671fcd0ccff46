// Package registry keeps the bracketed endpoint sets a multirpc client
// works against. Endpoints are grouped by role (view or transaction)
// into ordered sub-brackets: everything inside one sub-bracket is
// raced, and the next sub-bracket is only reached when the previous
// one is exhausted.
package registry

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/hashicorp/go-hclog"
	"github.com/hashicorp/go-multierror"
	"github.com/sethvargo/go-retry"
	"golang.org/x/sync/errgroup"
)

// Role selects which endpoint bracket serves an operation.
type Role string

const (
	RoleView        Role = "view"
	RoleTransaction Role = "transaction"
)

const (
	// DefaultMaxPerBracket caps the URLs of one sub-bracket.
	DefaultMaxPerBracket = 5

	// DefaultProbeTimeout bounds one reachability probe attempt.
	DefaultProbeTimeout = 5 * time.Second

	// DefaultProbeAttempts is how often a URL is probed before it is
	// dropped for the session.
	DefaultProbeAttempts = 3

	// chainIDTimeout bounds one endpoint's answer during the chain id
	// walk.
	chainIDTimeout = 2 * time.Second

	probeBackoff      = 500 * time.Millisecond
	maxParallelProbes = 8
)

// SubBracketConfig names one escalation tier and the URLs raced in it.
type SubBracketConfig struct {
	Key  string   `mapstructure:"key" yaml:"key"`
	URLs []string `mapstructure:"urls" yaml:"urls"`
}

// Config holds the per-role bracket definitions. Sub-bracket order is
// escalation order. A role takes either the explicit sub-bracket form
// or a flat URL list, which is chunked into sub-brackets of
// MaxPerBracket; giving both for one role is a configuration error.
type Config struct {
	View        []SubBracketConfig `mapstructure:"view" yaml:"view"`
	Transaction []SubBracketConfig `mapstructure:"transaction" yaml:"transaction"`

	ViewURLs        []string `mapstructure:"viewUrls" yaml:"viewUrls"`
	TransactionURLs []string `mapstructure:"transactionUrls" yaml:"transactionUrls"`

	// MaxPerBracket caps how many URLs one sub-bracket may hold. Zero
	// means DefaultMaxPerBracket.
	MaxPerBracket int `mapstructure:"maxPerBracket" yaml:"maxPerBracket"`
}

type roleConfig struct {
	role Role
	subs []SubBracketConfig
}

// roles returns the configured brackets in a fixed order, view first.
func (c Config) roles() []roleConfig {
	return []roleConfig{
		{RoleView, c.View},
		{RoleTransaction, c.Transaction},
	}
}

// ChunkURLs turns a flat URL list into sub-brackets of at most size
// URLs each, keyed "1", "2", ... in input order.
func ChunkURLs(urls []string, size int) []SubBracketConfig {
	if size <= 0 {
		size = DefaultMaxPerBracket
	}

	var out []SubBracketConfig

	for start := 0; start < len(urls); start += size {
		end := start + size
		if end > len(urls) {
			end = len(urls)
		}

		out = append(out, SubBracketConfig{
			Key:  fmt.Sprintf("%d", len(out)+1),
			URLs: urls[start:end],
		})
	}

	return out
}

// SubBracket is one live escalation tier.
type SubBracket struct {
	Key       string
	Endpoints []*Endpoint
}

// Registry holds the probed endpoint brackets.
type Registry struct {
	logger hclog.Logger
	cfg    Config

	maxPerBracket int
	probeTimeout  time.Duration
	probeAttempts int

	mu       sync.RWMutex
	brackets map[Role][]*SubBracket
}

// Option adjusts a Registry at construction time.
type Option func(*Registry)

func WithLogger(logger hclog.Logger) Option {
	return func(r *Registry) {
		r.logger = logger
	}
}

func WithProbeTimeout(d time.Duration) Option {
	return func(r *Registry) {
		r.probeTimeout = d
	}
}

func WithProbeAttempts(n int) Option {
	return func(r *Registry) {
		r.probeAttempts = n
	}
}

// New validates the bracket shape. No I/O happens here; call Setup to
// probe and open the endpoints.
func New(cfg Config, opts ...Option) (*Registry, error) {
	r := &Registry{
		logger:        hclog.NewNullLogger(),
		cfg:           cfg,
		maxPerBracket: cfg.MaxPerBracket,
		probeTimeout:  DefaultProbeTimeout,
		probeAttempts: DefaultProbeAttempts,
	}

	if r.maxPerBracket <= 0 {
		r.maxPerBracket = DefaultMaxPerBracket
	}

	for _, opt := range opts {
		opt(r)
	}

	r.logger = r.logger.Named("registry")

	if len(cfg.ViewURLs) > 0 {
		if len(cfg.View) > 0 {
			return nil, fmt.Errorf("%w: role %s given both sub-brackets and a flat URL list",
				ErrAmbiguousBrackets, RoleView)
		}

		r.cfg.View = ChunkURLs(cfg.ViewURLs, r.maxPerBracket)
	}

	if len(cfg.TransactionURLs) > 0 {
		if len(cfg.Transaction) > 0 {
			return nil, fmt.Errorf("%w: role %s given both sub-brackets and a flat URL list",
				ErrAmbiguousBrackets, RoleTransaction)
		}

		r.cfg.Transaction = ChunkURLs(cfg.TransactionURLs, r.maxPerBracket)
	}

	if len(r.cfg.View) == 0 && len(r.cfg.Transaction) == 0 {
		return nil, ErrNoAvailableRPC
	}

	for _, rc := range r.cfg.roles() {
		role, subs := rc.role, rc.subs
		for _, sub := range subs {
			if len(sub.URLs) == 0 {
				return nil, fmt.Errorf("%w: role %s, sub-bracket %q", ErrEmptySubBracket, role, sub.Key)
			}

			if len(sub.URLs) > r.maxPerBracket {
				return nil, fmt.Errorf("%w: role %s, sub-bracket %q holds %d URLs, limit %d",
					ErrBracketOverflow, role, sub.Key, len(sub.URLs), r.maxPerBracket)
			}
		}
	}

	return r, nil
}

type probeSlot struct {
	role Role
	sub  int
	pos  int
	url  string

	ep  *Endpoint
	err error
}

// Setup probes every configured URL and keeps the reachable ones,
// preserving bracket order. A URL that stays unreachable after
// probeAttempts tries is dropped with a warning; a sub-bracket whose
// every URL is dropped fails setup with ErrEmptySubBracket carrying
// the aggregated probe errors.
func (r *Registry) Setup(ctx context.Context) error {
	var slots []*probeSlot

	for _, rc := range r.cfg.roles() {
		for si, sub := range rc.subs {
			for pi, url := range sub.URLs {
				slots = append(slots, &probeSlot{role: rc.role, sub: si, pos: pi, url: url})
			}
		}
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(maxParallelProbes)

	for _, slot := range slots {
		slot := slot

		g.Go(func() error {
			slot.ep, slot.err = r.probe(gctx, slot.url)

			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return err
	}

	brackets := map[Role][]*SubBracket{}

	for _, rc := range r.cfg.roles() {
		role := rc.role

		for si, sub := range rc.subs {
			live := &SubBracket{Key: sub.Key}
			if live.Key == "" {
				live.Key = fmt.Sprintf("%d", si+1)
			}

			var probeErrs error

			for pi := range sub.URLs {
				slot := findSlot(slots, role, si, pi)
				if slot.err != nil {
					r.logger.Warn("dropping unreachable rpc",
						"role", role, "subBracket", live.Key, "url", slot.url, "err", slot.err)

					probeErrs = multierror.Append(probeErrs, slot.err)

					continue
				}

				live.Endpoints = append(live.Endpoints, slot.ep)
			}

			// a sub-bracket with nothing live fails the whole setup:
			// silently thinning the escalation ladder would hide a
			// misconfigured tier
			if len(live.Endpoints) == 0 {
				for _, slot := range slots {
					if slot.ep != nil {
						slot.ep.Close()
					}
				}

				return fmt.Errorf("%w: role %s, sub-bracket %q: %w",
					ErrEmptySubBracket, role, live.Key, probeErrs)
			}

			brackets[role] = append(brackets[role], live)
		}
	}

	r.mu.Lock()
	r.brackets = brackets
	r.mu.Unlock()

	return nil
}

func findSlot(slots []*probeSlot, role Role, sub, pos int) *probeSlot {
	for _, s := range slots {
		if s.role == role && s.sub == sub && s.pos == pos {
			return s
		}
	}

	panic(fmt.Sprintf("no probe slot for %s/%d/%d", role, sub, pos))
}

// probe opens the endpoint and asks for its chain id, retrying flaky
// answers a few times before giving up on the URL.
func (r *Registry) probe(ctx context.Context, url string) (*Endpoint, error) {
	ep, err := Dial(ctx, url)
	if err != nil {
		return nil, err
	}

	backoff := retry.WithMaxRetries(uint64(r.probeAttempts-1), retry.NewConstant(probeBackoff))

	err = retry.Do(ctx, backoff, func(ctx context.Context) error {
		pctx, cancel := context.WithTimeout(ctx, r.probeTimeout)
		defer cancel()

		if _, err := ep.ChainID(pctx); err != nil {
			return retry.RetryableError(err)
		}

		return nil
	})
	if err != nil {
		ep.Close()

		return nil, err
	}

	return ep, nil
}

// Brackets returns the live sub-brackets of a role in escalation
// order.
func (r *Registry) Brackets(role Role) ([]*SubBracket, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	subs := r.brackets[role]
	if len(subs) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrMissingRole, role)
	}

	return subs, nil
}

// ViewOrTransaction returns the view brackets when present, otherwise
// the transaction brackets. The nonce stage reads through this so a
// transaction-only configuration still works.
func (r *Registry) ViewOrTransaction() ([]*SubBracket, error) {
	if subs, err := r.Brackets(RoleView); err == nil {
		return subs, nil
	}

	return r.Brackets(RoleTransaction)
}

// Endpoints flattens every live endpoint of a role, bracket order
// first.
func (r *Registry) Endpoints(role Role) []*Endpoint {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []*Endpoint
	for _, sub := range r.brackets[role] {
		out = append(out, sub.Endpoints...)
	}

	return out
}

// ChainID walks every live endpoint in order, giving each a short
// budget, and returns the first answer. When every endpoint fails the
// last error is returned.
func (r *Registry) ChainID(ctx context.Context) (uint64, error) {
	eps := append(r.Endpoints(RoleView), r.Endpoints(RoleTransaction)...)
	if len(eps) == 0 {
		return 0, ErrNoAvailableRPC
	}

	var lastErr error

	for _, ep := range eps {
		cctx, cancel := context.WithTimeout(ctx, chainIDTimeout)
		id, err := ep.ChainID(cctx)

		cancel()

		if err == nil {
			return id, nil
		}

		lastErr = err

		r.logger.Debug("chain id probe failed", "url", ep.URL(), "err", err)
	}

	return 0, lastErr
}

// DropViewEndpoint removes one endpoint from the view brackets, used
// when setup-time contract binding finds it unusable. Sub-brackets
// emptied this way disappear. It reports whether the view role still
// has endpoints left.
func (r *Registry) DropViewEndpoint(ep *Endpoint) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	var kept []*SubBracket

	for _, sub := range r.brackets[RoleView] {
		var eps []*Endpoint

		for _, e := range sub.Endpoints {
			if e == ep {
				e.Close()

				continue
			}

			eps = append(eps, e)
		}

		if len(eps) > 0 {
			sub.Endpoints = eps
			kept = append(kept, sub)
		}
	}

	r.brackets[RoleView] = kept

	return len(kept) > 0
}

// Close releases every endpoint handle.
func (r *Registry) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()

	closeAll(r.brackets)
	r.brackets = nil
}

func closeAll(brackets map[Role][]*SubBracket) {
	for _, subs := range brackets {
		for _, sub := range subs {
			for _, ep := range sub.Endpoints {
				ep.Close()
			}
		}
	}
}
