// Package resolver implements the state machine that turns a (finality,
// height) request into either a resolved block or a redirect: Query,
// Wait, AwaitPeer, Extract and Done, looping until one of those terminal
// outcomes is reached or the iteration cap trips.
package resolver

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/fastnear/neardata-server/pkg/apperror"
	"github.com/fastnear/neardata-server/pkg/archive"
	"github.com/fastnear/neardata-server/pkg/cache"
	"github.com/fastnear/neardata-server/pkg/neardata"
)

// maxIterations bounds the Query/Wait/AwaitPeer loop against pathological
// cases (e.g. a writer that never advances last_block).
const maxIterations = 64

// loserBackoff is how long a request that lost the archive read-attempt
// race sleeps before re-querying the cache.
const loserBackoff = 100 * time.Millisecond

// nearFutureWindow is the inclusive lag bound past which a latest node
// treats a request as "too far in the future" rather than worth waiting
// on.
const nearFutureWindow = 10

// OutcomeKind selects which branch of Outcome is populated.
type OutcomeKind int

const (
	// OutcomeDone carries a resolved block, possibly a tombstone.
	OutcomeDone OutcomeKind = iota
	// OutcomeRedirect means the caller must 302 to URL.
	OutcomeRedirect
)

// Outcome is what Resolve returns on success.
type Outcome struct {
	Kind OutcomeKind

	Block neardata.Block

	RedirectURL string
	Cacheable   bool
}

// MetricsRecorder receives resolver-loop observability events. A Resolver
// without one attached (the zero value, nil) simply records nothing.
type MetricsRecorder interface {
	ResolverOutcome(kind string)
	ArchiveRead(ok bool)
}

// Resolver runs the resolution loop for one node's configuration.
type Resolver struct {
	cfg   neardata.AppConfig
	cache *cache.Client

	extractSem chan struct{}

	mu       sync.Mutex
	inflight map[string]chan struct{}

	metrics MetricsRecorder
}

// New builds a Resolver over cfg. The extraction pool is sized by
// GOMAXPROCS so synchronous decompression cannot starve request handling.
func New(cfg neardata.AppConfig, cacheClient *cache.Client) *Resolver {
	workers := runtime.GOMAXPROCS(0)
	if workers < 1 {
		workers = 1
	}

	return &Resolver{
		cfg:        cfg,
		cache:      cacheClient,
		extractSem: make(chan struct{}, workers),
		inflight:   make(map[string]chan struct{}),
	}
}

// SetMetrics attaches a MetricsRecorder. Safe to call once before the
// Resolver starts serving requests; nil disables recording.
func (r *Resolver) SetMetrics(m MetricsRecorder) { r.metrics = m }

func (r *Resolver) recordOutcome(kind string) {
	if r.metrics != nil {
		r.metrics.ResolverOutcome(kind)
	}
}

// outcomeMetricKind labels a terminal branch() result for the metrics
// recorder: a typed NotFound error, any other error, or the outcome's own
// kind.
func outcomeMetricKind(outcome Outcome, err error) string {
	if err != nil {
		var appErr *apperror.Error
		if errors.As(err, &appErr) && appErr.Kind == apperror.KindNotFound {
			return "not_found"
		}

		return "cache_error"
	}

	switch outcome.Kind {
	case OutcomeDone:
		return "done"
	case OutcomeRedirect:
		return "redirect"
	default:
		return "unknown"
	}
}

// LastHeight returns the greatest published height for (chain, finality),
// used by the /v0/last_block handler to compute its redirect target.
func (r *Resolver) LastHeight(ctx context.Context, finality neardata.Finality) (neardata.Height, bool, error) {
	return r.cache.GetLastHeight(ctx, r.cfg.Chain, finality)
}

// Resolve runs the state machine for a single (finality, height) request.
func (r *Resolver) Resolve(ctx context.Context, finality neardata.Finality, h neardata.Height) (Outcome, error) {
	for iter := 0; iter < maxIterations; iter++ {
		block, haveBlock, last, haveLast, err := r.cache.GetBlockAndLastHeight(ctx, r.cfg.Chain, finality, h)
		if err != nil {
			r.recordOutcome("cache_error")

			return Outcome{}, apperror.Cache(err.Error())
		}

		if haveBlock {
			r.recordOutcome("done")

			return Outcome{Kind: OutcomeDone, Block: block}, nil
		}

		if !haveLast {
			r.recordOutcome("cache_error")

			return Outcome{}, apperror.Cache("last block height missing")
		}

		outcome, terminal, err := r.branch(ctx, finality, h, last)
		if terminal {
			r.recordOutcome(outcomeMetricKind(outcome, err))

			return outcome, err
		}
		// Neither terminal nor erroring: Wait/AwaitPeer-loser paths fall
		// through here and re-query on the next iteration.
	}

	r.recordOutcome("cache_error")

	return Outcome{}, apperror.Cache("resolution did not converge within the iteration cap")
}

// branch implements step 2 of the state machine: given (None, Some(last)),
// decide among the near-future, skew, optimistic, no-read-config and
// deep-history-extract cases. The second return is true when the caller
// should stop looping (a terminal Outcome or error), false when it should
// re-enter Query.
func (r *Resolver) branch(
	ctx context.Context,
	finality neardata.Finality,
	h, last neardata.Height,
) (Outcome, bool, error) {
	if r.cfg.IsLatest && h > last+nearFutureWindow {
		return Outcome{}, true, apperror.NotFound(
			apperror.TagBlockDoesNotExist,
			"too far in the future",
			false,
		)
	}

	if r.cfg.IsLatest && h > last {
		timeout := time.Duration(1000*(uint64(h)-uint64(last)+1)) * time.Millisecond
		if err := r.cache.WaitForBlock(ctx, r.cfg.Chain, finality, h, timeout); err != nil {
			return Outcome{}, true, apperror.Cache(err.Error())
		}

		return Outcome{}, false, nil
	}

	if r.cfg.IsLatest && h <= last && int64(last)-int64(h) < nearFutureWindow {
		return Outcome{}, true, apperror.Cache("block not cached")
	}

	if finality == neardata.Optimistic {
		return Outcome{
			Kind:        OutcomeRedirect,
			RedirectURL: fmt.Sprintf("/v0/block/%d", uint64(h)),
			Cacheable:   true,
		}, true, nil
	}

	if !r.cfg.CanReadArchive() {
		domain := ""
		index := 0

		if r.cfg.ArchiveConfig != nil {
			domain = r.cfg.ArchiveConfig.DomainName
			index = len(r.cfg.ArchiveConfig.ArchiveBoundaries)
		}

		return Outcome{
			Kind:        OutcomeRedirect,
			RedirectURL: fmt.Sprintf("https://a%d.%s/v0/block/%d", index, domain, uint64(h)),
			Cacheable:   true,
		}, true, nil
	}

	won, release, err := r.awaitPeer(ctx, h)
	if err != nil {
		return Outcome{}, true, apperror.Cache(err.Error())
	}

	if !won {
		select {
		case <-time.After(loserBackoff):
		case <-ctx.Done():
			return Outcome{}, true, apperror.Cache(ctx.Err().Error())
		}

		return Outcome{}, false, nil
	}

	entry, err := r.extract(ctx, finality, h)
	release()

	if err != nil {
		return Outcome{}, true, apperror.Cache(err.Error())
	}

	return Outcome{Kind: OutcomeDone, Block: entry}, true, nil
}

// awaitPeer is the in-process single-flight fast path in front of the
// cross-process archive attempt-lock: concurrent local requests for the
// same archive file join one outstanding extraction instead of each
// calling AcquireArchiveReadAttempt. On a win it returns a release func
// the caller must invoke once extraction actually finishes — not before —
// so in-process followers parked on doneC wake up once the bundle has been
// read and its backfill handed to SetManyBlocks (which writes in the
// background), rather than as soon as the lock RPC returns. On a
// loss (locally or cross-process) release is nil, since there is nothing
// for this call to wait out beyond the attempt RPC itself.
func (r *Resolver) awaitPeer(ctx context.Context, h neardata.Height) (won bool, release func(), err error) {
	filename := archive.Filename(*r.cfg.ReadConfig, r.cfg.Chain, h)

	r.mu.Lock()

	doneC, inFlight := r.inflight[filename]
	if inFlight {
		r.mu.Unlock()

		select {
		case <-doneC:
		case <-ctx.Done():
			return false, nil, ctx.Err()
		}

		return false, nil, nil
	}

	doneC = make(chan struct{})
	r.inflight[filename] = doneC
	r.mu.Unlock()

	release = func() {
		r.mu.Lock()
		delete(r.inflight, filename)
		r.mu.Unlock()
		close(doneC)
	}

	won, err = r.cache.AcquireArchiveReadAttempt(ctx, filename)
	if !won || err != nil {
		release()

		return won, nil, err
	}

	return true, release, nil
}

// extract runs the blocking tar/gzip read on the extraction pool, locates
// h's entry, and fires off the whole-bundle backfill.
func (r *Resolver) extract(ctx context.Context, finality neardata.Finality, h neardata.Height) (neardata.Block, error) {
	select {
	case r.extractSem <- struct{}{}:
	case <-ctx.Done():
		return "", ctx.Err()
	}
	defer func() { <-r.extractSem }()

	entries, err := archive.ReadBlocks(ctx, *r.cfg.ReadConfig, r.cfg.Chain, h)
	if r.metrics != nil {
		r.metrics.ArchiveRead(err == nil)
	}

	if err != nil {
		return "", err
	}

	r.cache.SetManyBlocks(r.cfg.Chain, finality, entries)

	for _, e := range entries {
		if e.Height == h {
			return e.Block, nil
		}
	}

	zerolog.Ctx(ctx).Error().
		Uint64("height", uint64(h)).
		Msg("extracted bundle did not contain requested height")

	return "", fmt.Errorf("height %d not found in extracted bundle", uint64(h))
}
