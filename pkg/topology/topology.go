// Package topology makes the pure routing decision that sits in front of
// the resolver: given a node's immutable configuration and a request, does
// this node serve the request locally or hand it to a sibling node via a
// 302 redirect. It touches no cache, no disk and no network; every
// decision is a function of AppConfig and the request alone.
package topology

import (
	"fmt"

	"github.com/fastnear/neardata-server/pkg/apperror"
	"github.com/fastnear/neardata-server/pkg/neardata"
)

// Operation distinguishes the two request shapes the topology layer
// special-cases; every other route (headers/chunk/shard/first_block) is
// expressed in terms of these after the HTTP layer resolves its target
// height and finality.
type Operation int

const (
	// OpBlock is a request for a single height's block.
	OpBlock Operation = iota
	// OpLastBlock is a request for the current tip.
	OpLastBlock
)

// Decision is the sum type Route returns: exactly one of Local, Redirect
// or NotFound is meaningful, selected by Kind.
type Decision struct {
	Kind DecisionKind

	// Redirect fields.
	URL       string
	Cacheable bool

	// NotFound fields.
	NotFoundErr *apperror.Error
}

// DecisionKind selects which branch of Decision is populated.
type DecisionKind int

const (
	// DecisionLocal means this node must resolve the request itself.
	DecisionLocal DecisionKind = iota
	// DecisionRedirect means the caller must 302 to URL.
	DecisionRedirect
	// DecisionNotFound means the request is out of range for any node.
	DecisionNotFound
)

// ErrMissingDomain is returned when a non-fresh node's redirect rules fire
// but its ArchiveConfig carries no DomainName to redirect to: a
// configuration error, not a request error.
var ErrMissingDomain = fmt.Errorf("non-fresh node has no archive domain configured")

// Route implements the four-step routing decision. It never reads the
// cache or touches disk; AwaitPeer/Extract decisions (the Optimistic and
// no-read-config redirects of the resolver loop) are made from inside the
// resolver instead, since they depend on the cache's last-known height.
func Route(cfg neardata.AppConfig, h neardata.Height, finality neardata.Finality, op Operation) (Decision, error) {
	if d, ok := checkHeightBounds(cfg, h); !ok {
		return d, nil
	}

	if op == OpLastBlock && !cfg.IsFresh {
		domain, err := archiveDomain(cfg)
		if err != nil {
			return Decision{}, err
		}

		// Only the finality is carried over: no trailing derived-view path
		// segment (/headers, /chunk/{s}, ...) is appended to this URL.
		return Decision{
			Kind:      DecisionRedirect,
			URL:       fmt.Sprintf("https://%s/v0/last_block/%s", domain, finality.String()),
			Cacheable: false,
		}, nil
	}

	// OpLastBlock carries no real height (a fresh node always owns the tip,
	// whichever slice that falls in), so it skips the archive-slice check
	// entirely rather than routing on a stand-in height.
	if op != OpLastBlock && cfg.ArchiveConfig != nil {
		target := cfg.ArchiveConfig.TargetIndex(h)
		if target != cfg.ArchiveConfig.ArchiveIndex {
			return Decision{
				Kind:      DecisionRedirect,
				URL:       fmt.Sprintf("https://a%d.%s/v0/block/%d", target, cfg.ArchiveConfig.DomainName, uint64(h)),
				Cacheable: true,
			}, nil
		}
	}

	if op == OpBlock && finality == neardata.Optimistic && !cfg.IsFresh {
		domain, err := archiveDomain(cfg)
		if err != nil {
			return Decision{}, err
		}

		return Decision{
			Kind:      DecisionRedirect,
			URL:       fmt.Sprintf("https://%s/v0/block_opt/%d", domain, uint64(h)),
			Cacheable: true,
		}, nil
	}

	return Decision{Kind: DecisionLocal}, nil
}

// archiveDomain returns the domain a non-fresh node redirects to.
func archiveDomain(cfg neardata.AppConfig) (string, error) {
	if cfg.ArchiveConfig == nil || cfg.ArchiveConfig.DomainName == "" {
		return "", ErrMissingDomain
	}

	return cfg.ArchiveConfig.DomainName, nil
}

// checkHeightBounds implements step 1. The bool return is false when the
// height is out of range, in which case the Decision is the NotFound to
// return immediately.
func checkHeightBounds(cfg neardata.AppConfig, h neardata.Height) (Decision, bool) {
	if h > neardata.MaxHeight {
		return Decision{
			Kind: DecisionNotFound,
			NotFoundErr: apperror.NotFound(
				apperror.TagBlockHeightTooHigh,
				fmt.Sprintf("height %d exceeds maximum", uint64(h)),
				true,
			),
		}, false
	}

	if h < cfg.GenesisHeight {
		return Decision{
			Kind: DecisionNotFound,
			NotFoundErr: apperror.NotFound(
				apperror.TagBlockHeightTooLow,
				fmt.Sprintf("height %d is below genesis %d", uint64(h), uint64(cfg.GenesisHeight)),
				true,
			),
		}, false
	}

	return Decision{}, true
}
