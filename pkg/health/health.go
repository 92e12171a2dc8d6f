// Package health implements the on-demand latency probe behind /health:
// how stale is the most recent final block compared to wall-clock time.
package health

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/fastnear/neardata-server/pkg/apperror"
	"github.com/fastnear/neardata-server/pkg/cache"
	"github.com/fastnear/neardata-server/pkg/neardata"
)

// Status is the JSON body /health renders. It is always HTTP 200; only
// the Status field flips between "ok" and "unhealthy".
type Status struct {
	Status string `json:"status"`
}

// blockHeader is the minimal shape of a cached block body this probe
// needs: the header's nanosecond timestamp.
type blockHeader struct {
	Header struct {
		TimestampNanosec json.Number `json:"timestamp_nanosec"`
	} `json:"header"`
}

// Prober checks liveness against the resolver's own cache, not a
// separate upstream: a latest node is healthy iff its view of "now" is
// not meaningfully behind the chain's most recent final block.
type Prober struct {
	cfg   neardata.AppConfig
	cache *cache.Client
}

// New returns a Prober for cfg.
func New(cfg neardata.AppConfig, cacheClient *cache.Client) *Prober {
	return &Prober{cfg: cfg, cache: cacheClient}
}

// Check runs the probe. A non-latest node is always ok: staleness is
// meaningless for a node that does not track the live tip.
func (p *Prober) Check(ctx context.Context) (Status, error) {
	if !p.cfg.IsLatest {
		return Status{Status: "ok"}, nil
	}

	last, ok, err := p.cache.GetLastHeight(ctx, p.cfg.Chain, neardata.Final)
	if err != nil {
		return Status{}, apperror.Cache(err.Error())
	}

	if !ok {
		return Status{}, apperror.Cache("last block height missing")
	}

	block, haveBlock, _, _, err := p.cache.GetBlockAndLastHeight(ctx, p.cfg.Chain, neardata.Final, last)
	if err != nil {
		return Status{}, apperror.Cache(err.Error())
	}

	if !haveBlock || block.IsTombstone() {
		return Status{}, apperror.Cache("block not cached")
	}

	var parsed blockHeader
	if err := json.Unmarshal([]byte(block), &parsed); err != nil {
		return Status{}, apperror.InternalData(fmt.Sprintf("error parsing block header: %v", err))
	}

	tsNanos, err := parsed.Header.TimestampNanosec.Int64()
	if err != nil {
		return Status{}, apperror.InternalData(fmt.Sprintf("error parsing timestamp_nanosec: %v", err))
	}

	lagMS := (time.Now().UnixNano() - tsNanos) / int64(time.Millisecond)
	if lagMS > p.cfg.MaxHealthyLatencyMS {
		return Status{Status: "unhealthy"}, nil
	}

	return Status{Status: "ok"}, nil
}
