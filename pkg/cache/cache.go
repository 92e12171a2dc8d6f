// Package cache is a thin protocol client over the shared key-value store
// (Redis): pipelined multi-GET, TTL-bounded SET, a publish/subscribe
// primitive for the wait-for-future-block protocol, and the archive
// read-attempt lock. The reads, the attempt lock, the fire-and-forget
// writer and WaitForBlock's re-check GET go through the
// retry-with-exponential-backoff policy in retry.go; WaitForBlock's
// subscription is not retried.
package cache

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"

	"github.com/fastnear/neardata-server/pkg/archive"
	"github.com/fastnear/neardata-server/pkg/neardata"
)

// BlockTTL is how long a block body lives in the cache once written.
const BlockTTL = 60 * time.Second

// ArchiveLockTTL is how long an archive read-attempt lock lives before it
// expires without explicit release.
const ArchiveLockTTL = 3 * time.Second

// ErrLastHeightMissing describes an unset last-height pointer. GetLastHeight
// does not return it: it reports an unset pointer as ok=false with a nil
// error.
var ErrLastHeightMissing = errors.New("last block height missing")

// Client wraps a redis.Client with the key schema and retry policy the
// block-retrieval pipeline depends on.
type Client struct {
	rdb *redis.Client
}

// New returns a new cache Client over an already-connected redis.Client.
func New(rdb *redis.Client) *Client {
	return &Client{rdb: rdb}
}

// GetLastHeight returns the last-known published height for (chain,
// finality), or false if the pointer is unset. A store that is still
// unreachable after retries is reported as an error.
func (c *Client) GetLastHeight(
	ctx context.Context,
	chain neardata.ChainID,
	finality neardata.Finality,
) (neardata.Height, bool, error) {
	key := lastBlockKey(chain, finality)

	raw, err := withRetry(ctx, func(ctx context.Context) (string, error) {
		return c.rdb.Get(ctx, key).Result()
	})
	if errors.Is(err, redis.Nil) {
		return 0, false, nil
	}

	if err != nil {
		return 0, false, fmt.Errorf("error getting last height for %q: %w", key, err)
	}

	h, err := strconv.ParseUint(raw, 10, 64)
	if err != nil {
		return 0, false, fmt.Errorf("error parsing last height %q: %w", raw, err)
	}

	return neardata.Height(h), true, nil
}

// blockAndLast is the pair the pipelined read returns.
type blockAndLast struct {
	block     neardata.Block
	haveBlock bool
	last      neardata.Height
	haveLast  bool
}

// GetBlockAndLastHeight issues a pipelined two-command batch: a block GET
// followed by a last-height GET, returned atomically as the client sees
// them. This pairing is mandatory — the resolver's correctness depends on
// observing both values from the same round trip.
func (c *Client) GetBlockAndLastHeight(
	ctx context.Context,
	chain neardata.ChainID,
	finality neardata.Finality,
	h neardata.Height,
) (block neardata.Block, haveBlock bool, last neardata.Height, haveLast bool, err error) {
	bKey := blockKey(chain, finality, h)
	lKey := lastBlockKey(chain, finality)

	result, err := withRetry(ctx, func(ctx context.Context) (blockAndLast, error) {
		pipe := c.rdb.Pipeline()
		blockCmd := pipe.Get(ctx, bKey)
		lastCmd := pipe.Get(ctx, lKey)

		if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
			return blockAndLast{}, err
		}

		var bl blockAndLast

		if raw, err := blockCmd.Result(); err == nil {
			bl.block = neardata.Block(raw)
			bl.haveBlock = true
		} else if !errors.Is(err, redis.Nil) {
			return blockAndLast{}, err
		}

		if raw, err := lastCmd.Result(); err == nil {
			v, perr := strconv.ParseUint(raw, 10, 64)
			if perr != nil {
				return blockAndLast{}, fmt.Errorf("error parsing last height %q: %w", raw, perr)
			}

			bl.last = neardata.Height(v)
			bl.haveLast = true
		} else if !errors.Is(err, redis.Nil) {
			return blockAndLast{}, err
		}

		return bl, nil
	})
	if err != nil {
		return "", false, 0, false, fmt.Errorf("error pipelining block+last read: %w", err)
	}

	return result.block, result.haveBlock, result.last, result.haveLast, nil
}

// SetManyBlocks pipelines a SET with BlockTTL for every entry and spawns
// the call on a detached goroutine: it is fire-and-forget backfill and is
// explicitly not canceled if the triggering request's context ends.
// Errors are logged only.
func (c *Client) SetManyBlocks(
	chain neardata.ChainID,
	finality neardata.Finality,
	entries []archive.Entry,
) {
	go func() {
		ctx := context.Background()

		if err := c.setManyBlocks(ctx, chain, finality, entries); err != nil {
			log.Warn().
				Err(err).
				Str("chain", chain.String()).
				Str("finality", finality.String()).
				Msg("error backfilling blocks into cache")
		}
	}()
}

func (c *Client) setManyBlocks(
	ctx context.Context,
	chain neardata.ChainID,
	finality neardata.Finality,
	entries []archive.Entry,
) error {
	_, err := withRetry(ctx, func(ctx context.Context) (struct{}, error) {
		pipe := c.rdb.Pipeline()

		for _, e := range entries {
			pipe.Set(ctx, blockKey(chain, finality, e.Height), string(e.Block), BlockTTL)
		}

		_, err := pipe.Exec(ctx)

		return struct{}{}, err
	})

	return err
}

// WaitForBlock subscribes to the per-height channel, then immediately
// re-GETs the block to avoid the classic subscribe-after-publish race,
// then awaits either a publish or the timeout. It completes successfully
// on either outcome — the resolver re-checks the cache regardless of why
// WaitForBlock returned. The subscribe-then-recheck order is load-bearing:
// reversing it loses notifications published between the GET and the
// Subscribe call.
func (c *Client) WaitForBlock(
	ctx context.Context,
	chain neardata.ChainID,
	finality neardata.Finality,
	h neardata.Height,
	timeout time.Duration,
) error {
	sub := c.rdb.Subscribe(ctx, notifyChannel(chain, finality, h))
	defer sub.Close()

	if _, err := sub.Receive(ctx); err != nil {
		return fmt.Errorf("error subscribing to %s: %w", notifyChannel(chain, finality, h), err)
	}

	_, err := withRetry(ctx, func(ctx context.Context) (string, error) {
		return c.rdb.Get(ctx, blockKey(chain, finality, h)).Result()
	})
	if err == nil {
		return nil
	}

	if !errors.Is(err, redis.Nil) {
		return fmt.Errorf("error re-checking block %d after subscribing: %w", uint64(h), err)
	}

	waitCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	select {
	case <-sub.Channel():
	case <-waitCtx.Done():
	}

	return nil
}

// AcquireArchiveReadAttempt performs a SET-if-absent with ArchiveLockTTL,
// returning true iff the caller is the designated reader for this archive
// file. The lock is an optimization, not a correctness fence: if it
// expires mid-extraction two readers may briefly coexist, and since the
// extraction result is deterministic and the backfill write is an
// idempotent SET, that is harmless.
func (c *Client) AcquireArchiveReadAttempt(ctx context.Context, archiveFilename string) (bool, error) {
	key := archiveLockKey(archiveFilename)

	won, err := withRetry(ctx, func(ctx context.Context) (bool, error) {
		return c.rdb.SetNX(ctx, key, "1", ArchiveLockTTL).Result()
	})
	if err != nil {
		return false, fmt.Errorf("error acquiring archive read attempt for %q: %w", archiveFilename, err)
	}

	return won, nil
}
