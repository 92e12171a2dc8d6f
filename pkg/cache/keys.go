package cache

import (
	"strconv"

	"github.com/fastnear/neardata-server/pkg/neardata"
)

// blockKey returns the cache key holding the block body for (chain,
// finality, height).
func blockKey(chain neardata.ChainID, finality neardata.Finality, h neardata.Height) string {
	return "b:" + chain.String() + finality.Suffix() + ":" + strconv.FormatUint(uint64(h), 10)
}

// lastBlockKey returns the cache key holding the greatest published height
// for (chain, finality).
func lastBlockKey(chain neardata.ChainID, finality neardata.Finality) string {
	return "meta:" + chain.String() + finality.Suffix() + ":last_block"
}

// archiveLockKey returns the cache key used to elect a single reader for an
// archive file.
func archiveLockKey(archiveFilename string) string {
	return "lock:archive:" + archiveFilename
}

// notifyChannel returns the pub/sub channel a writer publishes to when it
// learns of a new block at (chain, finality, height).
func notifyChannel(chain neardata.ChainID, finality neardata.Finality, h neardata.Height) string {
	return "notify:" + chain.String() + finality.Suffix() + ":" + strconv.FormatUint(uint64(h), 10)
}
