// Package archive reads cold block bundles from local disk. A bundle is a
// gzipped tar file covering SaveEveryN consecutive heights, named by the
// floor of the first height it covers.
package archive

import (
	"archive/tar"
	"compress/gzip"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/rs/zerolog"

	"github.com/fastnear/neardata-server/pkg/neardata"
)

// ErrCorruptArchive is returned when the gzip or tar stream is malformed.
// A missing file is not an error (it yields an all-tombstone sequence);
// a corrupt one is fatal for the request that triggered the read.
var ErrCorruptArchive = errors.New("corrupt archive")

// Entry is one height's worth of data out of a bundle. A height not
// present as a tar entry renders as a tombstone block, identically to a
// height that the chain never produced.
type Entry struct {
	Height neardata.Height
	Block  neardata.Block
}

// startingBlock returns floor(h/n)*n.
func startingBlock(h neardata.Height, saveEveryN uint64) neardata.Height {
	return neardata.Height((uint64(h) / saveEveryN) * saveEveryN)
}

// Filename returns the deterministic path of the bundle covering h. It is
// idempotent: every height in the same bundle maps to the same path.
//
// <path>/<chain>/<AAAAAA>/<BBB>/<AAAAAABBBCCC>.tgz
func Filename(cfg neardata.ReadConfig, chain neardata.ChainID, h neardata.Height) string {
	start := startingBlock(h, cfg.SaveEveryN)
	padded := fmt.Sprintf("%012d", uint64(start))

	return filepath.Join(cfg.Path, chain.String(), padded[:6], padded[6:9], padded+".tgz")
}

// entryName returns the 12-digit zero-padded tar entry name for a height.
func entryName(h neardata.Height) string {
	return fmt.Sprintf("%012d.json", uint64(h))
}

// ReadBlocks opens the bundle covering h and returns a dense sequence of
// SaveEveryN entries, from floor(h/N)*N to floor(h/N)*N + N - 1. A missing
// file logs and yields an all-tombstone sequence; a corrupt file returns
// ErrCorruptArchive.
//
// This performs blocking file I/O; callers must run it on a goroutine that
// is permitted to block (see pkg/resolver's extraction pool).
func ReadBlocks(
	ctx context.Context,
	cfg neardata.ReadConfig,
	chain neardata.ChainID,
	h neardata.Height,
) ([]Entry, error) {
	start := startingBlock(h, cfg.SaveEveryN)
	filename := Filename(cfg, chain, h)

	raw, err := readArchive(ctx, filename)
	if err != nil {
		return nil, err
	}

	entries := make([]Entry, cfg.SaveEveryN)

	for i := range entries {
		height := start + neardata.Height(i)
		entries[i] = Entry{
			Height: height,
			Block:  neardata.Block(raw[entryName(height)]),
		}
	}

	return entries, nil
}

// readArchive streams a gzipped tar bundle into a name -> contents map. A
// missing file is logged and returns an empty map rather than an error.
func readArchive(ctx context.Context, path string) (map[string]string, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			zerolog.Ctx(ctx).Error().Str("path", path).Msg("archive file not found")

			return map[string]string{}, nil
		}

		return nil, fmt.Errorf("error opening archive %q: %w", path, err)
	}
	defer f.Close()

	gz, err := gzip.NewReader(f)
	if err != nil {
		return nil, fmt.Errorf("%w: error opening gzip stream %q: %v", ErrCorruptArchive, path, err)
	}
	defer gz.Close()

	out := make(map[string]string)
	tr := tar.NewReader(gz)

	for {
		hdr, err := tr.Next()
		if errors.Is(err, io.EOF) {
			break
		}

		if err != nil {
			return nil, fmt.Errorf("%w: error reading tar entry in %q: %v", ErrCorruptArchive, path, err)
		}

		if hdr.Typeflag != tar.TypeReg {
			continue
		}

		content, err := io.ReadAll(tr)
		if err != nil {
			return nil, fmt.Errorf("%w: error reading tar content in %q: %v", ErrCorruptArchive, path, err)
		}

		out[hdr.Name] = string(content)
	}

	return out, nil
}
