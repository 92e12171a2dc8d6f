package archive_test

import (
	"archive/tar"
	"compress/gzip"
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fastnear/neardata-server/pkg/archive"
	"github.com/fastnear/neardata-server/pkg/neardata"
)

func TestFilename(t *testing.T) {
	t.Parallel()

	cfg := neardata.ReadConfig{Path: "/data", SaveEveryN: 1000}

	got := archive.Filename(cfg, neardata.Mainnet, 9_820_456)
	want := filepath.Join("/data", "mainnet", "000009", "820", "000009820000.tgz")
	assert.Equal(t, want, got)

	// Every height in the same bundle maps to the same path.
	assert.Equal(t, got, archive.Filename(cfg, neardata.Mainnet, 9_820_999))
}

func writeBundle(t *testing.T, dir string, name string, entries map[string]string) string {
	t.Helper()

	path := filepath.Join(dir, name)
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))

	f, err := os.Create(path)
	require.NoError(t, err)
	defer f.Close()

	gz := gzip.NewWriter(f)
	defer gz.Close()

	tw := tar.NewWriter(gz)
	defer tw.Close()

	for name, content := range entries {
		require.NoError(t, tw.WriteHeader(&tar.Header{
			Name:     name,
			Typeflag: tar.TypeReg,
			Size:     int64(len(content)),
			Mode:     0o644,
		}))
		_, err := tw.Write([]byte(content))
		require.NoError(t, err)
	}

	return path
}

func TestReadBlocks(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	cfg := neardata.ReadConfig{Path: dir, SaveEveryN: 5}

	bundlePath := archive.Filename(cfg, neardata.Mainnet, 10)
	writeBundle(t, dir, mustRel(t, dir, bundlePath), map[string]string{
		"000000000010.json": `{"header":{"height":10}}`,
		"000000000012.json": `{"header":{"height":12}}`,
	})

	entries, err := archive.ReadBlocks(context.Background(), cfg, neardata.Mainnet, 10)
	require.NoError(t, err)
	require.Len(t, entries, 5)

	byHeight := make(map[neardata.Height]archive.Entry, len(entries))
	for _, e := range entries {
		byHeight[e.Height] = e
	}

	assert.Equal(t, neardata.Block(`{"header":{"height":10}}`), byHeight[10].Block)
	assert.Equal(t, neardata.Block(`{"header":{"height":12}}`), byHeight[12].Block)
	assert.True(t, byHeight[11].Block.IsTombstone())
	assert.True(t, byHeight[14].Block.IsTombstone())
}

func TestReadBlocks_MissingFileYieldsTombstones(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	cfg := neardata.ReadConfig{Path: dir, SaveEveryN: 5}

	entries, err := archive.ReadBlocks(context.Background(), cfg, neardata.Mainnet, 10)
	require.NoError(t, err)
	require.Len(t, entries, 5)

	for _, e := range entries {
		assert.True(t, e.Block.IsTombstone())
	}
}

func TestReadBlocks_CorruptArchive(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	cfg := neardata.ReadConfig{Path: dir, SaveEveryN: 5}

	bundlePath := archive.Filename(cfg, neardata.Mainnet, 10)
	require.NoError(t, os.MkdirAll(filepath.Dir(bundlePath), 0o755))
	require.NoError(t, os.WriteFile(bundlePath, []byte("not a gzip stream"), 0o644))

	_, err := archive.ReadBlocks(context.Background(), cfg, neardata.Mainnet, 10)
	require.ErrorIs(t, err, archive.ErrCorruptArchive)
}

func mustRel(t *testing.T, base, target string) string {
	t.Helper()

	rel, err := filepath.Rel(base, target)
	require.NoError(t, err)

	return rel
}
