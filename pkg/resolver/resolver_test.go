package resolver_test

import (
	"archive/tar"
	"compress/gzip"
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fastnear/neardata-server/pkg/apperror"
	"github.com/fastnear/neardata-server/pkg/archive"
	"github.com/fastnear/neardata-server/pkg/cache"
	"github.com/fastnear/neardata-server/pkg/neardata"
	"github.com/fastnear/neardata-server/pkg/resolver"
	"github.com/fastnear/neardata-server/testhelper"
)

func baseConfig() neardata.AppConfig {
	return neardata.AppConfig{
		Chain:         neardata.Mainnet,
		GenesisHeight: 0,
		IsLatest:      true,
		IsFresh:       true,
	}
}

func TestResolve_DoneFromCache(t *testing.T) {
	t.Parallel()

	rdb, mr := testhelper.NewRedis(t)
	c := cache.New(rdb)
	r := resolver.New(baseConfig(), c)

	require.NoError(t, mr.Set("b:mainnet:100", `{"header":{"height":100}}`))
	require.NoError(t, mr.Set("meta:mainnet:last_block", "150"))

	out, err := r.Resolve(context.Background(), neardata.Final, 100)
	require.NoError(t, err)
	assert.Equal(t, resolver.OutcomeDone, out.Kind)
	assert.Equal(t, neardata.Block(`{"header":{"height":100}}`), out.Block)
}

func TestResolve_LastHeightMissingIsFatal(t *testing.T) {
	t.Parallel()

	rdb, _ := testhelper.NewRedis(t)
	c := cache.New(rdb)
	r := resolver.New(baseConfig(), c)

	_, err := r.Resolve(context.Background(), neardata.Final, 100)
	require.Error(t, err)

	var appErr *apperror.Error
	require.ErrorAs(t, err, &appErr)
	assert.Equal(t, apperror.KindCache, appErr.Kind)
}

func TestResolve_TooFarInFuture(t *testing.T) {
	t.Parallel()

	rdb, mr := testhelper.NewRedis(t)
	c := cache.New(rdb)
	r := resolver.New(baseConfig(), c)

	require.NoError(t, mr.Set("meta:mainnet:last_block", "100"))

	_, err := r.Resolve(context.Background(), neardata.Final, 200)
	require.Error(t, err)

	var appErr *apperror.Error
	require.ErrorAs(t, err, &appErr)
	assert.Equal(t, apperror.KindNotFound, appErr.Kind)
	assert.Equal(t, apperror.TagBlockDoesNotExist, appErr.Tag)
	assert.False(t, appErr.Cacheable24h)
}

func TestResolve_NearFutureWaitsThenServes(t *testing.T) {
	t.Parallel()

	rdb, mr := testhelper.NewRedis(t)
	c := cache.New(rdb)
	r := resolver.New(baseConfig(), c)

	require.NoError(t, mr.Set("meta:mainnet:last_block", "100"))

	go func() {
		time.Sleep(20 * time.Millisecond)
		require.NoError(t, mr.Set("b:mainnet:102", `{"header":{"height":102}}`))
		require.NoError(t, mr.Set("meta:mainnet:last_block", "102"))
		mr.Publish("notify:mainnet:102", "1")
	}()

	out, err := r.Resolve(context.Background(), neardata.Final, 102)
	require.NoError(t, err)
	assert.Equal(t, resolver.OutcomeDone, out.Kind)
	assert.Equal(t, neardata.Block(`{"header":{"height":102}}`), out.Block)
}

func TestResolve_SkewIsFatal(t *testing.T) {
	t.Parallel()

	rdb, mr := testhelper.NewRedis(t)
	c := cache.New(rdb)
	r := resolver.New(baseConfig(), c)

	require.NoError(t, mr.Set("meta:mainnet:last_block", "100"))

	_, err := r.Resolve(context.Background(), neardata.Final, 95)
	require.Error(t, err)

	var appErr *apperror.Error
	require.ErrorAs(t, err, &appErr)
	assert.Equal(t, apperror.KindCache, appErr.Kind)
}

func TestResolve_OptimisticDeepHistoryRedirectsToFinal(t *testing.T) {
	t.Parallel()

	rdb, mr := testhelper.NewRedis(t)
	c := cache.New(rdb)
	r := resolver.New(baseConfig(), c)

	require.NoError(t, mr.Set("meta:mainnet_opt:last_block", "100"))

	out, err := r.Resolve(context.Background(), neardata.Optimistic, 10)
	require.NoError(t, err)
	assert.Equal(t, resolver.OutcomeRedirect, out.Kind)
	assert.Equal(t, "/v0/block/10", out.RedirectURL)
	assert.True(t, out.Cacheable)
}

func TestResolve_NoReadConfigRedirectsToArchive(t *testing.T) {
	t.Parallel()

	rdb, mr := testhelper.NewRedis(t)
	c := cache.New(rdb)

	cfg := baseConfig()
	cfg.IsLatest = false
	cfg.ArchiveConfig = &neardata.ArchiveConfig{
		ArchiveBoundaries: []neardata.Height{50_000_000},
		DomainName:        "near-blocks.example.com",
	}
	r := resolver.New(cfg, c)

	require.NoError(t, mr.Set("meta:mainnet:last_block", "100"))

	out, err := r.Resolve(context.Background(), neardata.Final, 10)
	require.NoError(t, err)
	assert.Equal(t, resolver.OutcomeRedirect, out.Kind)
	assert.Equal(t, "https://a1.near-blocks.example.com/v0/block/10", out.RedirectURL)
	assert.True(t, out.Cacheable)
}

func writeBundle(t *testing.T, path string, entries map[string]string) {
	t.Helper()

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
}

func TestResolve_ExtractsFromArchiveAndBackfillsCache(t *testing.T) {
	t.Parallel()

	rdb, mr := testhelper.NewRedis(t)
	c := cache.New(rdb)

	dir := t.TempDir()
	cfg := baseConfig()
	cfg.IsLatest = false
	cfg.ReadConfig = &neardata.ReadConfig{Path: dir, SaveEveryN: 5}
	r := resolver.New(cfg, c)

	require.NoError(t, mr.Set("meta:mainnet:last_block", "1000"))

	bundlePath := archive.Filename(*cfg.ReadConfig, neardata.Mainnet, 10)
	writeBundle(t, bundlePath, map[string]string{
		"000000000010.json": `{"header":{"height":10}}`,
	})

	out, err := r.Resolve(context.Background(), neardata.Final, 10)
	require.NoError(t, err)
	assert.Equal(t, resolver.OutcomeDone, out.Kind)
	assert.Equal(t, neardata.Block(`{"header":{"height":10}}`), out.Block)

	require.Eventually(t, func() bool {
		v, err := mr.Get("b:mainnet:11")

		return err == nil && v == ""
	}, time.Second, 10*time.Millisecond)
}
