package topology_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fastnear/neardata-server/pkg/neardata"
	"github.com/fastnear/neardata-server/pkg/topology"
)

func baseConfig() neardata.AppConfig {
	return neardata.AppConfig{
		Chain:         neardata.Mainnet,
		GenesisHeight: 9_820_210,
		IsLatest:      true,
		IsFresh:       true,
	}
}

func TestRoute_HeightBounds(t *testing.T) {
	t.Parallel()

	cfg := baseConfig()

	t.Run("too high", func(t *testing.T) {
		t.Parallel()

		d, err := topology.Route(cfg, neardata.MaxHeight+1, neardata.Final, topology.OpBlock)
		require.NoError(t, err)
		assert.Equal(t, topology.DecisionNotFound, d.Kind)
		assert.Equal(t, "BLOCK_HEIGHT_TOO_HIGH", d.NotFoundErr.Tag)
		assert.True(t, d.NotFoundErr.Cacheable24h)
	})

	t.Run("too low", func(t *testing.T) {
		t.Parallel()

		d, err := topology.Route(cfg, cfg.GenesisHeight-1, neardata.Final, topology.OpBlock)
		require.NoError(t, err)
		assert.Equal(t, topology.DecisionNotFound, d.Kind)
		assert.Equal(t, "BLOCK_HEIGHT_TOO_LOW", d.NotFoundErr.Tag)
	})

	t.Run("genesis height is in range", func(t *testing.T) {
		t.Parallel()

		d, err := topology.Route(cfg, cfg.GenesisHeight, neardata.Final, topology.OpBlock)
		require.NoError(t, err)
		assert.Equal(t, topology.DecisionLocal, d.Kind)
	})
}

func TestRoute_LastBlockNonFresh(t *testing.T) {
	t.Parallel()

	cfg := baseConfig()
	cfg.IsFresh = false
	cfg.ArchiveConfig = &neardata.ArchiveConfig{DomainName: "near-blocks.example.com"}

	d, err := topology.Route(cfg, 10_000_000, neardata.Final, topology.OpLastBlock)
	require.NoError(t, err)
	assert.Equal(t, topology.DecisionRedirect, d.Kind)
	assert.Equal(t, "https://near-blocks.example.com/v0/last_block/final", d.URL)
	assert.False(t, d.Cacheable)
}

func TestRoute_LastBlockNonFresh_MissingDomain(t *testing.T) {
	t.Parallel()

	cfg := baseConfig()
	cfg.IsFresh = false

	_, err := topology.Route(cfg, 10_000_000, neardata.Final, topology.OpLastBlock)
	require.ErrorIs(t, err, topology.ErrMissingDomain)
}

func TestRoute_LastBlockFreshOwnsTopSlice(t *testing.T) {
	t.Parallel()

	cfg := baseConfig()
	cfg.ArchiveConfig = &neardata.ArchiveConfig{
		ArchiveBoundaries: []neardata.Height{50_000_000, 100_000_000},
		DomainName:        "near-blocks.example.com",
		ArchiveIndex:      2,
	}

	d, err := topology.Route(cfg, cfg.GenesisHeight, neardata.Final, topology.OpLastBlock)
	require.NoError(t, err)
	assert.Equal(t, topology.DecisionLocal, d.Kind)
}

func TestRoute_ArchiveSlice(t *testing.T) {
	t.Parallel()

	cfg := baseConfig()
	cfg.ArchiveConfig = &neardata.ArchiveConfig{
		ArchiveBoundaries: []neardata.Height{50_000_000, 100_000_000},
		DomainName:        "near-blocks.example.com",
		ArchiveIndex:      0,
	}

	t.Run("owned slice stays local", func(t *testing.T) {
		t.Parallel()

		d, err := topology.Route(cfg, 10_000_000, neardata.Final, topology.OpBlock)
		require.NoError(t, err)
		assert.Equal(t, topology.DecisionLocal, d.Kind)
	})

	t.Run("foreign slice redirects", func(t *testing.T) {
		t.Parallel()

		d, err := topology.Route(cfg, 60_000_000, neardata.Final, topology.OpBlock)
		require.NoError(t, err)
		assert.Equal(t, topology.DecisionRedirect, d.Kind)
		assert.Equal(t, "https://a1.near-blocks.example.com/v0/block/60000000", d.URL)
		assert.True(t, d.Cacheable)
	})

	t.Run("beyond last boundary redirects to final slice", func(t *testing.T) {
		t.Parallel()

		d, err := topology.Route(cfg, 200_000_000, neardata.Final, topology.OpBlock)
		require.NoError(t, err)
		assert.Equal(t, topology.DecisionRedirect, d.Kind)
		assert.Equal(t, "https://a2.near-blocks.example.com/v0/block/200000000", d.URL)
	})
}

func TestRoute_OptimisticOnNonFresh(t *testing.T) {
	t.Parallel()

	cfg := baseConfig()
	cfg.IsFresh = false
	cfg.ArchiveConfig = &neardata.ArchiveConfig{DomainName: "near-blocks.example.com"}

	d, err := topology.Route(cfg, 10_000_000, neardata.Optimistic, topology.OpBlock)
	require.NoError(t, err)
	assert.Equal(t, topology.DecisionRedirect, d.Kind)
	assert.Equal(t, "https://near-blocks.example.com/v0/block_opt/10000000", d.URL)
	assert.True(t, d.Cacheable)
}

func TestRoute_LocalFreshFinal(t *testing.T) {
	t.Parallel()

	cfg := baseConfig()

	d, err := topology.Route(cfg, 10_000_000, neardata.Final, topology.OpBlock)
	require.NoError(t, err)
	assert.Equal(t, topology.DecisionLocal, d.Kind)
}
