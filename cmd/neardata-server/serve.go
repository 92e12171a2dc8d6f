package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/urfave/cli/v3"
	"go.uber.org/automaxprocs/maxprocs"
	"golang.org/x/sync/errgroup"

	"github.com/fastnear/neardata-server/pkg/cache"
	"github.com/fastnear/neardata-server/pkg/health"
	"github.com/fastnear/neardata-server/pkg/metrics"
	"github.com/fastnear/neardata-server/pkg/neardata"
	"github.com/fastnear/neardata-server/pkg/resolver"
	"github.com/fastnear/neardata-server/pkg/server"
)

// ErrReadConfigIncomplete is returned when exactly one of READ_PATH /
// SAVE_EVERY_N is set: the pair must arrive together or not at all.
var ErrReadConfigIncomplete = errors.New("READ_PATH and SAVE_EVERY_N must both be set, or neither")

// ErrArchiveConfigIncomplete is returned when only some of
// ARCHIVE_BOUNDARIES / ARCHIVE_INDEX / DOMAIN_NAME are set.
var ErrArchiveConfigIncomplete = errors.New(
	"ARCHIVE_BOUNDARIES, ARCHIVE_INDEX and DOMAIN_NAME must all be set, or none of them",
)

var serveCommand = &cli.Command{ //nolint:gochecknoglobals
	Name:   "serve",
	Usage:  "serve the block-retrieval HTTP façade",
	Action: serveAction,
	Flags: []cli.Flag{
		&cli.StringFlag{
			Name:     "chain-id",
			Usage:    "mainnet or testnet",
			Sources:  cli.EnvVars("CHAIN_ID"),
			Required: true,
		},
		&cli.StringFlag{
			Name:     "redis-url",
			Usage:    "URL of the shared Redis cache",
			Sources:  cli.EnvVars("REDIS_URL"),
			Required: true,
		},
		&cli.IntFlag{
			Name:     "genesis-block-height",
			Usage:    "the genesis height this chain starts at",
			Sources:  cli.EnvVars("GENESIS_BLOCK_HEIGHT"),
			Required: true,
		},
		&cli.IntFlag{
			Name:     "max-healthy-latency-ms",
			Usage:    "maximum staleness of the latest final block before /health reports unhealthy",
			Sources:  cli.EnvVars("MAX_HEALTHY_LATENCY_MS"),
			Required: true,
		},
		&cli.IntFlag{
			Name:     "port",
			Usage:    "port to listen on",
			Sources:  cli.EnvVars("PORT"),
			Required: true,
		},
		&cli.BoolFlag{
			Name:    "is-latest",
			Usage:   "whether this node serves recent finalized blocks and may read archive files",
			Sources: cli.EnvVars("IS_LATEST"),
			Value:   true,
		},
		&cli.BoolFlag{
			Name:    "is-fresh",
			Usage:   "whether this node serves /last_block and the optimistic view",
			Sources: cli.EnvVars("IS_FRESH"),
			Value:   true,
		},
		&cli.StringFlag{
			Name:    "read-path",
			Usage:   "root directory of archive bundles on local disk",
			Sources: cli.EnvVars("READ_PATH"),
		},
		&cli.IntFlag{
			Name:    "save-every-n",
			Usage:   "number of consecutive heights each archive bundle covers",
			Sources: cli.EnvVars("SAVE_EVERY_N"),
		},
		&cli.StringFlag{
			Name:    "archive-boundaries",
			Usage:   "comma-separated ascending heights bounding each archive slice",
			Sources: cli.EnvVars("ARCHIVE_BOUNDARIES"),
		},
		&cli.IntFlag{
			Name:    "archive-index",
			Usage:   "index of the archive slice this node owns",
			Sources: cli.EnvVars("ARCHIVE_INDEX"),
		},
		&cli.StringFlag{
			Name:    "domain-name",
			Usage:   "base domain used to address sibling archive nodes",
			Sources: cli.EnvVars("DOMAIN_NAME"),
		},
	},
}

func serveAction(ctx context.Context, cmd *cli.Command) error {
	logger := zerolog.Ctx(ctx).With().Str("cmd", "serve").Logger()
	ctx = logger.WithContext(ctx)

	cfg, err := buildAppConfig(cmd)
	if err != nil {
		return fmt.Errorf("error building app config: %w", err)
	}

	opts, err := redis.ParseURL(cmd.String("redis-url"))
	if err != nil {
		return fmt.Errorf("error parsing REDIS_URL: %w", err)
	}

	rdb := redis.NewClient(opts)
	defer rdb.Close()

	cacheClient := cache.New(rdb)
	res := resolver.New(cfg, cacheClient)
	prober := health.New(cfg, cacheClient)
	m := metrics.New()

	srv := server.New(cfg, res, prober, m)

	g, ctx := errgroup.WithContext(ctx)

	httpServer := &http.Server{
		BaseContext:       func(net.Listener) context.Context { return ctx },
		Addr:              fmt.Sprintf(":%d", cmd.Int("port")),
		Handler:           srv,
		ReadHeaderTimeout: 10 * time.Second,
	}

	g.Go(func() error {
		return autoMaxProcs(ctx, 30*time.Second, logger)
	})

	g.Go(func() error {
		logger.Info().
			Str("addr", httpServer.Addr).
			Str("chain", cfg.Chain.String()).
			Bool("is_latest", cfg.IsLatest).
			Bool("is_fresh", cfg.IsFresh).
			Msg("server started")

		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("error starting the HTTP listener: %w", err)
		}

		return nil
	})

	g.Go(func() error {
		<-ctx.Done()

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		logger.Info().Msg("shutting down")

		return httpServer.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}

	return nil
}

// buildAppConfig validates and assembles neardata.AppConfig from the
// serve command's flags, per the §6 rule that READ_PATH/SAVE_EVERY_N
// arrive together or not at all, and likewise for the three archive
// flags.
func buildAppConfig(cmd *cli.Command) (neardata.AppConfig, error) {
	chain, err := neardata.ParseChainID(cmd.String("chain-id"))
	if err != nil {
		return neardata.AppConfig{}, err
	}

	cfg := neardata.AppConfig{
		Chain:               chain,
		GenesisHeight:       neardata.Height(cmd.Int("genesis-block-height")),
		IsLatest:            cmd.Bool("is-latest"),
		IsFresh:             cmd.Bool("is-fresh"),
		MaxHealthyLatencyMS: int64(cmd.Int("max-healthy-latency-ms")),
	}

	readPath := cmd.String("read-path")
	saveEveryN := cmd.Int("save-every-n")

	switch {
	case readPath != "" && saveEveryN != 0:
		cfg.ReadConfig = &neardata.ReadConfig{Path: readPath, SaveEveryN: uint64(saveEveryN)}
	case readPath != "" || saveEveryN != 0:
		return neardata.AppConfig{}, ErrReadConfigIncomplete
	}

	boundariesRaw := cmd.String("archive-boundaries")
	archiveIndexSet := cmd.IsSet("archive-index")
	domain := cmd.String("domain-name")

	switch {
	case boundariesRaw != "" && archiveIndexSet && domain != "":
		boundaries, err := parseBoundaries(boundariesRaw)
		if err != nil {
			return neardata.AppConfig{}, err
		}

		cfg.ArchiveConfig = &neardata.ArchiveConfig{
			ArchiveBoundaries: boundaries,
			DomainName:        domain,
			ArchiveIndex:      cmd.Int("archive-index"),
		}
	case boundariesRaw != "" || archiveIndexSet || domain != "":
		return neardata.AppConfig{}, ErrArchiveConfigIncomplete
	}

	return cfg, nil
}

// parseBoundaries parses a comma-separated ascending BlockHeight sequence.
func parseBoundaries(raw string) ([]neardata.Height, error) {
	parts := strings.Split(raw, ",")
	boundaries := make([]neardata.Height, 0, len(parts))

	for _, p := range parts {
		v, err := strconv.ParseUint(strings.TrimSpace(p), 10, 64)
		if err != nil {
			return nil, fmt.Errorf("error parsing ARCHIVE_BOUNDARIES entry %q: %w", p, err)
		}

		boundaries = append(boundaries, neardata.Height(v))
	}

	return boundaries, nil
}

// autoMaxProcs configures GOMAXPROCS from the container CPU quota
// immediately, then re-checks on an interval in case the quota changes
// under a live pod resize.
func autoMaxProcs(ctx context.Context, interval time.Duration, logger zerolog.Logger) error {
	infof := func(format string, args ...any) { logger.Info().Msgf(format, args...) }

	set := func() {
		if _, err := maxprocs.Set(maxprocs.Logger(infof)); err != nil {
			logger.Error().Err(err).Msg("failed to set GOMAXPROCS")
		}
	}

	set()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			set()
		}
	}
}
