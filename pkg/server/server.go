// Package server is the HTTP surface of the block-retrieval pipeline:
// routing, argument parsing, response shaping and the derived-view
// projection layer, grounded on the teacher's chi-based router and
// request-logging middleware.
package server

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"

	"github.com/fastnear/neardata-server/pkg/apperror"
	"github.com/fastnear/neardata-server/pkg/health"
	"github.com/fastnear/neardata-server/pkg/metrics"
	"github.com/fastnear/neardata-server/pkg/neardata"
	"github.com/fastnear/neardata-server/pkg/resolver"
	"github.com/fastnear/neardata-server/pkg/topology"
)

const (
	routeIndex = "/"

	routeLastBlock  = "/v0/last_block/{finality}"
	routeFirstBlock = "/v0/first_block"
	routeNextBlock  = "/v0/next_block/{h}"

	routeHealth  = "/health"
	routeMetrics = "/metrics"
)

// blockRoutes lists the path prefix for each finality's block view, e.g.
// "/v0/block" for Final and "/v0/block_opt" for Optimistic. Every route
// under a prefix (the block view itself and its three derived views) is
// registered for both.
var blockRoutes = []struct {
	prefix   string
	finality neardata.Finality
}{
	{prefix: "/v0/block", finality: neardata.Final},
	{prefix: "/v0/block_opt", finality: neardata.Optimistic},
}

// Server wires AppConfig, a Resolver and an optional Metrics recorder into
// a chi.Mux. It implements http.Handler.
type Server struct {
	cfg      neardata.AppConfig
	resolver *resolver.Resolver
	health   *health.Prober
	metrics  *metrics.Metrics

	router *chi.Mux
}

// New builds a Server. metrics may be nil to disable /metrics and request
// instrumentation.
func New(cfg neardata.AppConfig, res *resolver.Resolver, prober *health.Prober, m *metrics.Metrics) *Server {
	s := &Server{
		cfg:      cfg,
		resolver: res,
		health:   prober,
		metrics:  m,
	}

	if m != nil {
		res.SetMetrics(m)
	}

	s.router = s.createRouter()

	return s
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) { s.router.ServeHTTP(w, r) }

func (s *Server) createRouter() *chi.Mux {
	router := chi.NewRouter()

	router.Use(middleware.RequestID)
	router.Use(middleware.RealIP)
	router.Use(s.requestLogger)
	router.Use(middleware.Recoverer)

	router.Get(routeIndex, s.getIndex)
	router.Get(routeHealth, s.getHealth)

	if s.metrics != nil {
		router.Handle(routeMetrics, s.metrics.Handler())
	}

	for _, br := range blockRoutes {
		parent := s.blockHandler(br.finality)

		router.Get(br.prefix+"/{h}", parent)
		router.Get(br.prefix+"/{h}/headers", derivedView(parent, viewHeaders, staticSuffix("/headers")))
		router.Get(br.prefix+"/{h}/chunk/{shard_id}", derivedView(parent, viewChunk, shardSuffix("chunk")))
		router.Get(br.prefix+"/{h}/shard/{shard_id}", derivedView(parent, viewShard, shardSuffix("shard")))
	}

	router.Get(routeLastBlock, s.lastBlockHandler)
	router.Get(routeFirstBlock, s.firstBlockHandler)
	router.Get(routeNextBlock, s.nextBlockHandler)

	return router
}

// requestLogger logs one line per request at Info level via zerolog,
// attaching a request-scoped logger to the context the way the teacher's
// own middleware attaches one to log15, adapted to zerolog's
// context-carried logger idiom.
func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		reqID := middleware.GetReqID(r.Context())

		logger := zerolog.Ctx(r.Context()).With().Str("req_id", reqID).Logger()
		ctx := logger.WithContext(r.Context())
		r = r.WithContext(ctx)

		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

		defer func() {
			elapsed := time.Since(start)

			logger.Info().
				Str("method", r.Method).
				Str("uri", r.RequestURI).
				Int("status", ww.Status()).
				Dur("elapsed", elapsed).
				Str("from", r.RemoteAddr).
				Int("bytes", ww.BytesWritten()).
				Msg("request served")

			if s.metrics != nil {
				route := chi.RouteContext(r.Context()).RoutePattern()
				if route == "" {
					route = "unmatched"
				}

				s.metrics.ObserveRequest(route, statusClass(ww.Status()), elapsed.Seconds())
			}
		}()

		next.ServeHTTP(ww, r)
	})
}

func statusClass(status int) string {
	switch {
	case status >= 500:
		return "5xx"
	case status >= 400:
		return "4xx"
	case status >= 300:
		return "3xx"
	default:
		return "2xx"
	}
}

// getIndex serves the static landing page, repurposed from the teacher's
// hostname/public-key body to describe this node's deployment role.
func (s *Server) getIndex(w http.ResponseWriter, r *http.Request) {
	w.Header().Set(contentType, contentTypeJSON)
	w.WriteHeader(http.StatusOK)

	body := struct {
		Chain        string `json:"chain"`
		IsFresh      bool   `json:"is_fresh"`
		IsLatest     bool   `json:"is_latest"`
		CanRead      bool   `json:"can_read_archive"`
		ArchiveIndex *int   `json:"archive_index,omitempty"`
	}{
		Chain:    s.cfg.Chain.String(),
		IsFresh:  s.cfg.IsFresh,
		IsLatest: s.cfg.IsLatest,
		CanRead:  s.cfg.CanReadArchive(),
	}

	if s.cfg.ArchiveConfig != nil {
		idx := s.cfg.ArchiveConfig.ArchiveIndex
		body.ArchiveIndex = &idx
	}

	if err := json.NewEncoder(w).Encode(body); err != nil {
		zerolog.Ctx(r.Context()).Error().Err(err).Msg("error writing index body")
	}
}

// getHealth serves the on-demand latency probe.
func (s *Server) getHealth(w http.ResponseWriter, r *http.Request) {
	status, err := s.health.Check(r.Context())
	if err != nil {
		writeAppOrCacheError(w, r, err)

		return
	}

	w.Header().Set(contentType, contentTypeJSON)
	w.WriteHeader(http.StatusOK)

	if err := json.NewEncoder(w).Encode(status); err != nil {
		zerolog.Ctx(r.Context()).Error().Err(err).Msg("error writing health body")
	}
}

// lastBlockHandler serves /v0/last_block/{finality}: it is a fresh-only
// operation per topology.OpLastBlock, so a non-fresh node always redirects
// before anything here runs the resolver. No trailing path segment after
// {finality} is routed here, and neither redirect carries one.
func (s *Server) lastBlockHandler(w http.ResponseWriter, r *http.Request) {
	finality, ok := parseFinality(w, r)
	if !ok {
		return
	}

	decision, err := topology.Route(s.cfg, s.cfg.GenesisHeight, finality, topology.OpLastBlock)
	if err != nil {
		writeError(w, r, apperror.Cache(err.Error()))

		return
	}

	if decision.Kind == topology.DecisionRedirect {
		redirect(w, r, decision.URL, decision.Cacheable)

		return
	}

	last, haveLast, err := s.resolver.LastHeight(r.Context(), finality)
	if err != nil {
		writeError(w, r, apperror.Cache(err.Error()))

		return
	}

	if !haveLast {
		writeError(w, r, apperror.Cache("last block height missing"))

		return
	}

	redirect(w, r, fmt.Sprintf("/v0/block/%d", uint64(last)), false)
}

// firstBlockHandler serves /v0/first_block: a fixed redirect to the
// genesis height's Final block, letting topology routing send it to
// archive index 0 when this node doesn't own genesis.
func (s *Server) firstBlockHandler(w http.ResponseWriter, r *http.Request) {
	redirect(w, r, fmt.Sprintf("/v0/block/%d", uint64(s.cfg.GenesisHeight)), false)
}

// nextBlockHandler serves /v0/next_block/{h}: a thin wrapper over the same
// resolver loop used by /v0/block/{h+1}, restored from original_source's
// get_next_block as additive sugar (see DESIGN.md).
func (s *Server) nextBlockHandler(w http.ResponseWriter, r *http.Request) {
	h, ok := parseHeight(w, r)
	if !ok {
		return
	}

	s.routeAndResolve(w, r, neardata.Final, h+1, topology.OpBlock)
}

// parseFinality extracts and validates the {finality} path parameter.
func parseFinality(w http.ResponseWriter, r *http.Request) (neardata.Finality, bool) {
	raw := chi.URLParam(r, "finality")

	f, err := neardata.ParseFinality(raw)
	if err != nil {
		zerolog.Ctx(r.Context()).Debug().Str("raw", raw).Msg("malformed finality path parameter")
		writeError(w, r, apperror.Argument())

		return 0, false
	}

	return f, true
}

