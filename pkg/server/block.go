package server

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"

	"github.com/fastnear/neardata-server/pkg/apperror"
	"github.com/fastnear/neardata-server/pkg/neardata"
	"github.com/fastnear/neardata-server/pkg/resolver"
	"github.com/fastnear/neardata-server/pkg/topology"
)

const (
	contentType     = "Content-Type"
	contentTypeJSON = "application/json; charset=utf-8"

	// cacheControlBlock is advertised on a resolved, non-empty block: blocks
	// are append-only and immutable once written.
	cacheControlBlock = "public, max-age=31536000"
	// cacheControlEmpty is advertised on a tombstone block and on
	// bounds-based not-found responses.
	cacheControlEmpty = "public, max-age=86400"
	// cacheControlRedirect is advertised on cacheable redirects (archive
	// slice routing, optimistic-to-final).
	cacheControlRedirect = "public, max-age=86400"
)

// blockHandler returns the handler for /v0/block{suffix}/{h}: it routes
// via topology first, then resolves locally when this node owns the
// request.
func (s *Server) blockHandler(finality neardata.Finality) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		h, ok := parseHeight(w, r)
		if !ok {
			return
		}

		s.routeAndResolve(w, r, finality, h, topology.OpBlock)
	}
}

// routeAndResolve runs the topology decision and, if this node owns the
// request, the resolver loop, rendering whichever terminal outcome
// results.
func (s *Server) routeAndResolve(
	w http.ResponseWriter,
	r *http.Request,
	finality neardata.Finality,
	h neardata.Height,
	op topology.Operation,
) {
	decision, err := topology.Route(s.cfg, h, finality, op)
	if err != nil {
		writeError(w, r, apperror.Cache(err.Error()))

		return
	}

	switch decision.Kind {
	case topology.DecisionNotFound:
		writeError(w, r, decision.NotFoundErr)
	case topology.DecisionRedirect:
		redirect(w, r, decision.URL, decision.Cacheable)
	case topology.DecisionLocal:
		s.resolveLocal(w, r, finality, h)
	}
}

func (s *Server) resolveLocal(w http.ResponseWriter, r *http.Request, finality neardata.Finality, h neardata.Height) {
	outcome, err := s.resolver.Resolve(r.Context(), finality, h)
	if err != nil {
		writeAppOrCacheError(w, r, err)

		return
	}

	switch outcome.Kind {
	case resolver.OutcomeDone:
		writeBlock(w, outcome.Block)
	case resolver.OutcomeRedirect:
		redirect(w, r, outcome.RedirectURL, outcome.Cacheable)
	}
}

// writeAppOrCacheError renders err as an apperror.Error if it already is
// one (NotFound from the resolver's too-far-future case), or wraps it as
// a generic cache error otherwise.
func writeAppOrCacheError(w http.ResponseWriter, r *http.Request, err error) {
	var appErr *apperror.Error
	if errors.As(err, &appErr) {
		writeError(w, r, appErr)

		return
	}

	writeError(w, r, apperror.Cache(err.Error()))
}

// writeBlock renders a resolved block body with the cache-control policy
// dictated by whether it is a tombstone.
func writeBlock(w http.ResponseWriter, block neardata.Block) {
	w.Header().Set(contentType, contentTypeJSON)

	if block.IsTombstone() {
		w.Header().Set("Cache-Control", cacheControlEmpty)
	} else {
		w.Header().Set("Cache-Control", cacheControlBlock)
	}

	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(block.JSON()))
}

// redirect issues a 302 to target, setting Cache-Control when cacheable.
func redirect(w http.ResponseWriter, r *http.Request, target string, cacheable bool) {
	if cacheable {
		w.Header().Set("Cache-Control", cacheControlRedirect)
	}

	http.Redirect(w, r, target, http.StatusFound)
}

// parseHeight extracts and validates the {h} path parameter, writing a
// 400 Argument error and returning ok=false on failure.
func parseHeight(w http.ResponseWriter, r *http.Request) (neardata.Height, bool) {
	raw := chi.URLParam(r, "h")

	v, err := strconv.ParseUint(raw, 10, 64)
	if err != nil {
		zerolog.Ctx(r.Context()).Debug().Str("raw", raw).Msg("malformed height path parameter")
		writeError(w, r, apperror.Argument())

		return 0, false
	}

	return neardata.Height(v), true
}
