package server

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"
)

// viewKind selects which subtree of the parent block response a derived
// view projects.
type viewKind int

const (
	viewHeaders viewKind = iota
	viewChunk
	viewShard
)

// derivedView wraps a block handler, replaying it against an internal
// recorder and rewriting the result instead of duplicating the resolver
// logic: a 302 gets the view's path segment appended to Location, a 200
// gets its body projected to the requested subtree, and anything else
// passes through untouched. pathSuffix is computed per-request since the
// chunk/shard views carry the shard_id path parameter along with them.
func derivedView(parent http.HandlerFunc, kind viewKind, pathSuffix func(r *http.Request) string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rec := httptest.NewRecorder()
		parent(rec, r)

		switch rec.Code {
		case http.StatusFound:
			forwardRedirect(w, rec, pathSuffix(r))
		case http.StatusOK:
			projectBody(w, r, rec, kind)
		default:
			passthrough(w, rec)
		}
	}
}

// staticSuffix returns a pathSuffix function that ignores the request and
// always appends the same fixed segment, for /headers.
func staticSuffix(suffix string) func(*http.Request) string {
	return func(*http.Request) string { return suffix }
}

// shardSuffix returns a pathSuffix function that appends "/<kind>/<shard_id>",
// carrying the shard_id path parameter along on a forwarded redirect.
func shardSuffix(kind string) func(*http.Request) string {
	return func(r *http.Request) string {
		return "/" + kind + "/" + chi.URLParam(r, "shard_id")
	}
}

func forwardRedirect(w http.ResponseWriter, rec *httptest.ResponseRecorder, pathSuffix string) {
	copyHeaders(w, rec)
	w.Header().Set("Location", rec.Header().Get("Location")+pathSuffix)
	w.WriteHeader(rec.Code)
}

func projectBody(w http.ResponseWriter, r *http.Request, rec *httptest.ResponseRecorder, kind viewKind) {
	var body map[string]any

	dec := json.NewDecoder(bytes.NewReader(rec.Body.Bytes()))
	dec.UseNumber()

	if err := dec.Decode(&body); err != nil {
		zerolog.Ctx(r.Context()).Error().Err(err).Msg("error parsing parent block body for derived view")
		passthrough(w, rec)

		return
	}

	projected := project(body, chi.URLParam(r, "shard_id"), kind)

	w.Header().Set(contentType, contentTypeJSON)

	if cc := rec.Header().Get("Cache-Control"); cc != "" {
		w.Header().Set("Cache-Control", cc)
	}

	w.WriteHeader(http.StatusOK)

	if err := json.NewEncoder(w).Encode(projected); err != nil {
		zerolog.Ctx(r.Context()).Error().Err(err).Msg("error writing derived view body")
	}
}

// project implements the three derived-view laws: headers(B) == B.block,
// shard(B, s) == first(B.shards where shard_id == s), chunk(B, s) ==
// shard(B, s).chunk. All return JSON null when the subtree is absent.
func project(body map[string]any, shardID string, kind viewKind) any {
	switch kind {
	case viewHeaders:
		return body["block"]
	case viewShard:
		return findShard(body, shardID)
	case viewChunk:
		shard, ok := findShard(body, shardID).(map[string]any)
		if !ok {
			return nil
		}

		return shard["chunk"]
	default:
		return nil
	}
}

func findShard(body map[string]any, shardID string) any {
	shards, ok := body["shards"].([]any)
	if !ok {
		return nil
	}

	for _, s := range shards {
		m, ok := s.(map[string]any)
		if !ok {
			continue
		}

		if shardIDMatches(m["shard_id"], shardID) {
			return m
		}
	}

	return nil
}

func shardIDMatches(value any, shardID string) bool {
	num, ok := value.(json.Number)
	if !ok {
		return false
	}

	return num.String() == shardID
}

func copyHeaders(w http.ResponseWriter, rec *httptest.ResponseRecorder) {
	for k, v := range rec.Header() {
		w.Header()[k] = v
	}
}

func passthrough(w http.ResponseWriter, rec *httptest.ResponseRecorder) {
	copyHeaders(w, rec)
	w.WriteHeader(rec.Code)
	_, _ = w.Write(rec.Body.Bytes())
}
