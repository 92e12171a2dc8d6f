package server

import (
	"encoding/json"
	"net/http"

	"github.com/rs/zerolog"

	"github.com/fastnear/neardata-server/pkg/apperror"
)

// errorBody is the wire shape of every non-2xx JSON response:
// {"error": "<text>", "type": "<TAG>"}. Tag is empty for kinds other than
// KindNotFound.
type errorBody struct {
	Error string `json:"error"`
	Type  string `json:"type,omitempty"`
}

// redactedCacheMessage is the fixed client-facing body for KindCache
// errors: the real message (Redis/internal failure text) never leaves the
// process, only the log line does.
const redactedCacheMessage = "internal error"

// writeError renders an apperror.Error as its fixed-shape JSON body and
// status code, logging cache failures at warn level per the error
// handling policy: the resolver never masks a cache failure, and it
// never reaches the client without a log line. Cache failures are
// redacted in the response body; only the log line carries err.Message.
func writeError(w http.ResponseWriter, r *http.Request, err *apperror.Error) {
	message := err.Message

	if err.Kind == apperror.KindCache {
		zerolog.Ctx(r.Context()).Warn().Str("message", err.Message).Msg("cache error")

		message = redactedCacheMessage
	}

	if err.Kind == apperror.KindNotFound && err.Cacheable24h {
		w.Header().Set("Cache-Control", cacheControlEmpty)
	}

	w.Header().Set(contentType, contentTypeJSON)
	w.WriteHeader(err.StatusCode())

	body := errorBody{Error: message, Type: err.Tag}
	if encErr := json.NewEncoder(w).Encode(body); encErr != nil {
		zerolog.Ctx(r.Context()).Error().Err(encErr).Msg("error writing error body to response")
	}
}
