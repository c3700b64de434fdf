// SPDX-License-Identifier: MIT

package api

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/hitloop/orchestrator/internal/log"
)

// writeJSON renders v with the given status. Encoding failures are logged;
// the header is already out by then.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		l := log.WithComponent("api")
		l.Error().Err(err).Msg("response encode failed")
	}
}

// writeError renders the canonical error envelope.
func writeError(w http.ResponseWriter, status int, code string) {
	writeJSON(w, status, map[string]any{"error_code": code})
}

// decodeJSON parses a request body into dst, rejecting unparseable input.
func decodeJSON(r *http.Request, dst any) error {
	dec := json.NewDecoder(r.Body)
	return dec.Decode(dst)
}

// parseIntParam parses a numeric query parameter.
func parseIntParam(raw string) (int, error) {
	return strconv.Atoi(raw)
}
