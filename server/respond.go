package server

import (
	"encoding/json"
	"log/slog"
	"net/http"

	errskit "circlesmarket/errs"
)

const contentTypeLD = "application/ld+json; charset=utf-8"

type errorBody struct {
	Error   string         `json:"error"`
	Details map[string]any `json:"details,omitempty"`
}

func writeLD(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", contentTypeLD)
	w.Header().Set("X-Content-Type-Options", "nosniff")
	w.WriteHeader(status)
	if payload == nil {
		return
	}
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		slog.Debug("encode response failed", "err", err)
	}
}

// writeError maps the error kind to its boundary status. Internal errors are
// logged and never leak their message.
func writeError(w http.ResponseWriter, logger *slog.Logger, err error) {
	kind := errskit.KindOf(err)
	status := errskit.HTTPStatus(kind)
	body := errorBody{Error: err.Error(), Details: errskit.DetailsOf(err)}
	if kind == errskit.KindInternal {
		if logger != nil {
			logger.Error("request failed", "err", err)
		}
		body = errorBody{Error: "internal error"}
	}
	writeLD(w, status, body)
}
