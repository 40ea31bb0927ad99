// Package handlers provides HTTP handlers for the doctor console API.
package handlers

import (
	"encoding/json"
	"errors"
	"net/http"

	"go.uber.org/zap"

	"github.com/drfirst/go-opd/internal/domain/opd"
)

// ErrorResponse is the body of every failed request
type ErrorResponse struct {
	Error string   `json:"error"`
	Kind  opd.Kind `json:"kind,omitempty"`
}

// StatusFor maps an orchestrator error to its HTTP status
func StatusFor(err error) int {
	switch opd.KindOf(err) {
	case opd.KindValidation:
		return http.StatusUnprocessableEntity
	case opd.KindNotFound:
		return http.StatusNotFound
	case opd.KindInvalidTransition, opd.KindConflict:
		return http.StatusConflict
	case opd.KindNetwork:
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func jsonError(w http.ResponseWriter, msg string, status int) {
	writeJSON(w, status, ErrorResponse{Error: msg})
}

func writeError(w http.ResponseWriter, logger *zap.Logger, err error) {
	status := StatusFor(err)
	if status >= http.StatusInternalServerError {
		logger.Error("request failed", zap.Error(err))
	}
	var classified *opd.Error
	msg := err.Error()
	if errors.As(err, &classified) && classified.Message != "" {
		msg = classified.Message
	}
	writeJSON(w, status, ErrorResponse{Error: msg, Kind: opd.KindOf(err)})
}

func decode(r *http.Request, v any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return opd.Validation("decode_request", "invalid request body: "+err.Error())
	}
	return nil
}
