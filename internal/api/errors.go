package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"receiptlog/internal/logger"
	"receiptlog/internal/model"
	"receiptlog/internal/pagination"
	"receiptlog/internal/receipts"
)

var (
	errInvalidBody = errors.New("invalid request body")
	errMissingAuth = errors.New("missing bearer identity")
)

type errorResponse struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

var errorCodes = []struct {
	err    error
	status int
	code   string
}{
	{pagination.ErrInvalidLimit, http.StatusBadRequest, "invalid_limit"},
	{model.ErrInvalidCursor, http.StatusBadRequest, "invalid_cursor"},
	{receipts.ErrInvalidPayload, http.StatusBadRequest, "invalid_payload"},
	{model.ErrInt128Range, http.StatusBadRequest, "invalid_payload"},
	{model.ErrInt128Syntax, http.StatusBadRequest, "invalid_payload"},
	{receipts.ErrInvalidIdentity, http.StatusBadRequest, "invalid_identity"},
	{errInvalidBody, http.StatusBadRequest, "invalid_body"},
	{errMissingAuth, http.StatusUnauthorized, "unauthorized"},
	{receipts.ErrUnauthorized, http.StatusUnauthorized, "unauthorized"},
	{receipts.ErrNotInitialized, http.StatusConflict, "not_initialized"},
	{receipts.ErrAlreadyInitialized, http.StatusConflict, "already_initialized"},
}

func classify(err error) (int, string) {
	var paramErr *InvalidParamFormatError
	if errors.As(err, &paramErr) {
		return http.StatusBadRequest, "invalid_parameter"
	}
	for _, c := range errorCodes {
		if errors.Is(err, c.err) {
			return c.status, c.code
		}
	}
	return http.StatusInternalServerError, "internal"
}

func writeError(w http.ResponseWriter, r *http.Request, err error) {
	status, code := classify(err)
	msg := err.Error()
	if status >= http.StatusInternalServerError {
		logger.Error(err, "request_id", requestIDFrom(r.Context()), "path", r.URL.Path, "request failed")
		msg = http.StatusText(status)
	} else {
		logger.Debug("request_id", requestIDFrom(r.Context()), "code", code, "error", err, "request rejected")
	}
	writeJSON(w, status, errorResponse{Code: code, Message: msg})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.WarnErr(err, "write response")
	}
}
