package api

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/tidwall/gjson"

	"receiptlog/internal/metrics"
	"receiptlog/internal/model"
	"receiptlog/internal/pagination"
)

const maxBodyBytes = 1 << 20

// Receipts is the write side of the append log.
type Receipts interface {
	Init(ctx context.Context, admin model.Identity) error
	Append(ctx context.Context, caller model.Identity, partition uint64, payload model.Int128, owner model.Identity) (model.Record, error)
	Partitions(ctx context.Context) ([]uint64, error)
}

type Server struct {
	receipts Receipts
	pages    *pagination.Engine
	metrics  *metrics.Registry
}

var _ ServerInterface = (*Server)(nil)

type pageResponse struct {
	Records    []model.Record `json:"records"`
	HasMore    bool           `json:"has_more"`
	NextCursor string         `json:"next_cursor,omitempty"`
}

type countResponse struct {
	Partition uint64 `json:"partition"`
	Count     uint64 `json:"count"`
}

type partitionsResponse struct {
	Partitions []uint64 `json:"partitions"`
}

// NewServer wires the handlers into a router together with request ids,
// access logging, panic recovery and the metrics endpoint.
func NewServer(rs Receipts, pages *pagination.Engine, reg *metrics.Registry) http.Handler {
	r := chi.NewRouter()
	r.Use(requestID, accessLog, middleware.Recoverer)
	r.Method(http.MethodGet, "/metrics", reg)

	return HandlerWithOptions(&Server{receipts: rs, pages: pages, metrics: reg}, ChiServerOptions{
		BaseRouter:       r,
		ErrorHandlerFunc: writeError,
	})
}

func (s *Server) Health(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) InitAdmin(w http.ResponseWriter, r *http.Request) {
	body, err := readBody(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	admin := model.Identity(gjson.GetBytes(body, "admin").String())
	if err := s.receipts.Init(r.Context(), admin); err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"admin": string(admin)})
}

func (s *Server) AppendRecord(w http.ResponseWriter, r *http.Request, partition uint64) {
	rec, err := s.appendRecord(r, partition)
	if err != nil {
		s.metrics.AppendRejected()
		writeError(w, r, err)
		return
	}
	s.metrics.AppendOK()
	writeJSON(w, http.StatusCreated, rec)
}

func (s *Server) appendRecord(r *http.Request, partition uint64) (model.Record, error) {
	caller, err := bearer(r)
	if err != nil {
		return model.Record{}, err
	}
	body, err := readBody(r)
	if err != nil {
		return model.Record{}, err
	}
	payload, err := parsePayload(gjson.GetBytes(body, "payload"))
	if err != nil {
		return model.Record{}, err
	}
	owner := model.Identity(gjson.GetBytes(body, "owner").String())
	return s.receipts.Append(r.Context(), caller, partition, payload, owner)
}

func (s *Server) ListRecords(w http.ResponseWriter, r *http.Request, partition uint64, params ListRecordsParams) {
	start := time.Now()
	var cursor *model.Cursor
	if params.Cursor != nil && *params.Cursor != "" {
		c, err := model.ParseCursorToken(*params.Cursor)
		if err != nil {
			s.metrics.ListRejected()
			writeError(w, r, err)
			return
		}
		cursor = &c
	}

	page, err := s.pages.List(r.Context(), partition, params.Limit, cursor)
	if err != nil {
		s.metrics.ListRejected()
		writeError(w, r, err)
		return
	}
	s.metrics.ListOK(start, len(page.Records))

	resp := pageResponse{Records: page.Records, HasMore: page.HasMore}
	if page.HasMore {
		resp.NextCursor = page.NextCursor.Token()
	}
	writeCached(w, r, resp)
}

func (s *Server) CountRecords(w http.ResponseWriter, r *http.Request, partition uint64) {
	n, err := s.pages.Count(r.Context(), partition)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, countResponse{Partition: partition, Count: n})
}

func (s *Server) ListPartitions(w http.ResponseWriter, r *http.Request) {
	parts, err := s.receipts.Partitions(r.Context())
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, partitionsResponse{Partitions: parts})
}

func bearer(r *http.Request) (model.Identity, error) {
	id, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
	id = strings.TrimSpace(id)
	if !ok || id == "" {
		return "", errMissingAuth
	}
	return model.Identity(id), nil
}

func readBody(r *http.Request) ([]byte, error) {
	body, err := io.ReadAll(http.MaxBytesReader(nil, r.Body, maxBodyBytes))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", errInvalidBody, err)
	}
	if !gjson.ValidBytes(body) {
		return nil, fmt.Errorf("%w: not JSON", errInvalidBody)
	}
	return body, nil
}

// parsePayload accepts the amount as a JSON string or a bare integer. The
// raw text is parsed so values beyond float64 precision survive.
func parsePayload(v gjson.Result) (model.Int128, error) {
	switch v.Type {
	case gjson.String:
		return model.ParseInt128(v.Str)
	case gjson.Number:
		return model.ParseInt128(v.Raw)
	case gjson.Null:
		if !v.Exists() {
			return model.Int128{}, fmt.Errorf("%w: payload missing", errInvalidBody)
		}
	}
	return model.Int128{}, fmt.Errorf("%w: payload must be an integer", errInvalidBody)
}

// writeCached writes v with an ETag over its encoding and answers 304 when
// the client already holds it. Pages are deterministic, so equal content
// yields an equal tag.
func writeCached(w http.ResponseWriter, r *http.Request, v interface{}) {
	body, err := json.Marshal(v)
	if err != nil {
		writeError(w, r, err)
		return
	}
	etag := fmt.Sprintf(`"%016x"`, xxhash.Sum64(body))
	w.Header().Set("ETag", etag)
	if match := r.Header.Get("If-None-Match"); match != "" && match == etag {
		w.WriteHeader(http.StatusNotModified)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(body)
}
