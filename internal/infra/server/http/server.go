// Package httpserver exposes the wait endpoint and operational views over HTTP.
package httpserver

import (
	"context"
	"errors"
	"io"
	"net/http"
	"sort"
	"strconv"
	"strings"

	json "github.com/goccy/go-json"

	"github.com/coachpo/eventwait/errs"
	"github.com/coachpo/eventwait/internal/domain/schema"
	"github.com/coachpo/eventwait/internal/infra/config"
	"github.com/coachpo/eventwait/internal/observability"
	"github.com/coachpo/eventwait/internal/pool"
	"github.com/coachpo/eventwait/internal/waiter"
)

const (
	maxJSONBodyBytes int64 = 1 << 20 // 1 MiB

	waitPath         = "/wait"
	waitsPath        = "/waits"
	waitDetailPrefix = waitsPath + "/"
	poolsPath        = "/pools"
	healthPath       = "/healthz"
)

// Waiter runs one wait to completion.
type Waiter interface {
	WaitForEvent(ctx context.Context, req schema.WaitRequest) (schema.Response, error)
}

// StatsSource reports pool registrations.
type StatsSource interface {
	Stats() pool.Stats
}

// HistoryReader reads persisted wait outcomes.
type HistoryReader interface {
	waiter.OutcomeReader
	GetOutcome(ctx context.Context, requestID string) (waiter.OutcomeRecord, error)
}

// FeedStatus reports upstream connectivity.
type FeedStatus interface {
	Connected() bool
}

// Dependencies wires the handler. Only Waiter is required.
type Dependencies struct {
	Environment config.Environment
	Waiter      Waiter
	Markets     StatsSource
	Orders      StatsSource
	History     HistoryReader
	Feed        FeedStatus
}

type handlerFunc func(http.ResponseWriter, *http.Request)

type httpServer struct {
	deps Dependencies
}

type poolsResponse struct {
	Market *pool.Stats `json:"market,omitempty"`
	Order  *pool.Stats `json:"order,omitempty"`
}

type healthResponse struct {
	Status        string             `json:"status"`
	Environment   config.Environment `json:"environment"`
	FeedConnected *bool              `json:"feedConnected,omitempty"`
}

// NewHandler creates the HTTP handler.
func NewHandler(deps Dependencies) http.Handler {
	server := &httpServer{deps: deps}
	mux := http.NewServeMux()

	mux.Handle(waitPath, server.methodHandlers(map[string]handlerFunc{
		http.MethodPost: server.wait,
	}))
	mux.Handle(waitsPath, server.methodHandlers(map[string]handlerFunc{
		http.MethodGet: server.listWaits,
	}))
	mux.Handle(waitDetailPrefix, server.methodHandlers(map[string]handlerFunc{
		http.MethodGet: server.getWait,
	}))
	mux.Handle(poolsPath, server.methodHandlers(map[string]handlerFunc{
		http.MethodGet: server.pools,
	}))
	mux.Handle(healthPath, server.methodHandlers(map[string]handlerFunc{
		http.MethodGet: server.health,
	}))

	return withCORS(mux)
}

func (s *httpServer) methodHandlers(handlers map[string]handlerFunc) http.Handler {
	allowed := allowedMethods(handlers)
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if handler, ok := handlers[r.Method]; ok {
			handler(w, r)
			return
		}
		methodNotAllowed(w, allowed...)
	})
}

func allowedMethods(handlers map[string]handlerFunc) []string {
	if len(handlers) == 0 {
		return nil
	}
	allowed := make([]string, 0, len(handlers))
	for method := range handlers {
		allowed = append(allowed, method)
	}
	sort.Strings(allowed)
	return allowed
}

// wait runs until the engine settles. A client that goes away cancels the request
// context, which the engine reports as "Request cancelled".
func (s *httpServer) wait(w http.ResponseWriter, r *http.Request) {
	if s.deps.Waiter == nil {
		writeError(w, http.StatusServiceUnavailable, "waiter not configured")
		return
	}
	limitRequestBody(w, r)
	var req schema.WaitRequest
	if err := decodeJSON(r.Body, &req); err != nil {
		writeDecodeError(w, err)
		return
	}

	resp, err := s.deps.Waiter.WaitForEvent(r.Context(), req)
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *httpServer) listWaits(w http.ResponseWriter, r *http.Request) {
	if s.deps.History == nil {
		writeError(w, http.StatusNotFound, "wait history disabled")
		return
	}
	limit := 0
	if raw := strings.TrimSpace(r.URL.Query().Get("limit")); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = n
	}
	records, err := s.deps.History.ListOutcomes(r.Context(), limit)
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	if records == nil {
		records = []waiter.OutcomeRecord{}
	}
	writeJSON(w, http.StatusOK, records)
}

func (s *httpServer) getWait(w http.ResponseWriter, r *http.Request) {
	if s.deps.History == nil {
		writeError(w, http.StatusNotFound, "wait history disabled")
		return
	}
	id := strings.Trim(strings.TrimPrefix(r.URL.Path, waitDetailPrefix), "/")
	if id == "" || strings.Contains(id, "/") {
		writeError(w, http.StatusNotFound, "wait not found")
		return
	}
	record, err := s.deps.History.GetOutcome(r.Context(), id)
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, record)
}

func (s *httpServer) pools(w http.ResponseWriter, _ *http.Request) {
	var out poolsResponse
	if s.deps.Markets != nil {
		stats := s.deps.Markets.Stats()
		out.Market = &stats
	}
	if s.deps.Orders != nil {
		stats := s.deps.Orders.Stats()
		out.Order = &stats
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *httpServer) health(w http.ResponseWriter, _ *http.Request) {
	out := healthResponse{Status: "ok", Environment: s.deps.Environment}
	if s.deps.Feed != nil {
		connected := s.deps.Feed.Connected()
		out.FeedConnected = &connected
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *httpServer) writeEngineError(w http.ResponseWriter, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		observability.Log().Error("request failed", observability.F("status", status), observability.F("error", err))
	}
	var e *errs.E
	if errors.As(err, &e) && e.Message != "" {
		writeError(w, status, e.Message)
		return
	}
	writeError(w, status, err.Error())
}

func statusFor(err error) int {
	var e *errs.E
	if !errors.As(err, &e) {
		return http.StatusInternalServerError
	}
	if e.HTTP > 0 {
		return e.HTTP
	}
	switch e.Code {
	case errs.CodeInvalid:
		return http.StatusBadRequest
	case errs.CodeNotFound:
		return http.StatusNotFound
	case errs.CodeUnavailable, errs.CodeNetwork:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func decodeJSON(body io.Reader, dest any) error {
	dec := json.NewDecoder(body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dest); err != nil {
		if errors.Is(err, io.EOF) {
			return errors.New("request body required")
		}
		return err
	}
	return nil
}

func limitRequestBody(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxJSONBodyBytes)
}

func writeDecodeError(w http.ResponseWriter, err error) {
	if isRequestTooLarge(err) {
		writeError(w, http.StatusRequestEntityTooLarge, "request body too large")
		return
	}
	writeError(w, http.StatusBadRequest, err.Error())
}

func isRequestTooLarge(err error) bool {
	var maxBytesErr *http.MaxBytesError
	return errors.As(err, &maxBytesErr)
}

func methodNotAllowed(w http.ResponseWriter, allowed ...string) {
	if len(allowed) > 0 {
		w.Header().Set("Allow", strings.Join(allowed, ", "))
	}
	writeError(w, http.StatusMethodNotAllowed, "method not allowed")
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"status": "error", "error": message})
}

func withCORS(handler http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		handler.ServeHTTP(w, r)
	})
}
