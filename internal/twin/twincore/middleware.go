package twincore

import (
	"context"
	"fmt"
	"math/rand"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/rs/cors"
	"github.com/sirupsen/logrus"
)

// RequestLogEntry is one served request as shown by GET /admin/requests.
// VerificationID is set for every request that touched a rental: the {id}
// route parameter, or the id a create handler tagged via TagVerification.
type RequestLogEntry struct {
	Timestamp      time.Time         `json:"timestamp"`
	Method         string            `json:"method"`
	Path           string            `json:"path"`
	VerificationID string            `json:"verification_id,omitempty"`
	Headers        map[string]string `json:"headers,omitempty"`
	StatusCode     int               `json:"status_code"`
	Duration       time.Duration     `json:"duration_ms"`
	RequestID      string            `json:"request_id,omitempty"`
}

// RequestLog is a bounded, thread-safe history of recent requests.
type RequestLog struct {
	mu      sync.RWMutex
	entries []RequestLogEntry
	maxSize int
}

// NewRequestLog creates a request log with the given max size.
func NewRequestLog(maxSize int) *RequestLog {
	return &RequestLog{
		entries: make([]RequestLogEntry, 0, maxSize),
		maxSize: maxSize,
	}
}

// Add appends an entry, evicting the oldest if at capacity.
func (rl *RequestLog) Add(entry RequestLogEntry) {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	if len(rl.entries) >= rl.maxSize {
		rl.entries = rl.entries[1:]
	}
	rl.entries = append(rl.entries, entry)
}

// Entries returns a copy of all log entries.
func (rl *RequestLog) Entries() []RequestLogEntry {
	rl.mu.RLock()
	defer rl.mu.RUnlock()
	out := make([]RequestLogEntry, len(rl.entries))
	copy(out, rl.entries)
	return out
}

// ForVerification returns the entries recorded against one verification, in
// arrival order.
func (rl *RequestLog) ForVerification(id string) []RequestLogEntry {
	rl.mu.RLock()
	defer rl.mu.RUnlock()
	out := []RequestLogEntry{}
	for _, e := range rl.entries {
		if e.VerificationID == id {
			out = append(out, e)
		}
	}
	return out
}

// Clear removes all entries.
func (rl *RequestLog) Clear() {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	rl.entries = rl.entries[:0]
}

// FaultConfig describes an injected failure for one path.
type FaultConfig struct {
	StatusCode int           `json:"status_code"`
	Kind       string        `json:"kind,omitempty"` // error kind reported in the body
	Body       string        `json:"body,omitempty"`
	Delay      time.Duration `json:"delay_ms,omitempty"`
	Rate       float64       `json:"rate"` // 0.0-1.0
}

// FaultRegistry maps request paths to injected faults.
type FaultRegistry struct {
	mu     sync.RWMutex
	faults map[string]FaultConfig
}

// NewFaultRegistry creates an empty registry.
func NewFaultRegistry() *FaultRegistry {
	return &FaultRegistry{faults: make(map[string]FaultConfig)}
}

// Set injects a fault for path. A zero rate means always.
func (fr *FaultRegistry) Set(path string, fault FaultConfig) {
	fr.mu.Lock()
	defer fr.mu.Unlock()
	if fault.Rate == 0 {
		fault.Rate = 1.0
	}
	fr.faults[path] = fault
}

// Remove deletes the fault for path and reports whether one existed.
func (fr *FaultRegistry) Remove(path string) bool {
	fr.mu.Lock()
	defer fr.mu.Unlock()
	_, existed := fr.faults[path]
	delete(fr.faults, path)
	return existed
}

// Check returns the fault that applies to path, or nil.
func (fr *FaultRegistry) Check(path string) *FaultConfig {
	fr.mu.RLock()
	defer fr.mu.RUnlock()
	if f, ok := fr.faults[path]; ok {
		if f.Rate >= 1.0 || rand.Float64() < f.Rate {
			return &f
		}
	}
	return nil
}

// All returns a copy of every registered fault.
func (fr *FaultRegistry) All() map[string]FaultConfig {
	fr.mu.RLock()
	defer fr.mu.RUnlock()
	out := make(map[string]FaultConfig, len(fr.faults))
	for k, v := range fr.faults {
		out[k] = v
	}
	return out
}

// Reset clears all faults.
func (fr *FaultRegistry) Reset() {
	fr.mu.Lock()
	defer fr.mu.Unlock()
	fr.faults = make(map[string]FaultConfig)
}

// IdempotencyTracker caches responses by Idempotency-Key so a retried create
// does not rent a second number.
type IdempotencyTracker struct {
	mu      sync.RWMutex
	entries map[string]idempotencyEntry
}

type idempotencyEntry struct {
	StatusCode int
	Body       []byte
	CreatedAt  time.Time
}

// NewIdempotencyTracker creates an empty tracker.
func NewIdempotencyTracker() *IdempotencyTracker {
	return &IdempotencyTracker{entries: make(map[string]idempotencyEntry)}
}

// Check returns the cached response for key.
func (it *IdempotencyTracker) Check(key string) (int, []byte, bool) {
	it.mu.RLock()
	defer it.mu.RUnlock()
	if e, ok := it.entries[key]; ok {
		return e.StatusCode, e.Body, true
	}
	return 0, nil, false
}

// Store caches a response for key.
func (it *IdempotencyTracker) Store(key string, statusCode int, body []byte) {
	it.mu.Lock()
	defer it.mu.Unlock()
	it.entries[key] = idempotencyEntry{StatusCode: statusCode, Body: body, CreatedAt: time.Now()}
}

// Reset forgets every key.
func (it *IdempotencyTracker) Reset() {
	it.mu.Lock()
	defer it.mu.Unlock()
	it.entries = make(map[string]idempotencyEntry)
}

// Middleware bundles the request log, faults and idempotency cache shared by
// the twin's handlers.
type Middleware struct {
	cfg        *Config
	logger     logrus.FieldLogger
	cors       *cors.Cors
	ReqLog     *RequestLog
	Faults     *FaultRegistry
	Idempotent *IdempotencyTracker
}

// NewMiddleware creates a Middleware.
func NewMiddleware(cfg *Config, logger logrus.FieldLogger) *Middleware {
	return &Middleware{
		cfg:    cfg,
		logger: logger,
		cors: cors.New(cors.Options{
			AllowedOrigins: []string{"*"},
			AllowedMethods: []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"},
			AllowedHeaders: []string{"Accept", "Authorization", "Content-Type", "Idempotency-Key", "X-Request-ID"},
			MaxAge:         3600,
		}),
		ReqLog:     NewRequestLog(1000),
		Faults:     NewFaultRegistry(),
		Idempotent: NewIdempotencyTracker(),
	}
}

// CORS allows any origin; the twin is a local test double.
func (m *Middleware) CORS(next http.Handler) http.Handler {
	return m.cors.Handler(next)
}

type verificationTagKey struct{}

// TagVerification attributes the current request to verification id in the
// request log. Handlers call it when the id is not in the route, as on create.
func TagVerification(r *http.Request, id string) {
	if tag, ok := r.Context().Value(verificationTagKey{}).(*string); ok {
		*tag = id
	}
}

func verificationOf(r *http.Request, tag string) string {
	if tag != "" {
		return tag
	}
	// chi fills the shared route context while routing, so the param is
	// readable once the handler has returned.
	return chi.URLParamFromCtx(r.Context(), "id")
}

type statusRecorder struct {
	http.ResponseWriter
	statusCode int
}

func (sr *statusRecorder) WriteHeader(code int) {
	sr.statusCode = code
	sr.ResponseWriter.WriteHeader(code)
}

// RequestLog records every request, attributed to the verification it
// touched. In verbose mode headers are kept, minus the bearer token, and each
// request is logged at debug level.
func (m *Middleware) RequestLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, statusCode: http.StatusOK}
		var tag string
		r = r.WithContext(context.WithValue(r.Context(), verificationTagKey{}, &tag))

		next.ServeHTTP(rec, r)

		requestID := r.Header.Get("X-Request-ID")
		if requestID == "" {
			requestID = chimw.GetReqID(r.Context())
		}
		entry := RequestLogEntry{
			Timestamp:      start,
			Method:         r.Method,
			Path:           r.URL.Path,
			VerificationID: verificationOf(r, tag),
			StatusCode:     rec.statusCode,
			Duration:       time.Since(start),
			RequestID:      requestID,
		}
		if !m.cfg.verbose() {
			m.ReqLog.Add(entry)
			return
		}

		entry.Headers = make(map[string]string, len(r.Header))
		for k := range r.Header {
			if k == "Authorization" {
				continue
			}
			entry.Headers[k] = r.Header.Get(k)
		}
		m.ReqLog.Add(entry)

		fields := logrus.Fields{
			"method":     r.Method,
			"path":       r.URL.Path,
			"status":     rec.statusCode,
			"duration":   entry.Duration,
			"request_id": requestID,
		}
		if entry.VerificationID != "" {
			fields["verification_id"] = entry.VerificationID
		}
		m.logger.WithFields(fields).Debug("request")
	})
}

// LatencyInjection delays every request by the configured latency with jitter.
func (m *Middleware) LatencyInjection(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if latency := m.cfg.latency(); latency > 0 {
			// 80-120% of configured latency
			jitter := 0.8 + rand.Float64()*0.4
			time.Sleep(time.Duration(float64(latency) * jitter))
		}
		next.ServeHTTP(w, r)
	})
}

// RandomFailure fails requests with 500 at the configured rate.
func (m *Middleware) RandomFailure(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if rate := m.cfg.failRate(); rate > 0 && rand.Float64() < rate {
			Error(w, http.StatusInternalServerError, "network", "simulated random failure")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// FaultInjection applies registered faults. Mount it inside API route groups
// only, so /admin stays reachable.
func (m *Middleware) FaultInjection(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if fault := m.Faults.Check(r.URL.Path); fault != nil {
			if fault.Delay > 0 {
				time.Sleep(fault.Delay)
			}
			if fault.StatusCode > 0 {
				if fault.Body != "" {
					w.Header().Set("Content-Type", "application/json")
					w.WriteHeader(fault.StatusCode)
					fmt.Fprint(w, fault.Body)
					return
				}
				kind := fault.Kind
				if kind == "" {
					kind = KindForStatus(fault.StatusCode)
				}
				Error(w, fault.StatusCode, kind, "injected fault")
				return
			}
		}
		next.ServeHTTP(w, r)
	})
}
