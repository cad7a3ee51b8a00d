// Package twincore provides the HTTP server, flags, middleware chain and
// response helpers of the number twin.
package twincore

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"sync"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/sirupsen/logrus"
)

// Config holds the twin's configuration, parsed from flags.
type Config struct {
	Port     int
	Latency  time.Duration
	FailRate float64
	SeedFile string
	Verbose  bool
	Name     string

	Secret   string // HMAC key for bearer tokens
	Balance  string // starting account balance
	TokenTTL time.Duration

	mu sync.RWMutex // guards Latency, FailRate and Verbose at runtime
}

func (c *Config) latency() time.Duration {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.Latency
}

func (c *Config) verbose() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.Verbose
}

func (c *Config) failRate() float64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.FailRate
}

// ParseFlags parses args into a Config. PORT and TWIN_SECRET from the
// environment fill in flags left unset.
func ParseFlags(name string, args []string) (*Config, error) {
	cfg := &Config{Name: name}
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	fs.IntVar(&cfg.Port, "port", 0, "HTTP listen port")
	fs.DurationVar(&cfg.Latency, "latency", 0, "Base simulated latency")
	fs.Float64Var(&cfg.FailRate, "fail-rate", 0.0, "Random failure rate 0.0-1.0")
	fs.StringVar(&cfg.SeedFile, "seed-file", "", "Path to JSON fixture for initial state")
	fs.BoolVar(&cfg.Verbose, "verbose", false, "Enable request logging")
	fs.StringVar(&cfg.Secret, "secret", "", "Signing secret for bearer tokens")
	fs.StringVar(&cfg.Balance, "balance", "10.00", "Starting account balance")
	fs.DurationVar(&cfg.TokenTTL, "token-ttl", 24*time.Hour, "Lifetime of tokens issued via /admin/tokens")
	if err := fs.Parse(args); err != nil {
		return nil, err
	}

	if cfg.Port == 0 {
		if p := os.Getenv("PORT"); p != "" {
			port, err := strconv.Atoi(p)
			if err != nil {
				return nil, fmt.Errorf("invalid PORT %q: %w", p, err)
			}
			cfg.Port = port
		}
	}
	if cfg.Secret == "" {
		cfg.Secret = os.Getenv("TWIN_SECRET")
	}
	if cfg.FailRate < 0 || cfg.FailRate > 1 {
		return nil, errors.New("fail-rate must be between 0.0 and 1.0")
	}
	return cfg, nil
}

// Twin is the base server: a chi router with the common middleware stack.
type Twin struct {
	Config *Config
	Router *chi.Mux
	Logger *logrus.Logger
	mw     *Middleware
}

// New creates a Twin. A nil logger gets a standard logrus logger.
func New(cfg *Config, logger *logrus.Logger) *Twin {
	if logger == nil {
		logger = logrus.New()
	}
	if cfg.Verbose && logger.GetLevel() < logrus.DebugLevel {
		logger.SetLevel(logrus.DebugLevel)
	}

	r := chi.NewRouter()
	mw := NewMiddleware(cfg, logger.WithField("twin", cfg.Name))

	// Latency and failure middleware are always mounted so runtime config
	// updates apply immediately.
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(mw.CORS)
	r.Use(mw.RequestLog)
	r.Use(mw.LatencyInjection)
	r.Use(mw.RandomFailure)

	return &Twin{
		Config: cfg,
		Router: r,
		Logger: logger,
		mw:     mw,
	}
}

// Middleware returns the shared middleware (request log, faults, idempotency).
func (t *Twin) Middleware() *Middleware {
	return t.mw
}

// GetConfig returns the runtime configuration.
func (t *Twin) GetConfig() map[string]any {
	t.Config.mu.RLock()
	defer t.Config.mu.RUnlock()
	return map[string]any{
		"name":      t.Config.Name,
		"port":      t.Config.Port,
		"latency":   t.Config.Latency.String(),
		"fail_rate": t.Config.FailRate,
		"verbose":   t.Config.Verbose,
	}
}

// UpdateConfig applies runtime changes to latency, fail_rate and verbose.
// Every key is validated before any is applied.
func (t *Twin) UpdateConfig(updates map[string]any) error {
	var (
		latency  *time.Duration
		failRate *float64
		verbose  *bool
	)
	for k, v := range updates {
		switch k {
		case "latency":
			s, ok := v.(string)
			if !ok {
				return fmt.Errorf("latency must be a duration string")
			}
			d, err := time.ParseDuration(s)
			if err != nil {
				return fmt.Errorf("invalid latency duration: %w", err)
			}
			if d < 0 {
				return fmt.Errorf("latency must not be negative")
			}
			latency = &d
		case "fail_rate":
			f, ok := v.(float64)
			if !ok {
				return fmt.Errorf("fail_rate must be a number")
			}
			if f < 0 || f > 1 {
				return fmt.Errorf("fail_rate must be between 0.0 and 1.0")
			}
			failRate = &f
		case "verbose":
			b, ok := v.(bool)
			if !ok {
				return fmt.Errorf("verbose must be a boolean")
			}
			verbose = &b
		case "name", "port", "secret":
			return fmt.Errorf("%s cannot be changed at runtime", k)
		default:
			return fmt.Errorf("unknown config key: %s", k)
		}
	}

	t.Config.mu.Lock()
	defer t.Config.mu.Unlock()
	if latency != nil {
		t.Config.Latency = *latency
	}
	if failRate != nil {
		t.Config.FailRate = *failRate
	}
	if verbose != nil {
		t.Config.Verbose = *verbose
	}
	return nil
}

// Serve listens on the configured port until SIGINT or SIGTERM, then shuts
// down gracefully.
func (t *Twin) Serve() error {
	addr := fmt.Sprintf(":%d", t.Config.Port)
	srv := &http.Server{
		Addr:         addr,
		Handler:      t.Router,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		t.Logger.WithFields(logrus.Fields{"name": t.Config.Name, "addr": addr}).Info("starting twin")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("serving: %w", err)
		}
		return nil
	case <-ctx.Done():
	}
	t.Logger.WithField("name", t.Config.Name).Info("shutting down twin")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

// ServeHTTP lets a Twin be mounted directly in httptest servers.
func (t *Twin) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	t.Router.ServeHTTP(w, r)
}

// JSON writes v as a JSON response.
func JSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if v != nil {
		json.NewEncoder(w).Encode(v)
	}
}

// Error writes {"error": {"kind", "message", "code"}}.
func Error(w http.ResponseWriter, status int, kind, message string) {
	JSON(w, status, map[string]any{
		"error": map[string]any{
			"kind":    kind,
			"message": message,
			"code":    status,
		},
	})
}

// KindForStatus returns the error kind a client infers from status alone.
func KindForStatus(status int) string {
	switch status {
	case http.StatusUnauthorized, http.StatusForbidden:
		return "unauthenticated"
	case http.StatusPaymentRequired:
		return "insufficient_funds"
	case http.StatusNotFound, http.StatusGone:
		return "not_found"
	case http.StatusBadRequest, http.StatusUnprocessableEntity:
		return "invalid_service"
	case http.StatusServiceUnavailable:
		return "service_unavailable"
	default:
		return "network"
	}
}
