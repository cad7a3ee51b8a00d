// Package twin assembles the number-rental twin: a local stand-in for the
// remote verification API with a test control plane under /admin.
package twin

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"os"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"github.com/wondertwin-ai/tempnum/internal/twin/admin"
	"github.com/wondertwin-ai/tempnum/internal/twin/api"
	"github.com/wondertwin-ai/tempnum/internal/twin/store"
	"github.com/wondertwin-ai/tempnum/internal/twin/twincore"
)

// DefaultPort is used when neither --port nor PORT is set.
const DefaultPort = 12150

// Twin is a fully wired number twin.
type Twin struct {
	*twincore.Twin
	Store  *store.MemoryStore
	Issuer *api.Issuer
}

// New builds a twin from cfg. An empty secret gets a random one, which makes
// tokens valid only for the lifetime of the process.
func New(cfg *twincore.Config, logger *logrus.Logger) (*Twin, error) {
	balance := store.DefaultBalance
	if cfg.Balance != "" {
		b, err := decimal.NewFromString(cfg.Balance)
		if err != nil {
			return nil, fmt.Errorf("invalid balance %q: %w", cfg.Balance, err)
		}
		balance = b
	}
	if cfg.Secret == "" {
		secret, err := randomSecret()
		if err != nil {
			return nil, err
		}
		cfg.Secret = secret
	}

	base := twincore.New(cfg, logger)
	memStore := store.New(balance)

	issuer, err := api.NewIssuer(cfg.Secret, memStore.Clock.Now)
	if err != nil {
		return nil, err
	}

	apiHandler := api.NewHandler(memStore, base.Middleware(), issuer, base.Logger.WithField("twin", cfg.Name))
	apiHandler.Routes(base.Router)

	adminHandler := admin.NewHandler(memStore, base.Middleware(), memStore.Clock)
	adminHandler.SetConfigProvider(base)
	adminHandler.Routes(base.Router)

	if cfg.SeedFile != "" {
		data, err := os.ReadFile(cfg.SeedFile)
		if err != nil {
			return nil, fmt.Errorf("reading seed file: %w", err)
		}
		if err := memStore.LoadState(data); err != nil {
			return nil, fmt.Errorf("loading seed data: %w", err)
		}
		base.Logger.WithField("file", cfg.SeedFile).Info("loaded seed data")
	}

	return &Twin{Twin: base, Store: memStore, Issuer: issuer}, nil
}

func randomSecret() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generating token secret: %w", err)
	}
	return hex.EncodeToString(buf), nil
}
