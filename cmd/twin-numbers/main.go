// twin-numbers is a local stand-in for the disposable-number verification
// API. It rents fake numbers, debits a simulated balance and lets tests
// deliver SMS or voice codes through /admin.
//
// Integration method: TEMPNUM_API_URL env var
// Default port: 12150
package main

import (
	"os"

	"github.com/sirupsen/logrus"

	"github.com/wondertwin-ai/tempnum/internal/logging"
	"github.com/wondertwin-ai/tempnum/internal/twin"
	"github.com/wondertwin-ai/tempnum/internal/twin/twincore"
)

func main() {
	logger := logging.New("twin-numbers", os.Getenv("LOG_LEVEL"))

	cfg, err := twincore.ParseFlags("twin-numbers", os.Args[1:])
	if err != nil {
		logger.Fatalf("invalid flags: %v", err)
	}
	if cfg.Port == 0 {
		cfg.Port = twin.DefaultPort
	}
	generated := cfg.Secret == ""

	tw, err := twin.New(cfg, logger)
	if err != nil {
		logger.Fatalf("failed to initialize twin: %v", err)
	}

	fields := logrus.Fields{
		"port":    cfg.Port,
		"balance": tw.Store.Balance().StringFixed(2),
	}
	if generated {
		token, _, err := tw.Issuer.Issue("user_local", cfg.TokenTTL)
		if err != nil {
			logger.Fatalf("failed to issue token: %v", err)
		}
		fields["token"] = token
	}
	logger.WithFields(fields).Info("twin-numbers ready")

	if err := tw.Serve(); err != nil {
		logger.Fatalf("server error: %v", err)
	}
}
