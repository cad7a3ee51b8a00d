// tempnum rents a disposable phone number, waits for the verification code
// and releases the number again.
//
// Usage:
//
//	tempnum rent <service> [--voice] [--retry]   Rent a number and wait for a code
//	tempnum services                             List rentable services
//	tempnum version                              Print the version
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/sirupsen/logrus"

	"github.com/wondertwin-ai/tempnum/internal/config"
	"github.com/wondertwin-ai/tempnum/internal/logging"
	"github.com/wondertwin-ai/tempnum/internal/remote"
)

// version is set at build time via -ldflags "-X main.version=..."
var version = "dev"

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}
	cmd, args := os.Args[1], os.Args[2:]

	var err error
	switch cmd {
	case "help", "--help", "-h":
		printUsage()
		return
	case "version", "--version", "-v":
		fmt.Printf("tempnum version %s\n", version)
		return
	case "rent":
		err = cmdRent(args)
	case "services":
		err = cmdServices()
	default:
		fmt.Fprintf(os.Stderr, "tempnum: unknown command %q\n\n", cmd)
		printUsage()
		os.Exit(1)
	}

	if err != nil {
		fmt.Fprintf(os.Stderr, "tempnum: %v\n", err)
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Printf(`tempnum %s

Usage:
  tempnum <command> [arguments]

Commands:
  rent <service> [--voice] [--retry]   Rent a number and wait for the code.
                                       Ctrl-C cancels and refunds.
  services                             List rentable services and countdowns
  version                              Print the tempnum version

Environment:
  TEMPNUM_API_URL   Verification service URL (default %s)
  TEMPNUM_TOKEN     Bearer token
  TEMPNUM_CONFIG    Config file (default ~/.tempnum/config.yaml)
  LOG_LEVEL         trace, debug, info, warn or error
`, version, config.DefaultAPIURL)
}

// setup loads .env and the config file and builds the logger and client.
func setup() (*config.Config, *logrus.Logger, *remote.Client, error) {
	if err := config.LoadDotEnv(); err != nil {
		return nil, nil, nil, err
	}
	cfg, err := config.Load()
	if err != nil {
		return nil, nil, nil, err
	}
	logger := logging.New("tempnum", cfg.LogLevel)
	client := remote.New(cfg.APIURL, configToken(cfg),
		remote.WithTimeout(cfg.RequestTimeout),
		remote.WithLogger(logger),
	)
	return cfg, logger, client, nil
}

// configToken reads the token on every request so a logout takes effect
// immediately.
func configToken(cfg *config.Config) remote.TokenSource {
	return remote.TokenFunc(func() (string, error) {
		token := cfg.CurrentToken()
		if token == "" {
			return "", fmt.Errorf("not signed in: set %s or token in %s", config.EnvToken, cfg.File())
		}
		return token, nil
	})
}

func cmdRent(args []string) error {
	opts, err := parseRentArgs(args)
	if err != nil {
		return err
	}
	cfg, logger, client, err := setup()
	if err != nil {
		return err
	}

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigs)

	return runRent(context.Background(), rentEnv{
		cfg:    cfg,
		api:    client,
		logger: logger,
		out:    os.Stdout,
		in:     os.Stdin,
		sigs:   sigs,
	}, opts)
}

func cmdServices() error {
	cfg, _, client, err := setup()
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), remote.DefaultTimeout)
	defer cancel()
	return listServices(ctx, client, cfg.Durations(), os.Stdout)
}
