// migrate applies the embedded usage store schema; run with go run ./cmd/migrate.
package main

import (
	"errors"
	"flag"
	"fmt"
	"os"

	"github.com/usage-relay/backend/internal/config"
	"github.com/usage-relay/backend/internal/store"
)

func main() {
	configPath := flag.String("config", "config.yaml", "Path to config file")
	direction := flag.String("direction", "up", "Migration direction: up or down")
	flag.Parse()

	cfg, err := config.LoadOrDefault(*configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, "config:", err)
		os.Exit(1)
	}
	if cfg.Store.Driver == store.DriverFile {
		fmt.Fprintln(os.Stderr, "store.driver is file; nothing to migrate")
		return
	}

	if err := store.Migrate(cfg.Store.Driver, cfg.Store.DSN, *direction); err != nil {
		if errors.Is(err, store.ErrNoChange) {
			// Already at target version; success.
			return
		}
		fmt.Fprintln(os.Stderr, "migrate:", err)
		os.Exit(1)
	}
}
