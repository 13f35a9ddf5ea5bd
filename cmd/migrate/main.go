package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/plategate/vehicle-access-backend/internal/infrastructure/config"
	"github.com/plategate/vehicle-access-backend/internal/infrastructure/database"
	"github.com/plategate/vehicle-access-backend/internal/infrastructure/telemetry"
)

func main() {
	var (
		direction = flag.String("direction", "up", "up applies all pending migrations, down rolls back one step")
		source    = flag.String("source", "file://migrations", "migration source URL")
	)
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "loading config: %v\n", err)
		os.Exit(1)
	}

	logger, err := telemetry.NewLogger(cfg.LogLevel, cfg.Environment)
	if err != nil {
		fmt.Fprintf(os.Stderr, "building logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	switch *direction {
	case "up":
		err = database.MigrateUp(cfg.Database.URL, *source, logger)
	case "down":
		err = database.MigrateDown(cfg.Database.URL, *source, logger)
	default:
		err = fmt.Errorf("unknown direction %q", *direction)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "migration failed: %v\n", err)
		os.Exit(1)
	}
}
