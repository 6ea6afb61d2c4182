// Package main wires together the crawler fleet backend binary.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"

	"github.com/joho/godotenv"

	"github.com/glfleet/backend/internal/app"
	"github.com/glfleet/backend/internal/config"
)

func main() {
	cfgPath := flag.String("config", "", "Path to config file")
	envPath := flag.String("env", "", "Path to .env file (optional)")
	flag.Parse()

	if *envPath != "" {
		if err := godotenv.Load(*envPath); err != nil {
			fmt.Fprintf(os.Stderr, "load env file failed: %v\n", err)
			os.Exit(1)
		}
	} else {
		// Best effort: a local .env is a dev convenience, not a requirement.
		_ = godotenv.Load()
	}

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config failed: %v\n", err)
		os.Exit(1)
	}

	ctx := context.Background()
	application, err := app.Build(ctx, cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "build application failed: %v\n", err)
		os.Exit(1)
	}
	if err := application.Run(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "run application failed: %v\n", err)
		os.Exit(1)
	}
}
