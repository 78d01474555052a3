// Package main is the bmie HTTP service entrypoint.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"strconv"

	"github.com/JakeFAU/bmie/internal/config"
	"github.com/JakeFAU/bmie/internal/server"
)

func main() {
	cfgPath := flag.String("config", "", "Path to config file")
	flag.Parse()

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config failed: %v\n", err)
		os.Exit(1)
	}
	if port := os.Getenv("PORT"); port != "" {
		n, err := strconv.Atoi(port)
		if err != nil {
			fmt.Fprintf(os.Stderr, "invalid PORT %q: %v\n", port, err)
			os.Exit(1)
		}
		cfg.Server.Port = n
	}

	ctx := context.Background()
	app, err := server.Build(ctx, &cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "build failed: %v\n", err)
		os.Exit(1)
	}
	if err := app.Run(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "server exited: %v\n", err)
		os.Exit(1)
	}
}
