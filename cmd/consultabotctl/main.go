package main

import (
	"context"
	"fmt"
	"os"

	"github.com/consultabot/consultabot/internal/cli/consultabotctl"
	"github.com/consultabot/consultabot/internal/config"
)

func main() {
	cfg, err := config.LoadFromEnv("consultabotctl")
	if err != nil {
		fmt.Fprintf(os.Stderr, "config error: %v\n", err)
		os.Exit(1)
	}

	code := consultabotctl.Run(context.Background(), os.Args[1:], consultabotctl.Options{
		Config: cfg,
		Stdout: os.Stdout,
		Stderr: os.Stderr,
	})
	os.Exit(code)
}
