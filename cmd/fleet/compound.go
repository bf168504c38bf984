package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"

	"github.com/claudefleet/fleet/internal/compound"
	"github.com/claudefleet/fleet/internal/logging"
)

// runCompound executes one mission and returns the process exit code:
// 0 on succeeded, 1 on failed.
func runCompound(args []string) int {
	fs := flag.NewFlagSet("compound", flag.ExitOnError)
	target := fs.String("target", ".", "target git repository")
	iterations := fs.Int("iterations", 3, "maximum compound iterations")
	workers := fs.Int("workers", 2, "worker count (1 fixer + N-1 verifiers)")
	port := fs.Int("port", 4199, "orchestration server port")
	objective := fs.String("objective", "", "mission objective")
	secret := fs.String("secret", "", "server auth secret")
	workerBinary := fs.String("worker-binary", "claude", "agent CLI binary")
	live := fs.Bool("live", false, "run real workers instead of the simulation")
	logLevel := fs.String("log-level", "info", "log level: debug, info, warn, error")
	_ = fs.Parse(args)

	level, err := logging.ParseLevel(*logLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "invalid log level %q\n", *logLevel)
		return 1
	}
	logging.SetLevel(level)

	if *objective == "" {
		fmt.Fprintln(os.Stderr, "an --objective is required")
		return 1
	}

	logging.PrintBanner("compound", version, fmt.Sprintf("127.0.0.1:%d", *port))

	runner, err := compound.NewRunner(compound.Config{
		TargetDir:     *target,
		MaxIterations: *iterations,
		NumWorkers:    *workers,
		Port:          *port,
		Objective:     *objective,
		AuthSecret:    *secret,
		WorkerBinary:  *workerBinary,
		IsLive:        *live,
	}, slog.Default())
	if err != nil {
		slog.Error("invalid mission config", "error", err)
		return 1
	}

	result := runner.Run(context.Background())
	slog.Info("mission finished",
		"status", result.Status,
		"iterations", result.Iterations,
		"branch", result.Branch,
		"projectType", result.ProjectType)

	if result.Status == compound.StatusSucceeded {
		fmt.Println("MISSION SUCCEEDED")
		return 0
	}
	fmt.Println("MISSION FAILED")
	return 1
}
