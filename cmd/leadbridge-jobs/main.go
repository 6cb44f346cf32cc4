package main

import (
	"context"
	"flag"
	"fmt"
	"math/rand"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/agentworkforce/leadbridge/internal/bridge"
	"github.com/agentworkforce/leadbridge/internal/config"
	"github.com/agentworkforce/leadbridge/internal/logger"
)

func main() {
	_ = godotenv.Load()
	jobList := flag.String("jobs", envOrDefault("LEADBRIDGE_JOBS", bridge.JobFollowUps), "comma separated jobs: report, trim, followups, reconcile")
	interval := flag.Duration("interval", time.Minute, "cycle interval")
	intervalJitter := flag.Float64("interval-jitter", 0.1, "cycle interval jitter ratio (0.0-1.0)")
	timeout := flag.Duration("timeout", 5*time.Minute, "per-cycle timeout")
	once := flag.Bool("once", false, "run one cycle and exit")
	flag.Parse()

	log, err := logger.New(os.Getenv("LOG_MODE"))
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger init failed: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()

	jobs, err := parseJobs(*jobList)
	if err != nil {
		log.Fatal("invalid --jobs", "error", err)
	}
	cfg, err := config.FromEnv(log)
	if err != nil {
		log.Fatal("invalid configuration", "error", err)
	}
	if needsUpstream(jobs) {
		if err := cfg.Validate(); err != nil {
			log.Fatal("invalid configuration", "error", err)
		}
	}
	rt, err := config.Build(cfg, log, nil)
	if err != nil {
		log.Fatal("failed to initialize engine", "error", err)
	}
	defer rt.Close()

	if *interval <= 0 {
		*interval = time.Minute
	}
	if *timeout <= 0 {
		*timeout = 5 * time.Minute
	}
	*intervalJitter = clampJitterRatio(*intervalJitter)

	rootCtx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	run := func() {
		ctx, cancel := context.WithTimeout(rootCtx, *timeout)
		defer cancel()
		if failed := runCycle(ctx, rt.Engine, jobs); failed > 0 {
			log.Warn("job cycle finished with failures", "failed", failed, "jobs", jobs)
			return
		}
		log.Info("job cycle completed", "jobs", jobs)
	}

	run()
	if *once {
		return
	}

	rng := rand.New(rand.NewSource(time.Now().UnixNano()))
	timer := time.NewTimer(jitteredIntervalWithSample(*interval, *intervalJitter, rng.Float64()))
	defer timer.Stop()
	for {
		select {
		case <-rootCtx.Done():
			log.Info("jobs stopping", "reason", rootCtx.Err())
			return
		case <-timer.C:
			run()
			timer.Reset(jitteredIntervalWithSample(*interval, *intervalJitter, rng.Float64()))
		}
	}
}

// runCycle runs every job in order and returns how many failed. A failing
// job does not stop the ones after it.
func runCycle(ctx context.Context, engine *bridge.Engine, jobs []string) int {
	failed := 0
	for _, job := range jobs {
		if err := engine.RunJob(ctx, job); err != nil {
			failed++
		}
	}
	return failed
}

func parseJobs(raw string) ([]string, error) {
	known := map[string]bool{
		bridge.JobReport:    true,
		bridge.JobTrim:      true,
		bridge.JobFollowUps: true,
		bridge.JobReconcile: true,
	}
	seen := map[string]bool{}
	var jobs []string
	for _, part := range strings.Split(raw, ",") {
		job := strings.ToLower(strings.TrimSpace(part))
		if job == "" || seen[job] {
			continue
		}
		if !known[job] {
			return nil, fmt.Errorf("unknown job %q", job)
		}
		seen[job] = true
		jobs = append(jobs, job)
	}
	if len(jobs) == 0 {
		return nil, fmt.Errorf("no jobs selected")
	}
	return jobs, nil
}

func needsUpstream(jobs []string) bool {
	for _, job := range jobs {
		if job != bridge.JobTrim {
			return true
		}
	}
	return false
}

func envOrDefault(name, fallback string) string {
	value := strings.TrimSpace(os.Getenv(name))
	if value == "" {
		return fallback
	}
	return value
}

func clampJitterRatio(value float64) float64 {
	if value < 0 {
		return 0
	}
	if value > 1 {
		return 1
	}
	return value
}

func jitteredIntervalWithSample(base time.Duration, jitterRatio, sample float64) time.Duration {
	if base <= 0 {
		return 0
	}
	jitterRatio = clampJitterRatio(jitterRatio)
	if jitterRatio == 0 {
		return base
	}
	if sample < 0 {
		sample = 0
	} else if sample > 1 {
		sample = 1
	}
	factor := 1 + ((sample*2)-1)*jitterRatio
	if factor < 0 {
		factor = 0
	}
	delay := time.Duration(float64(base) * factor)
	if delay < time.Millisecond {
		return time.Millisecond
	}
	return delay
}
