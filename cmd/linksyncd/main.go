package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"math/rand"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/adhocore/gronx"
	"github.com/joho/godotenv"
	"golang.org/x/sync/errgroup"

	"github.com/furriyadh/my-app-sub004/internal/httpapi"
	"github.com/furriyadh/my-app-sub004/internal/linksync"
)

func main() {
	_ = godotenv.Load()

	addr := flag.String("addr", envOrDefault("LINKSYNC_ADDR", ":8090"), "listen address for the dashboard API")
	apiToken := flag.String("api-token", strings.TrimSpace(os.Getenv("LINKSYNC_API_TOKEN")), "bearer token required on API routes (empty disables the check)")
	remoteURL := flag.String("remote-url", envOrDefault("LINKSYNC_REMOTE_URL", "http://127.0.0.1:8080"), "ad platform gateway base URL")
	remoteToken := flag.String("remote-token", strings.TrimSpace(os.Getenv("LINKSYNC_REMOTE_TOKEN")), "bearer token for the ad platform gateway")
	pushURL := flag.String("push-url", strings.TrimSpace(os.Getenv("LINKSYNC_PUSH_URL")), "websocket URL of the status push stream (empty disables push)")
	rosterPath := flag.String("roster", strings.TrimSpace(os.Getenv("LINKSYNC_ROSTER")), "path to the account roster JSON file")
	snapshotDSN := flag.String("snapshot", strings.TrimSpace(os.Getenv("LINKSYNC_SNAPSHOT_DSN")), "snapshot backend DSN (file path, memory://, or postgres://)")
	batchInterval := flag.Duration("batch-interval", durationEnv("LINKSYNC_BATCH_INTERVAL", 10*time.Minute), "interval between batch sync passes")
	batchJitter := flag.Float64("batch-jitter", floatEnv("LINKSYNC_BATCH_JITTER", 0.1), "batch interval jitter ratio (0.0-1.0)")
	batchCron := flag.String("batch-cron", strings.TrimSpace(os.Getenv("LINKSYNC_BATCH_CRON")), "cron expression for batch sync passes (overrides -batch-interval)")
	pollInterval := flag.Duration("poll-interval", durationEnv("LINKSYNC_POLL_INTERVAL", 20*time.Second), "poll session check interval")
	pollAttempts := flag.Int("poll-attempts", intEnv("LINKSYNC_POLL_ATTEMPTS", 9), "automatic poll session attempt ceiling")
	checkTimeout := flag.Duration("check-timeout", durationEnv("LINKSYNC_CHECK_TIMEOUT", 15*time.Second), "single-account status check timeout")
	reconnectDelay := flag.Duration("push-reconnect", durationEnv("LINKSYNC_PUSH_RECONNECT", 5*time.Second), "push stream reconnect delay")
	syncOnStart := flag.Bool("sync-on-start", boolEnv("LINKSYNC_SYNC_ON_START", true), "run one batch sync immediately after startup")
	flag.Parse()

	if strings.TrimSpace(*remoteToken) == "" {
		log.Fatalf("remote token is required (--remote-token or LINKSYNC_REMOTE_TOKEN)")
	}
	if *batchCron != "" && !gronx.New().IsValid(*batchCron) {
		log.Fatalf("invalid batch cron expression: %s", *batchCron)
	}
	*batchJitter = clampJitterRatio(*batchJitter)

	backend, err := linksync.BuildSnapshotBackendFromDSN(*snapshotDSN)
	if err != nil {
		log.Fatalf("failed to initialize snapshot backend: %v", err)
	}

	// No transport-level timeout: every remote call carries its own
	// context deadline, and a client-wide cap sized for single-account
	// checks would cut the larger batch budget short.
	client := linksync.NewHTTPClient(*remoteURL, *remoteToken, &http.Client{})
	engine, err := linksync.NewEngine(linksync.EngineOptions{
		Client:          client,
		SnapshotBackend: backend,
		Sessions: linksync.SessionManagerOptions{
			Interval:     *pollInterval,
			MaxAttempts:  *pollAttempts,
			CheckTimeout: *checkTimeout,
		},
		Logger: log.Default(),
	})
	if err != nil {
		log.Fatalf("failed to initialize engine: %v", err)
	}

	if err := engine.RestoreSnapshot(); err != nil {
		log.Fatalf("failed to restore snapshot: %v", err)
	}
	if *rosterPath != "" {
		entries, err := linksync.LoadRoster(*rosterPath)
		if err != nil {
			log.Fatalf("failed to load roster: %v", err)
		}
		engine.RegisterAccounts(entries)
		log.Printf("roster loaded: %d account(s)", len(entries))
	}

	rootCtx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	group, ctx := errgroup.WithContext(rootCtx)

	server := &http.Server{
		Addr:    *addr,
		Handler: httpapi.NewServerWithConfig(engine, httpapi.ServerConfig{Token: *apiToken}),
	}
	group.Go(func() error {
		log.Printf("linksyncd listening on %s", *addr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	group.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})

	if *pushURL != "" {
		receiver, err := linksync.NewPushReceiver(*pushURL, engine.Store(), engine.Sessions(), linksync.PushReceiverOptions{
			Token:          *remoteToken,
			ReconnectDelay: *reconnectDelay,
			Logger:         log.Default(),
		})
		if err != nil {
			log.Fatalf("failed to initialize push receiver: %v", err)
		}
		group.Go(func() error {
			err := receiver.Run(ctx)
			if errors.Is(err, context.Canceled) {
				return nil
			}
			return err
		})
	}

	if *rosterPath != "" {
		path := *rosterPath
		group.Go(func() error {
			err := linksync.WatchRoster(ctx, path, log.Default(), func(entries []linksync.RosterEntry) {
				engine.RegisterAccounts(entries)
				log.Printf("roster reloaded: %d account(s)", len(entries))
			})
			if errors.Is(err, context.Canceled) {
				return nil
			}
			return err
		})
	}

	group.Go(func() error {
		runBatchScheduler(ctx, engine, *batchInterval, *batchJitter, *batchCron, *syncOnStart)
		return nil
	})

	if err := group.Wait(); err != nil {
		log.Printf("shutdown error: %v", err)
	}
	if err := engine.Close(); err != nil {
		log.Printf("failed to persist final snapshot: %v", err)
	}
	log.Printf("linksyncd stopped")
}

// runBatchScheduler triggers periodic batch syncs until the context is
// cancelled, either on a jittered fixed interval or on a cron schedule.
// A pass still running when the next trigger fires is simply skipped by
// the orchestrator's drop policy.
func runBatchScheduler(ctx context.Context, engine *linksync.Engine, interval time.Duration, jitter float64, cronExpr string, syncOnStart bool) {
	run := func() {
		if err := engine.RunBatchSync(ctx); err != nil {
			if errors.Is(err, linksync.ErrSyncInProgress) {
				log.Printf("batch sync skipped: previous pass still running")
				return
			}
			log.Printf("batch sync failed: %v", err)
			return
		}
		if err := engine.SaveSnapshot(); err != nil {
			log.Printf("failed to persist snapshot: %v", err)
		}
	}

	if syncOnStart {
		run()
	}

	if cronExpr != "" {
		for {
			next, err := gronx.NextTick(cronExpr, false)
			if err != nil {
				log.Printf("batch cron schedule error: %v", err)
				return
			}
			select {
			case <-ctx.Done():
				return
			case <-time.After(time.Until(next)):
				run()
			}
		}
	}

	rng := rand.New(rand.NewSource(time.Now().UnixNano()))
	for {
		delay := interval
		if jitter > 0 {
			offset := (rng.Float64()*2 - 1) * jitter * float64(interval)
			delay = interval + time.Duration(offset)
			if delay <= 0 {
				delay = interval
			}
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(delay):
			run()
		}
	}
}

func clampJitterRatio(ratio float64) float64 {
	if ratio < 0 {
		return 0
	}
	if ratio > 1 {
		return 1
	}
	return ratio
}

func envOrDefault(key, fallback string) string {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return fallback
	}
	return value
}

func durationEnv(key string, fallback time.Duration) time.Duration {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return fallback
	}
	parsed, err := time.ParseDuration(value)
	if err != nil {
		return fallback
	}
	return parsed
}

func intEnv(key string, fallback int) int {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return fallback
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		return fallback
	}
	return parsed
}

func floatEnv(key string, fallback float64) float64 {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return fallback
	}
	parsed, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return fallback
	}
	return parsed
}

func boolEnv(key string, fallback bool) bool {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return fallback
	}
	parsed, err := strconv.ParseBool(value)
	if err != nil {
		return fallback
	}
	return parsed
}
