package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/mind-engage/mindengage-grader/internal/config"
	"github.com/mind-engage/mindengage-grader/internal/grading"
	"github.com/mind-engage/mindengage-grader/internal/logging"
	"github.com/mind-engage/mindengage-grader/internal/metrics"
	"github.com/mind-engage/mindengage-grader/internal/remote"
	"github.com/mind-engage/mindengage-grader/internal/tracing"
)

func main() {
	examID := flag.Int64("exam", 0, "exam to open on start")
	student := flag.String("student", "", "student number or id to load after the exam")
	flag.Parse()

	cfg, err := config.Load(".")
	if err != nil {
		fmt.Fprintln(os.Stderr, "config:", err)
		os.Exit(2)
	}
	// The prompt owns stdout; log lines go to stderr or the log file.
	log, err := logging.New(logging.Options{Level: cfg.LogLevel, File: cfg.LogFile})
	if err != nil {
		fmt.Fprintln(os.Stderr, "logger:", err)
		os.Exit(2)
	}
	defer log.Sync()

	endpoint := ""
	if cfg.TracingEnabled {
		endpoint = cfg.TracingEndpoint
	}
	shutdownTracing, err := tracing.Init(cfg.ServiceName+"-console", endpoint)
	if err != nil {
		log.Fatal("tracing init failed", zap.Error(err))
	}

	out := &syncWriter{w: os.Stdout}
	m := metrics.New()
	client := remote.New(remote.Config{
		BaseURL:      cfg.RemoteURL,
		Timeout:      cfg.SyncTimeout,
		BatchRetries: cfg.BatchRetries,
		Logger:       log,
	})

	var ob *grading.Outbox
	pick := func(name string) grading.Strategy {
		switch name {
		case config.SyncPerRecord:
			return grading.PerRecordStrategy{Remote: client, Timeout: cfg.SyncTimeout, Parallel: cfg.SyncParallel}
		case config.SyncOutbox:
			if ob == nil {
				ob = grading.NewOutbox(client, grading.OutboxConfig{
					MaxAttempts: cfg.OutboxMaxAttempts,
					Backoff:     cfg.OutboxBackoff,
					Rate:        rate.Limit(cfg.OutboxRate),
					Timeout:     cfg.SyncTimeout,
					OnFailure: func(f grading.SyncFailure) {
						fmt.Fprintf(out, "\n!! gave up saving record %d after %d attempt(s): %v\n", f.Change.RecordID, f.Attempts, f.Err)
					},
				}, log, m)
			}
			return ob
		default:
			return grading.BatchedStrategy{Remote: client, Timeout: cfg.SyncTimeout}
		}
	}

	sess := grading.NewSession(client,
		grading.WithEditStrategy(pick(cfg.SyncEdits)),
		grading.WithBulkStrategy(pick(cfg.SyncBulk)),
		grading.WithLogger(log),
		grading.WithRecorder(m),
		grading.WithTimeout(cfg.SyncTimeout),
		grading.WithRefresh(func(s grading.Scores) {
			fmt.Fprintf(out, "score %d\n", s.Total)
		}),
	)

	var msrv *http.Server
	if cfg.MetricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", m.Handler())
		msrv = &http.Server{Addr: cfg.MetricsAddr, Handler: mux, ReadHeaderTimeout: 10 * time.Second}
		go func() {
			if err := msrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Error("metrics serve failed", zap.Error(err))
			}
		}()
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	go func() {
		<-ctx.Done()
		// unblocks the prompt's read so queued edits are flushed below
		_ = os.Stdin.Close()
	}()

	log.Info("console started",
		zap.String("remote", cfg.RemoteURL),
		zap.String("edits", cfg.SyncEdits),
		zap.String("bulk", cfg.SyncBulk))

	c := newConsole(sess, client, os.Stdin, out)
	if *examID > 0 {
		c.exec(ctx, fmt.Sprintf("exam %d", *examID))
		if *student != "" {
			c.exec(ctx, "load "+*student)
		}
	}
	c.run(ctx)

	sctx, scancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer scancel()
	if err := sess.Close(sctx); err != nil {
		log.Warn("session close", zap.Error(err))
	}
	if ob != nil {
		if err := ob.Flush(sctx); err != nil {
			log.Warn("unsent edits", zap.Int("pending", ob.Pending()), zap.Error(err))
		}
		ob.Close()
	}
	if msrv != nil {
		_ = msrv.Shutdown(sctx)
	}
	if err := shutdownTracing(sctx); err != nil {
		log.Warn("tracing shutdown", zap.Error(err))
	}
}
