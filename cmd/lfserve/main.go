// lfserve runs the correspondence job server: an HTTP API that queues
// correspondence jobs, runs them in the background and stores their records.
package main

import (
	"context"
	"database/sql"
	"errors"
	"flag"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/pkg/browser"
	_ "modernc.org/sqlite"

	"github.com/stevecastle/lightfield/appconfig"
	"github.com/stevecastle/lightfield/auth"
	"github.com/stevecastle/lightfield/jobqueue"
	"github.com/stevecastle/lightfield/logging"
	"github.com/stevecastle/lightfield/records"
	"github.com/stevecastle/lightfield/runners"
	"github.com/stevecastle/lightfield/server"
	"github.com/stevecastle/lightfield/stream"
	"github.com/stevecastle/lightfield/tasks"
)

const shutdownTimeout = 30 * time.Second

func main() {
	addr := flag.String("addr", "", "listen address (default: config listenAddr)")
	open := flag.Bool("open", false, "open the jobs page in a browser once listening")
	flag.Parse()

	cfg, path, err := appconfig.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}
	if *addr != "" {
		cfg.ListenAddr = *addr
	}
	log := logging.FromConfig(cfg.LogFormat, cfg.LogLevel)
	log.Info("config loaded", "path", path)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := serve(ctx, cfg, log, *open); err != nil {
		log.Error("server stopped", "error", err)
		os.Exit(1)
	}
}

// initDB opens the SQLite database and creates the record tables.
func initDB(ctx context.Context, dbPath string, log *logging.Logger) (*sql.DB, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// SQLite allows a single writer.
	db.SetMaxOpenConns(1)
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	if err := records.CreateTable(ctx, db); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create records table: %w", err)
	}
	log.Info("connected to database", "path", dbPath)
	return db, nil
}

func serve(ctx context.Context, cfg appconfig.Config, log *logging.Logger, openBrowser bool) error {
	db, err := initDB(ctx, cfg.DBPath, log)
	if err != nil {
		return err
	}
	defer db.Close()

	authSvc, err := auth.NewAuthService(db, cfg.JWTSecret)
	if err != nil {
		return err
	}
	password, err := authSvc.CreateDefaultUser()
	if err != nil {
		return fmt.Errorf("failed to create default user: %w", err)
	}
	if password != "" {
		log.Warn("created default user; change its password", "username", "admin", "password", password)
	}

	hub := stream.NewHub(log)
	defer hub.Shutdown()

	queue, err := jobqueue.NewQueueWithDB(db,
		jobqueue.WithPublisher(hub),
		jobqueue.WithLogger(log),
		jobqueue.WithMaxRunning(cfg.MaxRunningJobs),
	)
	if err != nil {
		return err
	}
	log.Info("job queue initialized", "jobs", len(queue.GetJobs()))

	loader := cfg.LoaderOptions()
	env := &tasks.Env{
		DB:       db,
		Engine:   cfg.EngineConfig(),
		Loader:   loader,
		Logger:   log,
		DebugDir: cfg.DebugDir,
	}
	run := runners.New(queue, env, nil)
	// Pick up jobs reloaded as pending.
	run.CheckForJobs()

	srv := &http.Server{
		Addr: cfg.ListenAddr,
		Handler: server.New(server.Options{
			Queue:      queue,
			DB:         db,
			Auth:       authSvc,
			Hub:        hub,
			SubmitRate: cfg.SubmitRatePerSecond,
			Logger:     log,
		}).Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	ln, err := net.Listen("tcp", cfg.ListenAddr)
	if err != nil {
		return err
	}
	log.Info("listening", "addr", ln.Addr().String())
	if openBrowser {
		_ = browser.OpenURL("http://" + ln.Addr().String() + "/")
	}

	errCh := make(chan error, 1)
	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	log.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	// Close streams first so Shutdown does not wait on open SSE connections.
	hub.Shutdown()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error("http shutdown", "error", err)
	}
	if err := run.Shutdown(shutdownCtx); err != nil {
		log.Warn("jobs still running at shutdown; they resume on next start", "error", err)
	}
	return nil
}
