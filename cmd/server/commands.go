package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/urfave/cli/v2"

	"github.com/calendar-sync-engine/backend/internal/api"
	"github.com/calendar-sync-engine/backend/internal/storage"
)

// serve runs the HTTP server with the sync workers and the scheduler until
// SIGINT or SIGTERM.
func serve(c *cli.Context) error {
	cfg, logger, err := loadConfig(c)
	if err != nil {
		return err
	}
	logger.WithField("version", version).Info("Starting calendar sync engine")

	ctx, stop := signal.NotifyContext(c.Context, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	e, err := newEngine(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer e.Close()

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		e.hub.Run(ctx)
	}()
	go func() {
		defer wg.Done()
		e.orchestrator.Run(ctx, cfg.Queue.Workers)
	}()

	if err := e.scheduler.Start(ctx); err != nil {
		logger.WithError(err).Warn("Failed to start scheduler")
	}

	server := &http.Server{
		Addr:         cfg.Server.Addr,
		Handler:      api.NewRouter(e.services(), logger.WithField("component", "api")),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	serverErr := make(chan error, 1)
	go func() {
		logger.WithField("addr", cfg.Server.Addr).Info("Server listening")
		if err := server.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
		close(serverErr)
	}()

	select {
	case <-ctx.Done():
	case err := <-serverErr:
		if err != nil {
			stop()
			wg.Wait()
			e.scheduler.Stop()
			return fmt.Errorf("server error: %w", err)
		}
	}

	logger.Info("Shutting down server...")
	e.scheduler.Stop()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.WithError(err).Error("Server shutdown error")
	}

	stop()
	wg.Wait()
	logger.Info("Server stopped")
	return nil
}

// migrate applies the schema and exits.
func migrate(c *cli.Context) error {
	cfg, logger, err := loadConfig(c)
	if err != nil {
		return err
	}

	db, err := storage.Open(cfg.Server.DataDir, cfg.Server.DatabaseURL)
	if err != nil {
		return fmt.Errorf("opening database: %w", err)
	}
	defer db.Close()

	if err := storage.RunMigrations(c.Context, db, logger); err != nil {
		return fmt.Errorf("running migrations: %w", err)
	}
	logger.Info("Migrations applied")
	return nil
}

// healthCheck probes the health endpoint of a running server.
func healthCheck(c *cli.Context) error {
	cfg, _, err := loadConfig(c)
	if err != nil {
		return err
	}

	client := &http.Client{Timeout: 5 * time.Second}
	resp, err := client.Get("http://localhost" + cfg.Server.Addr + "/api/health")
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("health check returned %d", resp.StatusCode)
	}
	return nil
}

// fullSync reconciles one integration and processes the jobs it enqueued.
func fullSync(c *cli.Context) error {
	cfg, logger, err := loadConfig(c)
	if err != nil {
		return err
	}

	e, err := newEngine(c.Context, cfg, logger)
	if err != nil {
		return err
	}
	defer e.Close()

	integrationID := c.String("integration")
	report, syncErr := e.orchestrator.FullSync(c.Context, integrationID)
	if report != nil {
		logger.WithFields(logrus.Fields{
			"integration_id":  integrationID,
			"external_events": report.ExternalEvents,
			"internal_events": report.InternalEvents,
			"enqueued":        report.Enqueued,
		}).Info("Full sync reconciled")
	}

	handled, err := e.orchestrator.Drain(c.Context)
	logger.WithField("jobs", handled).Info("Sync jobs processed")
	if pending := e.queue.Stats().Delayed; pending > 0 {
		logger.WithField("delayed", pending).Warn("Some jobs are waiting for retry and were not processed")
	}
	return errors.Join(syncErr, err)
}

// renew renews due subscriptions and re-creates expired ones.
func renew(c *cli.Context) error {
	cfg, logger, err := loadConfig(c)
	if err != nil {
		return err
	}

	e, err := newEngine(c.Context, cfg, logger)
	if err != nil {
		return err
	}
	defer e.Close()

	renewed, renewErr := e.subscriptions.RenewDue(c.Context)
	logger.WithFields(logrus.Fields{
		"due":     renewed.Due,
		"renewed": renewed.Renewed,
		"failed":  len(renewed.Failed),
	}).Info("Subscription renewal finished")

	health, healthErr := e.subscriptions.ValidateHealth(c.Context)
	logger.WithFields(logrus.Fields{
		"checked":   health.Checked,
		"healthy":   health.Healthy,
		"recreated": health.Recreated,
		"failed":    len(health.Failed),
	}).Info("Subscription health validated")

	return errors.Join(renewErr, healthErr)
}
