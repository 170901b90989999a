package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"github.com/dbmazz/cdc/internal/config"
	"github.com/dbmazz/cdc/internal/control"
	"github.com/dbmazz/cdc/internal/engine"
	"github.com/dbmazz/cdc/internal/logger"
)

var (
	// Version information (injected at build time)
	Version   = "dev"
	BuildTime = "unknown"
	GitCommit = "unknown"
)

func main() {
	cfg, flags, err := config.LoadWithFlags()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		config.PrintUsage()
		os.Exit(1)
	}

	if flags.ShowVersion {
		fmt.Printf("Version: %s\n", Version)
		fmt.Printf("Build Time: %s\n", BuildTime)
		fmt.Printf("Git Commit: %s\n", GitCommit)
		os.Exit(0)
	}

	if err := logger.Init(cfg); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}

	log := logger.GetLogger().WithFields(logrus.Fields{
		"version":    Version,
		"build_time": BuildTime,
		"git_commit": GitCommit,
	})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	eng := engine.New(cfg, log)
	eng.LogBanner()
	setupErr := eng.Setup(ctx)

	if log.Logger.GetLevel() == logrus.DebugLevel {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}
	router := control.NewRouter(eng)
	controlServer := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.ControlPort),
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		log.WithField("addr", controlServer.Addr).Info("control facade listening")
		if err := controlServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.WithError(err).Error("control facade stopped unexpectedly")
		}
	}()

	if setupErr != nil {
		log.WithError(setupErr).Error("setup failed; control facade stays up until shutdown")
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		_ = controlServer.Shutdown(shutdownCtx)
		cancel()
		os.Exit(1)
	}

	runErr := make(chan error, 1)
	go func() { runErr <- eng.Run(ctx) }()

	select {
	case <-ctx.Done():
		log.Info("shutdown signal received, draining")
		drainCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		if err := eng.DrainAndStop(drainCtx); err != nil {
			log.WithError(err).Warn("drain and stop did not complete cleanly")
		}
		cancel()
		<-runErr
	case err := <-runErr:
		if err != nil {
			log.WithError(err).Error("engine run terminated")
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = controlServer.Shutdown(shutdownCtx)

	if eng.GetStage() == engine.StageFailed {
		os.Exit(1)
	}
}
