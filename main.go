package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/connortoro/aicompare/internal/app"
	"github.com/connortoro/aicompare/internal/config"

	"github.com/sirupsen/logrus"
)

func main() {
	ctx := context.Background()

	cfg, err := config.LoadYAML(os.Getenv("CONFIG_PATH"))
	if err != nil {
		logrus.WithError(err).Fatal("Failed to load configuration")
	}

	app.ConfigureLogging(cfg.Logging)

	logrus.WithFields(logrus.Fields{
		"port":               cfg.Server.Port,
		"host":               cfg.Server.Host,
		"default_model":      cfg.Chat.DefaultModel,
		"models":             len(cfg.Chat.Models),
		"enable_persistence": cfg.Database.EnablePersistence,
	}).Info("Starting AI Compare")

	a, err := app.New(ctx, cfg)
	if err != nil {
		logrus.WithError(err).Fatal("Failed to initialize application")
	}

	ginRouter := a.Router().SetupRoutes()

	address := fmt.Sprintf("%s:%s", cfg.Server.Host, cfg.Server.Port)
	// No WriteTimeout: event streams stay open for the life of the page.
	server := &http.Server{
		Addr:              address,
		Handler:           ginRouter,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	// Closing the conversation ends every open event stream, so Shutdown
	// is not left waiting on them.
	server.RegisterOnShutdown(a.Controller.Close)

	c := make(chan os.Signal, 1)
	signal.Notify(c, os.Interrupt, syscall.SIGTERM)

	go func() {
		logrus.WithField("address", address).Info("Server starting")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logrus.WithError(err).Fatal("Failed to start server")
		}
	}()

	<-c
	logrus.Info("Shutting down server...")

	shutdownTimeout := cfg.Server.ShutdownTimeout
	if shutdownTimeout <= 0 {
		shutdownTimeout = 15 * time.Second
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logrus.WithError(err).Error("Server forced to shutdown")
	} else {
		logrus.Info("Server shutdown complete")
	}

	a.Close()
	logrus.Info("Shutdown complete")
}
