package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/zoff-tech/go-deploybot/pkg/broker"
	"github.com/zoff-tech/go-deploybot/pkg/config"
	"github.com/zoff-tech/go-deploybot/pkg/github"
	"github.com/zoff-tech/go-deploybot/pkg/ingress"
	"github.com/zoff-tech/go-deploybot/pkg/logging"
	"github.com/zoff-tech/go-deploybot/pkg/processor"
	"github.com/zoff-tech/go-deploybot/pkg/projection"
	"github.com/zoff-tech/go-deploybot/pkg/router"
	"github.com/zoff-tech/go-deploybot/pkg/slack"
	"github.com/zoff-tech/go-deploybot/pkg/store"
	"github.com/zoff-tech/go-deploybot/pkg/telemetry"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Load configuration from file or environment. LoadFromFile validates.
	cfg, err := config.LoadFromFile("./cmd/deploybot")
	if err != nil {
		logrus.WithError(err).Fatal("error loading configuration")
	}

	if err := logging.Setup(cfg.Logging); err != nil {
		logrus.WithError(err).Fatal("invalid logging configuration")
	}

	shutdownTelemetry, err := telemetry.Init(cfg.Observability)
	if err != nil {
		logrus.WithError(err).Fatal("failed to initialize telemetry")
	}
	defer shutdownTelemetry()

	repo, err := store.NewRepository(ctx, cfg.Database)
	if err != nil {
		logrus.WithError(err).Fatal("failed to initialize repository")
	}
	defer func() {
		if err := repo.Close(context.Background()); err != nil {
			logrus.WithError(err).Warn("failed to close repository")
		}
	}()

	var republisher broker.MessageBroker
	if cfg.Broker.Enabled() {
		republisher, err = broker.NewBroker(ctx, &cfg.Broker)
		if err != nil {
			logrus.WithError(err).Fatal("failed to initialize broker")
		}
		defer republisher.Close()
	}

	var commits projection.CommitComparer
	if cfg.GitHub.Owner != "" && cfg.GitHub.Repo != "" {
		comparer, err := github.NewComparer(cfg.GitHub)
		if err != nil {
			logrus.WithError(err).Fatal("failed to initialize github client")
		}
		commits = comparer
	}

	links := router.Links{GoCD: cfg.Links.GoCDURL, Freight: cfg.Links.FreightURL, GitHub: cfg.Links.GitHubURL}
	subscribers := router.SubscribersFromConfig(cfg.Feeds, cfg.Alerts)
	r := router.New(repo, slack.NewPoster(cfg.Slack), links, subscribers...)
	dispatcher := processor.NewDeliveryProcessor(r, projection.New(repo, commits), republisher, cfg.Broker)

	server := &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           ingress.NewRouter(dispatcher, cfg.Observability.ServiceName),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		logrus.WithFields(logrus.Fields{"addr": cfg.Server.Addr, "subscribers": len(subscribers)}).Info("deploybot listening")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logrus.WithError(err).Error("server stopped")
			stop()
		}
	}()

	<-ctx.Done()
	logrus.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logrus.WithError(err).Error("server forced to shutdown")
	}
}
