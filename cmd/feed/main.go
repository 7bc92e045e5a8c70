package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/ariefcatur/go-pos-payments/internal/config"
	"github.com/ariefcatur/go-pos-payments/internal/inventory"
	kafkax "github.com/ariefcatur/go-pos-payments/internal/kafka"
	"github.com/ariefcatur/go-pos-payments/internal/postgres"
	"github.com/ariefcatur/go-pos-payments/internal/reconcile"
	"github.com/ariefcatur/go-pos-payments/internal/sales"
)

func main() {
	_ = godotenv.Load()
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stdout, nil)))

	cfg := config.Load()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// DB
	db, err := postgres.Connect(ctx, cfg.PostgresDSN, cfg.PGMaxConns, cfg.TxTimeout)
	if err != nil {
		slog.Error("db connect", "err", err)
		os.Exit(1)
	}
	defer db.Close()
	if err := postgres.Migrate(ctx, db); err != nil {
		slog.Error("db migrate", "err", err)
		os.Exit(1)
	}
	store := &sales.Repo{DB: db}

	// Producers: finalized & anomaly
	pFin := kafkax.NewProducer(cfg.KafkaBrokers, sales.TopicSaleFinalized, 1024)
	pFin.Start(ctx)
	pAno := kafkax.NewProducer(cfg.KafkaBrokers, sales.TopicInventoryAnomaly, 1024)
	pAno.Start(ctx)

	completer := &reconcile.Completer{
		Ledger:    &inventory.Ledger{},
		Finalized: pFin,
		Anomalies: pAno,
		Producer:  cfg.ServiceName + "-feed",
	}
	ingester := &reconcile.FeedIngester{Store: store}
	matcher := &reconcile.QRMatcher{Store: store, Completer: completer, TTL: cfg.QRTTL, Window: cfg.QRMatchWindow}

	// Consumer
	cons := kafkax.NewConsumer(cfg.KafkaBrokers, cfg.FeedGroup, sales.TopicPaymentNotifications, cfg.FeedWorkers)
	go func() {
		slog.Info("feed consumer started", "group", cfg.FeedGroup, "topic", sales.TopicPaymentNotifications, "workers", cfg.FeedWorkers)
		if err := cons.Start(ctx, ingester.HandleMessage); err != nil {
			slog.Error("consumer exit", "err", err)
			cancel()
		}
	}()

	// Matcher loop
	done := make(chan struct{})
	go func() {
		defer close(done)
		slog.Info("qr matcher started", "interval", cfg.QRPollInterval.String())
		matcher.Run(ctx, cfg.QRPollInterval)
	}()

	// graceful shutdown
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	select {
	case <-sig:
	case <-ctx.Done():
	}
	slog.Info("shutting down feed worker")
	cancel()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
	}
	pFin.Close()
	pAno.Close()
	pFin.WaitClosed()
	pAno.WaitClosed()
}
