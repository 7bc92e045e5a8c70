package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/ariefcatur/go-pos-payments/internal/checkout"
	"github.com/ariefcatur/go-pos-payments/internal/config"
	"github.com/ariefcatur/go-pos-payments/internal/httpx"
	"github.com/ariefcatur/go-pos-payments/internal/inventory"
	kafkax "github.com/ariefcatur/go-pos-payments/internal/kafka"
	"github.com/ariefcatur/go-pos-payments/internal/memstore"
	"github.com/ariefcatur/go-pos-payments/internal/mpesa"
	"github.com/ariefcatur/go-pos-payments/internal/postgres"
	"github.com/ariefcatur/go-pos-payments/internal/reconcile"
	"github.com/ariefcatur/go-pos-payments/internal/redisx"
	"github.com/ariefcatur/go-pos-payments/internal/sales"
)

func main() {
	_ = godotenv.Load()
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stdout, nil)))

	cfg := config.Load()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Store
	var store sales.Store
	switch cfg.StoreDriver {
	case "memory":
		mem := memstore.New()
		for _, p := range demoProducts() {
			mem.PutProduct(p)
		}
		store = mem
		slog.Warn("using in-memory store; data is lost on exit")
	default:
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
		repo := &sales.Repo{DB: db}
		if os.Getenv("SEED_DEMO") == "1" {
			for _, p := range demoProducts() {
				if err := repo.UpsertProduct(ctx, p); err != nil {
					slog.Error("seed product", "product_id", p.ID, "err", err)
				}
			}
		}
		store = repo
	}

	// Redis
	var cache redisx.Cache = redisx.Noop{}
	if cfg.RedisAddr != "" {
		rdb := redisx.New(cfg.RedisAddr)
		defer rdb.Close()
		if err := rdb.Ping(ctx).Err(); err != nil {
			slog.Warn("redis unavailable; cache calls will miss", "addr", cfg.RedisAddr, "err", err)
		}
		cache = redisx.Client{R: rdb}
	}

	// Kafka producers: finalized & anomaly
	pFin := kafkax.NewProducer(cfg.KafkaBrokers, sales.TopicSaleFinalized, 1024)
	pFin.Start(ctx)
	pAno := kafkax.NewProducer(cfg.KafkaBrokers, sales.TopicInventoryAnomaly, 1024)
	pAno.Start(ctx)

	// Gateway
	httpClient := &http.Client{Timeout: cfg.Mpesa.Timeout}
	gateway := &mpesa.Client{
		HTTP:        httpClient,
		BaseURL:     cfg.Mpesa.BaseURL,
		ShortCode:   cfg.Mpesa.ShortCode,
		PassKey:     cfg.Mpesa.PassKey,
		CallbackURL: cfg.Mpesa.CallbackURL,
		Tokens: &mpesa.TokenProvider{
			HTTP:           httpClient,
			BaseURL:        cfg.Mpesa.BaseURL,
			ConsumerKey:    cfg.Mpesa.ConsumerKey,
			ConsumerSecret: cfg.Mpesa.ConsumerSecret,
			Cache:          cache,
			CacheKey:       fmt.Sprintf(redisx.KeyGatewayToken, cfg.Mpesa.ShortCode),
			Skew:           time.Minute,
		},
	}

	// Services
	completer := &reconcile.Completer{
		Ledger:    &inventory.Ledger{},
		Finalized: pFin,
		Anomalies: pAno,
		Producer:  cfg.ServiceName,
	}
	orch := &checkout.Orchestrator{
		Store:       store,
		Gateway:     gateway,
		Completer:   completer,
		Cache:       cache,
		PushTimeout: cfg.Mpesa.Timeout,
		QRTTL:       cfg.QRTTL,
	}
	matcher := &reconcile.QRMatcher{Store: store, Completer: completer, TTL: cfg.QRTTL, Window: cfg.QRMatchWindow}
	limiter := httpx.NewRateLimiter(cfg.RateRPS, cfg.RateBurst)

	router := httpx.NewRouter()
	(&httpx.SalesHandler{Checkout: orch, Completer: completer, Limiter: limiter}).Register(router)
	(&httpx.PaymentsHandler{
		Callbacks: &reconcile.CallbackReconciler{Store: store, Completer: completer, Dedup: cache},
		QR:        matcher,
		Manual:    &reconcile.ManualEntryVerifier{Store: store, Completer: completer},
		Limiter:   limiter,
	}).Register(router)

	// The feed worker cannot see an in-process store, so match here instead.
	matchDone := make(chan struct{})
	if cfg.StoreDriver == "memory" {
		go func() {
			defer close(matchDone)
			matcher.Run(ctx, cfg.QRPollInterval)
		}()
	} else {
		close(matchDone)
	}

	// HTTP server
	srv := &http.Server{Addr: cfg.HTTPAddr, Handler: router, ReadHeaderTimeout: 5 * time.Second}

	// graceful shutdown
	go func() {
		slog.Info("http listening", "addr", cfg.HTTPAddr, "store", cfg.StoreDriver)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("listen", "err", err)
			os.Exit(1)
		}
	}()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig
	slog.Info("shutting down")

	ctx2, cancel2 := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel2()
	if err := srv.Shutdown(ctx2); err != nil {
		// late handlers may still publish; the producers drop after Close
		slog.Warn("http shutdown incomplete", "err", err)
	}
	cancel()
	select {
	case <-matchDone:
	case <-ctx2.Done():
	}
	pFin.Close()
	pAno.Close()
	pFin.WaitClosed()
	pAno.WaitClosed()
}
