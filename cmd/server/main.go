package main

import (
	"context"
	"errors"
	"io/fs"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"
	"go.uber.org/multierr"

	"github.com/agrifutures/futures-engine/internal/api"
	"github.com/agrifutures/futures-engine/internal/command"
	"github.com/agrifutures/futures-engine/internal/config"
	"github.com/agrifutures/futures-engine/internal/engine"
	"github.com/agrifutures/futures-engine/internal/ledger"
	"github.com/agrifutures/futures-engine/internal/logger"
	"github.com/agrifutures/futures-engine/internal/mobilemoney"
	"github.com/agrifutures/futures-engine/internal/oracle"
	"github.com/agrifutures/futures-engine/internal/sms"
	"github.com/agrifutures/futures-engine/internal/store"
)

const serviceName = "futures-engine"

func main() {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		os.Stderr.WriteString("loading .env: " + err.Error() + "\n")
		os.Exit(1)
	}
	cfg, err := config.Load()
	if err != nil {
		os.Stderr.WriteString(err.Error() + "\n")
		os.Exit(1)
	}
	log := logger.New(logger.Options{
		ServiceName: serviceName,
		Level:       logger.ParseLevel(cfg.App.LogLevel),
		WarnStack:   cfg.App.LogWarnStack,
		Format:      cfg.App.LogFormat,
	})
	if err := run(cfg, log); err != nil {
		log.Error(context.Background(), "futures-engine stopped with error", err)
		os.Exit(1)
	}
}

func run(cfg *config.Config, log *logger.Logger) (err error) {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var closers []func() error
	defer func() {
		for i := len(closers) - 1; i >= 0; i-- {
			err = multierr.Append(err, closers[i]())
		}
	}()

	// --- Store ---
	var st store.Store
	var rdb *redis.Client
	if cfg.Redis.URL != "" {
		opt, perr := redis.ParseURL(cfg.Redis.URL)
		if perr != nil {
			return perr
		}
		rdb = redis.NewClient(opt)
		closers = append(closers, rdb.Close)
		log.Info(ctx, "redis enabled")
	}

	if cfg.DB.DSN != "" {
		if cfg.DB.AutoMigrate {
			if err := migrate(ctx, cfg.DB.DSN); err != nil {
				return err
			}
			log.Info(ctx, "database migrations applied")
		}
		poolCfg, perr := pgxpool.ParseConfig(cfg.DB.DSN)
		if perr != nil {
			return perr
		}
		poolCfg.MaxConns = cfg.DB.MaxConns
		pool, perr := pgxpool.NewWithConfig(ctx, poolCfg)
		if perr != nil {
			return perr
		}
		closers = append(closers, func() error { pool.Close(); return nil })
		st = store.NewPostgresStore(pool)
		log.Info(ctx, "connected to PostgreSQL")
		if rdb != nil {
			st = store.NewCachedStore(st, rdb, cfg.Redis.CacheTTL)
		}
	} else {
		log.Warn(ctx, "AGRI_DB_DSN not set, using in-memory store (data will not persist)")
		st = store.NewMemoryStore()
	}

	// --- Price oracle ---
	oracleOpts := []oracle.Option{oracle.WithWriter(st), oracle.WithLogger(log)}
	if cfg.Oracle.APIKey != "" {
		oracleOpts = append(oracleOpts, oracle.WithLiveSource(
			oracle.NewAlphaVantage(cfg.Oracle.BaseURL, cfg.Oracle.APIKey, cfg.Oracle.Timeout)))
	}
	if rdb != nil {
		oracleOpts = append(oracleOpts, oracle.WithCache(oracle.NewRedisCache(rdb, cfg.Oracle.FreshnessWindow)))
	}
	prices := oracle.New(cfg.OracleSettings(), oracleOpts...)

	// --- Ledger settlement ---
	settlement, err := newSettlement(ctx, cfg, log)
	if err != nil {
		return err
	}

	// --- Mobile money ---
	var (
		payments engine.Payments
		verifier api.WebhookVerifier
	)
	if cfg.MobileMoney.AccessKey != "" {
		client := mobilemoney.New(mobilemoney.Config{
			BaseURL:   cfg.MobileMoney.BaseURL,
			AccessKey: cfg.MobileMoney.AccessKey,
			SecretKey: cfg.MobileMoney.SecretKey,
			Timeout:   cfg.MobileMoney.Timeout,
		})
		payments, verifier = client, client
	} else {
		if cfg.App.IsProd() {
			return errors.New("AGRI_MOBILE_MONEY_ACCESS_KEY is required in prod")
		}
		log.Warn(ctx, "mobile money credentials not set, using in-memory processor")
		payments = mobilemoney.NewMemory()
	}

	// --- SMS gateway ---
	var sender sms.Sender
	if cfg.SMS.AccountSID != "" {
		sender = sms.NewTwilio(sms.Config{
			BaseURL:    cfg.SMS.BaseURL,
			AccountSID: cfg.SMS.AccountSID,
			AuthToken:  cfg.SMS.AuthToken,
			From:       cfg.SMS.From,
			Timeout:    cfg.SMS.Timeout,
		})
	} else {
		log.Warn(ctx, "sms gateway credentials not set, replies are kept in memory")
		sender = &sms.Outbox{}
	}

	// --- Engine and interpreter ---
	eng, err := engine.New(st, prices, settlement, payments, cfg.EngineSettings(), engine.WithLogger(log))
	if err != nil {
		return err
	}
	interp := command.New(eng,
		command.WithSender(sender),
		command.WithLogger(log),
		command.WithSendTimeout(cfg.SMS.Timeout))

	hub := api.NewHub(log)
	go hub.Run(ctx)
	prices.Subscribe(hub.PublishQuote)
	eng.Subscribe(hub.PublishEvent)

	if cfg.App.ExpirySweepInterval > 0 {
		go sweepExpired(ctx, eng, cfg.App.ExpirySweepInterval, log)
	}

	// --- HTTP server ---
	server := api.NewServer(eng, interp, verifier, hub, log, api.Config{
		ServiceName: serviceName,
		AdminToken:  cfg.Admin.Token,
	})
	srv := &http.Server{
		Addr:        ":" + cfg.App.Port,
		Handler:     server.Router(),
		ReadTimeout: 10 * time.Second,
		// Outbound SMS and ledger calls run inside webhook requests.
		WriteTimeout: 45 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info(log.WithField(ctx, "port", cfg.App.Port), "futures-engine listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		if err != nil {
			return err
		}
	}

	log.Info(context.Background(), "shutting down futures-engine")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

// newSettlement connects to Horizon when an issuer secret is configured.
// Without one, dev runs issue assets on an in-memory network with a
// throwaway issuer.
func newSettlement(ctx context.Context, cfg *config.Config, log *logger.Logger) (*ledger.Settlement, error) {
	passphrase := ledger.Passphrase(cfg.Stellar.Testnet)
	if cfg.Stellar.IssuerSecret != "" {
		net := ledger.NewHorizon(cfg.Stellar.HorizonURL, cfg.Stellar.Testnet, cfg.Stellar.Timeout)
		return ledger.NewSettlement(net, cfg.Stellar.IssuerSecret, passphrase, ledger.WithSettlementLogger(log))
	}

	log.Warn(ctx, "stellar issuer not configured, using in-memory ledger")
	net := ledger.NewMemoryNetwork()
	issuer, err := ledger.NewKeys()
	if err != nil {
		return nil, err
	}
	if err := net.FundAccount(ctx, issuer.Public); err != nil {
		return nil, err
	}
	return ledger.NewSettlement(net, issuer.Secret, passphrase, ledger.WithSettlementLogger(log))
}

func migrate(ctx context.Context, dsn string) (err error) {
	db, err := store.OpenSQL(dsn)
	if err != nil {
		return err
	}
	defer func() { err = multierr.Append(err, db.Close()) }()
	return store.Migrate(ctx, db, "up")
}

func sweepExpired(ctx context.Context, eng *engine.Engine, every time.Duration, log *logger.Logger) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := eng.Expire(ctx, eng.Now())
			if err != nil {
				log.Error(ctx, "expiry sweep failed", err)
				continue
			}
			if n > 0 {
				log.Info(log.WithField(ctx, "expired", n), "expiry sweep completed")
			}
		}
	}
}
