package serverrun

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	cfgpkg "github.com/skeinlabs/skein/internal/config"
	"github.com/skeinlabs/skein/internal/coordinator"
	"github.com/skeinlabs/skein/internal/credit"
	"github.com/skeinlabs/skein/internal/hub"
	"github.com/skeinlabs/skein/internal/metrics"
	"github.com/skeinlabs/skein/internal/producer"
	httpserver "github.com/skeinlabs/skein/internal/server/http"
	"github.com/skeinlabs/skein/internal/session"
	pebblestore "github.com/skeinlabs/skein/internal/storage/pebble"
	logpkg "github.com/skeinlabs/skein/pkg/log"
)

func getenvDefault(key, def string) string {
	if v := getenv(key); v != "" {
		return v
	}
	return def
}

// indirection for tests
var getenv = os.Getenv

// Options configures the server process.
type Options struct {
	DataDir       string
	HTTPAddr      string
	Fsync         pebblestore.FsyncMode
	FsyncInterval time.Duration
	Config        cfgpkg.Config
}

// Run wires storage, ledger, hub, producers and the HTTP server, then blocks
// until the context is cancelled or a termination signal arrives.
func Run(ctx context.Context, opts Options) error {
	sctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg := opts.Config
	if err := cfg.Validate(); err != nil {
		return err
	}
	if opts.DataDir == "" {
		opts.DataDir = cfgpkg.DefaultDataDir()
	}

	logCfg := &logpkg.Config{
		Level:  getenvDefault("SKEIN_LOG_LEVEL", "info"),
		Format: getenvDefault("SKEIN_LOG_FORMAT", "text"),
	}
	logger, err := logpkg.ApplyConfig(logCfg)
	if err != nil {
		return err
	}
	logpkg.RedirectStdLog(logger)

	m := metrics.New()

	db, err := pebblestore.Open(pebblestore.Options{
		DataDir:       filepath.Join(opts.DataDir, "store"),
		Fsync:         opts.Fsync,
		FsyncInterval: opts.FsyncInterval,
		Metrics:       metrics.StorageHook{M: m},
	})
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer db.Close()

	rates := rateTable(cfg)

	var ledger credit.Ledger
	var accounts *credit.LocalLedger
	var sweeper *credit.Sweeper
	switch cfg.Credit.LedgerMode {
	case "http":
		ledger = credit.NewHTTPLedger(cfg.Credit.LedgerURL, 10*time.Second)
	default:
		local, err := credit.NewLocalLedger(db, rates, logger, credit.LocalLedgerOptions{
			InitialCredits:     cfg.Credit.InitialCredits,
			ReservationTimeout: time.Duration(cfg.Credit.ReservationTimeoutMs) * time.Millisecond,
		})
		if err != nil {
			return err
		}
		ledger = local
		accounts = local
		sweeper = credit.NewSweeper(local, credit.SweeperConfig{}, logger)
	}

	store := session.NewStore(db, logger)
	resolver := session.NewResolver(store, cfg.Resolver.MaxAttempts, time.Duration(cfg.Resolver.BaseDelayMs)*time.Millisecond)

	h := hub.New(hub.Options{
		MaxEvents:        cfg.Buffer.MaxEvents,
		RetentionMs:      cfg.Buffer.RetentionMs,
		SubscriberBuffer: cfg.Buffer.SubscriberBuffer,
		PrimaryBuffer:    cfg.Buffer.PrimaryBuffer,
		ExpiryWarnLeadMs: cfg.Buffer.ExpiryWarnLeadMs,
	}, logger, m)
	h.Start(sctx)
	defer h.Stop()

	registry, err := buildRegistry(cfg, logger)
	if err != nil {
		return err
	}

	coord := coordinator.New(store, resolver, ledger, rates, h, registry, m, logger, coordinator.Options{
		StreamTimeout:         time.Duration(cfg.StreamTimeoutMs) * time.Millisecond,
		AllowOnReserveFailure: !cfg.Credit.DenyOnFailure,
	})

	if sweeper != nil {
		sweeper.OnExpired = coord.OnReservationExpired
		sweeper.AddPassHook(func(hctx context.Context) {
			coord.PurgeRecordsBefore(hctx, time.Now().UnixMilli()-cfg.RecordRetentionMs)
		})
		sweeper.Start()
		defer sweeper.Stop()
	}

	logger.Info("starting skein server",
		logpkg.Str("http", opts.HTTPAddr),
		logpkg.Str("data_dir", opts.DataDir),
		logpkg.Str("ledger", cfg.Credit.LedgerMode),
		logpkg.Str("default_model", cfg.DefaultModel),
	)

	srv := httpserver.New(httpserver.Options{
		Coordinator: coord,
		Accounts:    accounts,
		Metrics:     m,
		Logger:      logger,
	})
	err = srv.ListenAndServe(sctx, opts.HTTPAddr)
	srv.Close()
	if err != nil && sctx.Err() == nil {
		return err
	}
	logger.Info("skein server stopped")
	return nil
}

func rateTable(cfg cfgpkg.Config) *credit.RateTable {
	rates := make(map[string]int64, len(cfg.Models))
	for id, mc := range cfg.Models {
		rates[id] = mc.CreditsPer1K
	}
	return credit.NewRateTable(rates, 1, cfg.Credit.BufferPct)
}

func buildRegistry(cfg cfgpkg.Config, logger logpkg.Logger) (*producer.Registry, error) {
	registry := producer.NewRegistry(cfg.DefaultModel, logger)

	var anthropicProd *producer.AnthropicProducer
	var openaiProd *producer.OpenAIProducer

	for id, mc := range cfg.Models {
		switch mc.Provider {
		case "anthropic":
			if anthropicProd == nil {
				p, err := producer.NewAnthropicProducer(getenv("ANTHROPIC_API_KEY"), logger)
				if err != nil {
					return nil, fmt.Errorf("model %s: %w", id, err)
				}
				anthropicProd = p
			}
			registry.Register(id, anthropicProd)
		case "openai":
			if openaiProd == nil {
				p, err := producer.NewOpenAIProducer(getenv("OPENAI_API_KEY"), logger)
				if err != nil {
					return nil, fmt.Errorf("model %s: %w", id, err)
				}
				openaiProd = p
			}
			registry.Register(id, openaiProd)
		case "scripted":
			registry.Register(id, scriptedBackend())
		default:
			return nil, fmt.Errorf("model %s: unknown provider %q", id, mc.Provider)
		}
	}
	return registry, nil
}

// scriptedBackend is the built-in development producer. It replays a short
// canned response so the full pipeline can be exercised without API keys.
func scriptedBackend() *producer.ScriptedProducer {
	words := []string{"This ", "is ", "a ", "scripted ", "development ", "response."}
	chunks := make([]producer.Chunk, 0, len(words))
	for _, w := range words {
		chunks = append(chunks, producer.Chunk{Text: w, Tokens: 1})
	}
	return &producer.ScriptedProducer{Chunks: chunks, Delay: 100 * time.Millisecond}
}
