package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"spotbot/internal/api"
	"spotbot/internal/buffer"
	"spotbot/internal/control"
	"spotbot/internal/executor"
	"spotbot/internal/ledger"
	"spotbot/internal/monitor"
	"spotbot/internal/notify"
	"spotbot/internal/risk"
	"spotbot/internal/sim"
	"spotbot/internal/strategy"
	"spotbot/internal/stream"
	"spotbot/pkg/config"
	"spotbot/pkg/db"
	"spotbot/pkg/exchange/binance"
)

func main() {
	log.SetFlags(log.LstdFlags | log.Lmicroseconds)

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("load config: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		log.Fatalf("invalid config: %v", err)
	}
	log.Printf("starting in %s mode, symbols=%s timeframe=%s",
		cfg.Mode, strings.Join(cfg.Symbols, ","), cfg.Timeframe)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	database, err := db.New(cfg.DBPath)
	if err != nil {
		log.Fatalf("open database: %v", err)
	}
	defer database.Close()
	if err := database.ApplySchema(ctx); err != nil {
		log.Fatalf("apply schema: %v", err)
	}

	store := ledger.NewStore(cfg.StatePath, cfg.DedupTTL())
	if err := store.SetInitial(cfg.Mode, cfg.Symbols); err != nil {
		log.Fatalf("init state ledger: %v", err)
	}

	flags, err := control.NewFlags(cfg.FlagDir)
	if err != nil {
		log.Fatalf("init control flags: %v", err)
	}

	cache := buffer.NewCache(cfg.BufferCapacity)
	registry := strategy.NewRegistry(cfg)
	governor := risk.NewGovernor(risk.Config{
		CapitalPerTradePct: cfg.Risk.CapitalPerTradePct,
		MaxDailyLossPct:    cfg.Risk.MaxDailyLossPct,
		MaxTradesPerDay:    cfg.Risk.MaxTradesPerDay,
		CapitalBase:        cfg.Risk.CapitalBase,
	})
	notifier := notify.NewTelegram(cfg.TelegramToken, cfg.TelegramChat)
	metrics := monitor.New()

	var runner *stream.Runner
	var engine *executor.Engine
	var weight monitor.WeightSource

	if cfg.Mode == config.ModeTrade {
		client := binance.New(binance.Config{
			APIKey:    cfg.APIKey,
			APISecret: cfg.APISecret,
			Testnet:   cfg.Testnet,
		})
		client.StartTimeSync(ctx)
		weight = client

		filters := executor.NewFilterCache()
		if err := filters.Warm(ctx, client, cfg.Symbols); err != nil {
			log.Fatalf("warm symbol filters: %v", err)
		}

		engine = executor.NewEngine(executor.Config{
			StopLossPct:      cfg.Risk.StopLossPct,
			TakeProfitPct:    cfg.Risk.TakeProfitPct,
			ProtectiveOrders: cfg.ProtectiveOrders,
		}, client, filters, governor, store, database, notifier)

		for _, sym := range cfg.Symbols {
			if err := engine.Reconcile(ctx, sym); err != nil {
				log.Printf("reconcile %s: %v", sym, err)
			}
		}

		runner = stream.NewRunner(cfg, client, binance.NewStreamClient(cfg.Testnet),
			cache, registry, store, flags, engine)
		go runner.Run(ctx)
	} else {
		go sim.New(cfg, cache, registry, store, flags).Run(ctx)
	}

	go metrics.Collect(ctx, store, flags, runner, weight)

	server := api.NewServer(cfg, store, database, flags, runner, engine, governor, metrics)
	server.Start()

	<-ctx.Done()
	log.Printf("shutting down")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Printf("api shutdown: %v", err)
	}
}
