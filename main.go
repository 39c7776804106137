package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"liqcore/internal/api"
	"liqcore/internal/monitor"
	"liqcore/internal/order"
	"liqcore/internal/tranche"
	"liqcore/pkg/config"
	"liqcore/pkg/db"
	"liqcore/pkg/exchanges/binance"
	market "liqcore/pkg/market/binance"
)

func main() {
	log.SetFlags(log.LstdFlags | log.Lmicroseconds)

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config load failed: %v", err)
	}
	log.Printf("starting liquidation core on port %s (testnet=%v, hedge=%v)",
		cfg.Port, cfg.BinanceTestnet, cfg.HedgeMode)

	symbols, err := config.LoadSymbolBook(cfg.SymbolSettingsPath)
	if err != nil {
		log.Fatalf("symbol settings load failed: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	database, err := db.New(cfg.DBPath)
	if err != nil {
		log.Fatalf("db init failed: %v", err)
	}
	defer database.Close()
	if err := db.ApplyMigrations(database); err != nil {
		log.Fatalf("db migrations failed: %v", err)
	}

	gov := binance.NewGovernor(cfg.WeightLimit, cfg.OrderLimit)
	client := binance.NewClient(binance.Config{
		APIKey:    cfg.BinanceAPIKey,
		APISecret: cfg.BinanceAPISecret,
		Testnet:   cfg.BinanceTestnet,
	}, gov)

	store := tranche.NewStore()
	mon := monitor.New(client, store, database.Queries(), symbols, monitor.Options{
		HedgeMode:        cfg.HedgeMode,
		InstantTPEnabled: cfg.InstantTPEnabled,
		BatchEnabled:     cfg.TPSLBatchEnabled,
		AdverseMovePct:   cfg.TranchePnLIncrementPct,
		MaxTranches:      cfg.MaxTranchesPerSide,
	})

	if cfg.UsePositionMonitor {
		if err := mon.Recover(ctx); err != nil {
			log.Printf("startup recovery failed, continuing with empty state: %v", err)
		}
	}

	fills := make(chan monitor.FillEvent, 256)
	exits := make(chan monitor.ExitFill, 256)

	if cfg.UsePositionMonitor {
		go mon.Run(ctx, fills, exits)

		userStream := order.NewUserStream(client, cfg.BinanceTestnet, fills, exits)
		go userStream.Run(ctx)

		markStream := market.NewMarkStream(cfg.BinanceTestnet,
			time.Duration(cfg.ReconnectDelaySec)*time.Second,
			func(tick market.PriceTick) { mon.OnMarkPrice(ctx, tick) })
		go markStream.Run(ctx)
	} else {
		log.Println("position monitor disabled, running ops API only")
	}

	version := os.Getenv("APP_VERSION")
	if version == "" {
		version = "v1.0-dev"
	}
	server := api.NewServer(gov, mon, api.SystemMeta{
		Testnet:   cfg.BinanceTestnet,
		HedgeMode: cfg.HedgeMode,
		Version:   version,
	}, cfg.JWTSecret)

	go func() {
		if err := server.Start(":" + cfg.Port); err != nil {
			log.Fatalf("api server failed: %v", err)
		}
	}()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig
	log.Println("shutting down")
	cancel()
	time.Sleep(500 * time.Millisecond) // let in-flight handlers finish logging
}
