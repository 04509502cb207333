package main

import (
	"context"
	"flag"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/coinpilot/coinpilot/internal/alerts"
	"github.com/coinpilot/coinpilot/internal/config"
	"github.com/coinpilot/coinpilot/internal/marketdata"
	"github.com/coinpilot/coinpilot/internal/observ"
	"github.com/coinpilot/coinpilot/internal/risk"
	"github.com/coinpilot/coinpilot/internal/server"
	"github.com/coinpilot/coinpilot/internal/store"
)

func main() {
	configPath := flag.String("config", "config.yaml", "path to yaml config")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		observ.Setup("info")
		boot := observ.Component("dashboard")
		boot.Fatal().Err(err).Msg("load config")
	}
	observ.Setup(cfg.LogLevel)
	log := observ.Component("dashboard")

	st, err := store.Open(cfg.Store.Path)
	if err != nil {
		log.Fatal().Err(err).Msg("open store")
	}
	defer st.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var stream *marketdata.Stream
	if cfg.MarketData.StreamEnabled {
		stream = marketdata.NewStream(cfg.MarketData.StreamURL, cfg.Trading.SupportedSymbols)
		go stream.Run(ctx)
	}

	notifier := alerts.NewNotifier(cfg.Alerts.WebhookURL, time.Duration(cfg.Alerts.TimeoutMs)*time.Millisecond)

	srv := server.New(server.Options{
		Store:    st,
		Stream:   stream,
		Notifier: notifier,
		Limits: risk.Limits{
			MaxPortfolioRiskPerTrade: cfg.Risk.MaxPortfolioRiskPerTrade,
			MaxConcurrentPositions:   cfg.Risk.MaxConcurrentPositions,
			MaxConcentration:         cfg.Risk.MaxConcentration,
			MaxTradesPerDay:          cfg.Risk.MaxTradesPerDay,
			VolatilityTightening:     cfg.Risk.VolatilityTightening,
			MinNotionalUSD:           cfg.Exchange.MinNotionalUSD,
			EmergencyStopLossPct:     cfg.Risk.EmergencyStopLossPct,
		},
		Symbols: cfg.Trading.SupportedSymbols,
	})

	if err := srv.Run(ctx, cfg.Dashboard.Addr, cfg.Dashboard.AllowedOrigins); err != nil && err != http.ErrServerClosed {
		log.Fatal().Err(err).Msg("dashboard server failed")
	}
	log.Info().Msg("dashboard stopped")
}
