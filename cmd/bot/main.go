package main

import (
	"context"
	"flag"
	"os/signal"
	"syscall"
	"time"

	"github.com/coinpilot/coinpilot/internal/advisor"
	"github.com/coinpilot/coinpilot/internal/alerts"
	"github.com/coinpilot/coinpilot/internal/config"
	"github.com/coinpilot/coinpilot/internal/decision"
	"github.com/coinpilot/coinpilot/internal/exchange"
	"github.com/coinpilot/coinpilot/internal/marketdata"
	"github.com/coinpilot/coinpilot/internal/observ"
	"github.com/coinpilot/coinpilot/internal/outbox"
	"github.com/coinpilot/coinpilot/internal/risk"
	"github.com/coinpilot/coinpilot/internal/scheduler"
	"github.com/coinpilot/coinpilot/internal/store"
)

func main() {
	configPath := flag.String("config", "config.yaml", "path to yaml config")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		observ.Setup("info")
		boot := observ.Component("bot")
		boot.Fatal().Err(err).Msg("load config")
	}
	observ.Setup(cfg.LogLevel)
	log := observ.Component("bot")

	st, err := store.Open(cfg.Store.Path)
	if err != nil {
		log.Fatal().Err(err).Msg("open store")
	}
	defer st.Close()

	if cfg.Trading.Mode == "paper" {
		if err := st.EnsureAccount(cfg.Paper.InitialBalanceUSD); err != nil {
			log.Fatal().Err(err).Msg("seed account")
		}
	}
	cash, err := st.Cash()
	if err != nil {
		log.Fatal().Err(err).Msg("read account")
	}
	if err := st.InitSafety(risk.NewSafetyState(time.Now(), cash)); err != nil {
		log.Fatal().Err(err).Msg("init safety state")
	}

	ob, err := outbox.New(cfg.Paper.OutboxPath)
	if err != nil {
		log.Fatal().Err(err).Msg("open outbox")
	}

	limits := risk.Limits{
		MaxPortfolioRiskPerTrade: cfg.Risk.MaxPortfolioRiskPerTrade,
		MaxConcurrentPositions:   cfg.Risk.MaxConcurrentPositions,
		MaxConcentration:         cfg.Risk.MaxConcentration,
		MaxTradesPerDay:          cfg.Risk.MaxTradesPerDay,
		VolatilityTightening:     cfg.Risk.VolatilityTightening,
		MinNotionalUSD:           cfg.Exchange.MinNotionalUSD,
		EmergencyStopLossPct:     cfg.Risk.EmergencyStopLossPct,
	}

	market := marketdata.NewClient(marketdata.ClientOptions{
		BaseURL:                cfg.MarketData.BaseURL,
		Timeout:                time.Duration(cfg.MarketData.TimeoutMs) * time.Millisecond,
		CandleLimit:            cfg.MarketData.CandleLimit,
		VolatilityThresholdPct: cfg.Risk.VolatilityThresholdPct,
	})

	var oracle advisor.Oracle
	if cfg.Advisor.Enabled && cfg.Advisor.APIKey != "" {
		oracle = advisor.NewLLM(advisor.LLMOptions{
			BaseURL: cfg.Advisor.BaseURL,
			APIKey:  cfg.Advisor.APIKey,
			Model:   cfg.Advisor.Model,
			Timeout: time.Duration(cfg.Advisor.TimeoutMs) * time.Millisecond,
		})
		log.Info().Str("model", cfg.Advisor.Model).Msg("using LLM advisor")
	} else {
		oracle = &advisor.Heuristic{SizingFraction: cfg.Risk.MaxPortfolioRiskPerTrade}
		log.Info().Msg("using heuristic advisor")
	}

	var venue exchange.Client
	if cfg.Trading.Mode == "live" {
		venue = exchange.NewLive(exchange.LiveOptions{
			BaseURL:         cfg.Exchange.BaseURL,
			APIKey:          cfg.Exchange.APIKey,
			APISecret:       cfg.Exchange.APISecret,
			MinNotionalUSD:  cfg.Exchange.MinNotionalUSD,
			Timeout:         time.Duration(cfg.Exchange.TimeoutMs) * time.Millisecond,
			RateLimitPerSec: cfg.Exchange.RateLimitPerSec,
		})
	} else {
		venue = exchange.NewPaper(exchange.PaperOptions{
			Store:        st,
			Outbox:       ob,
			SlippageBps:  cfg.Paper.SlippageBps,
			MinNotional:  cfg.Exchange.MinNotionalUSD,
			DedupeWindow: time.Duration(cfg.Paper.DedupeWindowSecs) * time.Second,
		})
	}

	notifier := alerts.NewNotifier(cfg.Alerts.WebhookURL, time.Duration(cfg.Alerts.TimeoutMs)*time.Millisecond)

	engine := decision.New(decision.Options{
		Store:              st,
		Market:             market,
		Oracle:             oracle,
		Venue:              venue,
		Notifier:           notifier,
		Limits:             limits,
		Symbols:            cfg.Trading.SupportedSymbols,
		QueueTTL:           cfg.Queue.TTL(),
		RejectScaledManual: cfg.Risk.ScaledManualExecution == "reject",
	})

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	runCycle := func() {
		rep, err := engine.RunCycle(ctx)
		if err != nil {
			log.Error().Err(err).Str("cycle", rep.ID).Msg("cycle failed")
			return
		}
		log.Info().Str("cycle", rep.ID).Str("status", rep.Status).
			Int("trades", rep.TradesExecuted).Float64("total_value_usd", rep.TotalValueUSD).
			Msg("cycle complete")
	}

	sched := scheduler.New()
	if err := sched.AddEvery("decision-cycle", cfg.Trading.Interval(), runCycle); err != nil {
		log.Fatal().Err(err).Msg("schedule cycle")
	}
	if err := sched.AddCron("day-rollover", "5 0 0 * * *", func() {
		if err := engine.Rollover(); err != nil {
			log.Error().Err(err).Msg("day rollover failed")
		}
	}); err != nil {
		log.Fatal().Err(err).Msg("schedule rollover")
	}

	log.Info().Str("mode", cfg.Trading.Mode).Dur("interval", cfg.Trading.Interval()).
		Msg("bot started")

	runCycle()
	sched.Start()

	<-ctx.Done()
	log.Info().Msg("shutting down, waiting for in-flight cycle")
	sched.Stop()
}
