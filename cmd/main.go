package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"okx-trend-bot/internal/api"
	"okx-trend-bot/internal/engine"
	"okx-trend-bot/internal/executor"
	"okx-trend-bot/internal/model"
	"okx-trend-bot/internal/notify"
	"okx-trend-bot/internal/risk"
	"okx-trend-bot/internal/service"
	"okx-trend-bot/internal/stats"
	"okx-trend-bot/internal/strategy"
	"okx-trend-bot/pkg/ta"
)

func main() {
	// .env is optional; deployments may export the variables directly.
	_ = godotenv.Load()

	configPath := flag.String("config", "config.yaml", "path to the YAML config file")
	flag.Parse()

	cfg, err := service.LoadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}

	service.InitLogger(cfg.LogLevel)
	defer service.Logger.Sync()
	logger := service.Logger

	if cfg.Mode == service.ModeLive {
		logger.Fatal("live mode is configured but no live executor ships in this build; set mode: paper")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if cfg.Metrics.Enabled {
		go serveMetrics(ctx, cfg.Metrics.ListenAddr, logger)
	}

	var notifier notify.Notifier = notify.Noop{}
	if cfg.Notify.Telegram.Enabled {
		notifier, err = notify.NewTelegram(cfg.Notify.Telegram.Token, cfg.Notify.Telegram.ChatID, logger)
		if err != nil {
			logger.Fatal("telegram init failed", zap.Error(err))
		}
	}

	var instIDs []string
	for _, inst := range cfg.Instances {
		instIDs = append(instIDs, inst.InstID)
	}
	connector := api.NewConnector(cfg.Exchange.WSURL, instIDs, logger)
	feed := api.NewOkxPublicClient(cfg.Exchange.RESTURL, logger)

	type paperAccount struct {
		name string
		exec *executor.PaperExecutor
	}
	var accounts []paperAccount
	var wg sync.WaitGroup

	for name, inst := range cfg.Instances {
		instLogger := logger.With(zap.String("instance", name), zap.String("instId", inst.InstID))

		variant, err := strategy.NewVariant(&inst.Strategy)
		if err != nil {
			logger.Fatal("strategy init failed", zap.String("instance", name), zap.Error(err))
		}
		sizer, err := risk.NewSizer(&inst.Sizing, instLogger)
		if err != nil {
			logger.Fatal("sizer init failed", zap.String("instance", name), zap.Error(err))
		}
		tracker, err := stats.NewTracker(
			stats.NewFileStore(instanceStatsPath(cfg.Stats.Path, name)),
			inst.Risk.MaxLossStreak, cfg.Stats.ReportAt, time.Now, instLogger)
		if err != nil {
			logger.Fatal("stats init failed", zap.String("instance", name), zap.Error(err))
		}

		calc := ta.NewCalculator(ta.Params{
			FastEMA:   inst.Strategy.FastEMA,
			SlowEMA:   inst.Strategy.SlowEMA,
			TrendEMA:  inst.Strategy.TrendEMA,
			ATRPeriod: inst.Strategy.ATRPeriod,
			Envelope: ta.EnvelopeParams{
				Bandwidth:  inst.Strategy.Envelope.Bandwidth,
				Multiplier: inst.Strategy.Envelope.Multiplier,
				Window:     inst.Strategy.Envelope.Window,
			},
		}, instLogger)
		gen := strategy.NewSignalGenerator(&inst.Strategy, variant, instLogger)
		sm := strategy.NewStateMachine(inst.InstID, &inst.Sizing, &inst.Strategy, instLogger)

		meta := model.Instrument{
			InstID:   inst.InstID,
			TickSize: inst.Instrument.TickSize,
			LotSize:  inst.Instrument.LotSize,
			MinSize:  inst.Instrument.MinSize,
			CtVal:    inst.Instrument.CtVal,
		}
		paper := executor.NewPaperExecutor(&inst.Paper, meta, instLogger)
		go paper.StartMonitor(ctx, connector.Subscribe(inst.InstID))
		accounts = append(accounts, paperAccount{name: name, exec: paper})

		eng := engine.New(&inst, engine.Deps{
			Calc:     calc,
			Gen:      gen,
			SM:       sm,
			Sizer:    sizer,
			Feed:     feed,
			Prices:   connector,
			Exec:     paper,
			Tracker:  tracker,
			Notifier: notifier,
			Logger:   instLogger,
		})

		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := eng.Run(ctx); err != nil {
				instLogger.Error("engine terminated", zap.Error(err))
			}
		}()
	}

	// Subscriptions are registered; the stream may connect now.
	go connector.Run(ctx)

	logger.Info("all instances started",
		zap.Int("count", len(cfg.Instances)),
		zap.String("mode", cfg.Mode))

	wg.Wait()

	for _, acct := range accounts {
		eq, err := acct.exec.GetEquity(context.Background())
		if err != nil {
			continue
		}
		logger.Info("paper session summary",
			zap.String("instance", acct.name),
			zap.Float64("finalEquity", eq.Total),
			zap.Float64("maxEquity", acct.exec.MaxEquity()),
			zap.Int("closedTrades", len(acct.exec.GetTradeHistory())))
	}
	logger.Info("shutdown complete")
}

func serveMetrics(ctx context.Context, addr string, logger *zap.Logger) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{Addr: addr, Handler: mux}

	go func() {
		<-ctx.Done()
		sctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		_ = srv.Shutdown(sctx)
	}()

	logger.Info("metrics endpoint up", zap.String("addr", addr))
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logger.Error("metrics server failed", zap.Error(err))
	}
}

// instanceStatsPath gives each instance its own day file so trackers never
// contend on one record: "data/daily.json" becomes "data/daily-btc.json".
func instanceStatsPath(base, name string) string {
	ext := filepath.Ext(base)
	return strings.TrimSuffix(base, ext) + "-" + name + ext
}
