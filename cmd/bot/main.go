package main

import (
	"context"
	"flag"
	"fmt"
	"math/rand"
	"os"
	"os/signal"
	"syscall"
	"time"

	"spot-grid-bot-go/internal/bot"
	"spot-grid-bot-go/internal/config"
	"spot-grid-bot-go/internal/exchange"
	"spot-grid-bot-go/internal/logger"
	"spot-grid-bot-go/internal/persistence"
	"spot-grid-bot-go/internal/position"

	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

func main() {
	configPath := flag.String("config", "config.json", "path to the config file")
	mode := flag.String("mode", "live", "live or sim")
	resetHalt := flag.Bool("reset-halt", false, "clear a persisted emergency halt and exit")
	simStartPrice := flag.String("sim-price", "50000", "starting price for sim mode")
	flag.Parse()

	// .env is optional; real deployments export the variables directly.
	_ = godotenv.Load()

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "config error: %v\n", err)
		os.Exit(1)
	}

	logger.InitLogger(cfg.LogConfig)
	log := logger.S()
	defer log.Sync()

	var ex exchange.Exchange
	var sim *exchange.SimExchange
	var feed *bot.PriceFeed

	switch *mode {
	case "live":
		apiKey := os.Getenv(cfg.APIKeyEnv)
		secretKey := os.Getenv(cfg.SecretKeyEnv)
		if apiKey == "" || secretKey == "" {
			log.Fatalf("missing credentials: set %s and %s", cfg.APIKeyEnv, cfg.SecretKeyEnv)
		}
		ex = exchange.NewBinanceExchange(apiKey, secretKey, cfg.IsTestnet, log)
		wsURL := cfg.LiveWSURL
		if cfg.IsTestnet {
			wsURL = cfg.TestnetWSURL
		}
		if wsURL != "" {
			feed = bot.NewPriceFeed(wsURL, cfg.Symbol, log)
		}
	case "sim":
		start, perr := decimal.NewFromString(*simStartPrice)
		if perr != nil {
			log.Fatalf("invalid -sim-price: %v", perr)
		}
		sim = exchange.NewSimExchange(start, cfg.FeeRate)
		ex = sim
	default:
		log.Fatalf("unknown mode %q", *mode)
	}

	repo, err := persistence.NewRepository(cfg.State)
	if err != nil {
		log.Fatalf("failed to open state store: %v", err)
	}
	defer repo.Close()

	history, err := position.OpenHistory("trades.db")
	if err != nil {
		log.Fatalf("failed to open trade history: %v", err)
	}
	defer history.Close()

	tracker, err := position.NewTracker(cfg.Symbol, history, log)
	if err != nil {
		log.Fatalf("failed to rebuild trade ledger: %v", err)
	}

	b, err := bot.New(cfg, ex, repo, tracker, feed, log)
	if err != nil {
		log.Fatalf("failed to assemble bot: %v", err)
	}

	if *resetHalt {
		if err := b.ResetEmergencyHalt(); err != nil {
			log.Fatalf("failed to clear halt: %v", err)
		}
		log.Info("emergency halt cleared")
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := b.Start(ctx); err != nil {
		log.Fatalf("startup failed: %v", err)
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	if sim != nil {
		go driveSim(ctx, b, sim, log)
	}

	sig := <-sigCh
	log.Infof("received %s, shutting down", sig)
	cancel()
	b.Stop()
}

// driveSim walks the simulated price and runs a cycle per step so the grid
// can be exercised end to end without an exchange account.
func driveSim(ctx context.Context, b *bot.Bot, sim *exchange.SimExchange, log *zap.SugaredLogger) {
	rng := rand.New(rand.NewSource(time.Now().UnixNano()))
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			// +-0.2% random step per tick.
			drift := decimal.NewFromFloat((rng.Float64() - 0.5) * 0.004)
			next := sim.Price().Mul(decimal.NewFromInt(1).Add(drift))
			sim.SetPrice(next)
			if err := b.RunCycle(ctx); err != nil {
				log.Warnf("sim cycle error: %v", err)
			}
		}
	}
}
