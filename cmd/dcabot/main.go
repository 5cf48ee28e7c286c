package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/ethclient"
	"go.uber.org/zap"

	"github.com/RaghavSood/dcabot/chain"
	"github.com/RaghavSood/dcabot/config"
	"github.com/RaghavSood/dcabot/db"
	"github.com/RaghavSood/dcabot/dca"
	"github.com/RaghavSood/dcabot/keyvault"
	"github.com/RaghavSood/dcabot/notify"
	"github.com/RaghavSood/dcabot/oracle"
	"github.com/RaghavSood/dcabot/quote"
	"github.com/RaghavSood/dcabot/scheduler"
	"github.com/RaghavSood/dcabot/server"
	"github.com/RaghavSood/dcabot/swap"
	"github.com/RaghavSood/dcabot/tokens"
)

const shutdownGrace = 30 * time.Second

func main() {
	configPath := flag.String("config", "config.json", "path to config file")
	debug := flag.Bool("debug", false, "enable debug logging")
	flag.Parse()

	logger, err := buildLogger(*debug)
	if err != nil {
		log.Fatalf("initializing logger: %v", err)
	}
	defer logger.Sync()
	sugar := logger.Sugar()

	cfg, err := config.Load(*configPath)
	if err != nil {
		sugar.Fatalw("loading config", "error", err)
	}

	tokenList := make([]tokens.Token, 0, len(cfg.Tokens))
	for _, t := range cfg.Tokens {
		tokenList = append(tokenList, tokens.Token{
			Symbol:   t.Symbol,
			Address:  common.HexToAddress(t.Address),
			Decimals: t.Decimals,
			Native:   t.Native,
		})
	}
	registry, err := tokens.NewRegistry(tokenList, cfg.WrappedNativeSymbol)
	if err != nil {
		sugar.Fatalw("building token registry", "error", err)
	}

	store, err := db.Open(cfg.DatabasePath)
	if err != nil {
		sugar.Fatalw("opening order store", "error", err)
	}
	defer store.Close()

	vault, err := keyvault.New(cfg.Mnemonic, store)
	if err != nil {
		sugar.Fatalw("initializing key vault", "error", err)
	}

	backend, err := ethclient.Dial(cfg.RPCEndpoint)
	if err != nil {
		sugar.Fatalw("connecting to RPC endpoint", "endpoint", cfg.RPCEndpoint, "error", err)
	}
	defer backend.Close()

	client := chain.NewClient(backend, cfg.ChainID, sugar)
	router := common.HexToAddress(cfg.RouterAddress)

	priceOracle := oracle.New(cfg.PriceAPIURL, cfg.PriceAPIKey, sugar)
	quoter := quote.NewQuoter(registry, client, router)
	executor := swap.NewExecutor(client, quoter, vault, router, sugar)
	orders := dca.NewService(store, registry, client, vault)

	var notifier notify.Notifier = notify.Nop{}
	if cfg.TelegramToken != "" && cfg.TelegramChatID != 0 {
		notifier, err = notify.NewTelegram(cfg.TelegramToken, cfg.TelegramChatID, sugar)
		if err != nil {
			sugar.Fatalw("initializing telegram notifier", "error", err)
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sched := scheduler.New(store, priceOracle, executor, registry, notifier, sugar, scheduler.Options{
		CoinID:         cfg.PriceCoinID,
		TickInterval:   time.Duration(cfg.TickIntervalSeconds) * time.Second,
		HealthInterval: time.Duration(cfg.HealthIntervalSeconds) * time.Second,
		AutoRestart:    cfg.AutoRestart,
	})
	sched.Start(ctx)

	srv := server.New(orders, sched, cfg.Port, sugar)
	go func() {
		if err := srv.Start(); err != nil {
			sugar.Fatalw("http server failed", "error", err)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	sugar.Infow("shutting down", "signal", sig)

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		sugar.Warnw("http shutdown", "error", err)
	}
	sched.Stop(shutdownGrace)
	cancel()
}

func buildLogger(debug bool) (*zap.Logger, error) {
	if debug {
		return zap.NewDevelopment()
	}
	return zap.NewProduction()
}
