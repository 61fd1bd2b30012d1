// Package main provides the crossportd daemon - the swap intermediary server.
package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/btcsuite/btcd/chaincfg"

	"github.com/crossport-exchange/crossport/internal/btc"
	"github.com/crossport-exchange/crossport/internal/btcwallet"
	"github.com/crossport-exchange/crossport/internal/chains"
	"github.com/crossport-exchange/crossport/internal/config"
	"github.com/crossport-exchange/crossport/internal/intermediary"
	"github.com/crossport-exchange/crossport/internal/lightning"
	"github.com/crossport-exchange/crossport/internal/prices"
	"github.com/crossport-exchange/crossport/internal/rpc"
	"github.com/crossport-exchange/crossport/internal/storage"
	"github.com/crossport-exchange/crossport/pkg/logging"
)

var (
	version = "0.1.0-dev"
	commit  = "unknown"
)

func main() {
	// Parse flags
	var (
		dataDir     = flag.String("data-dir", "~/.crossport", "Data directory")
		apiAddr     = flag.String("api", "", "HTTP API address, overrides config")
		testnet     = flag.Bool("testnet", false, "Run on testnet (separate network and data)")
		logLevel    = flag.String("log-level", "", "Log level (debug, info, warn, error)")
		showVersion = flag.Bool("version", false, "Show version and exit")
	)
	flag.Parse()

	// Set up logging (initial, may be overridden by config)
	log := logging.New(&logging.Config{
		Level:      "info",
		TimeFormat: time.TimeOnly,
	})
	logging.SetDefault(log)

	if *showVersion {
		log.Infof("crossportd %s (commit: %s)", version, commit)
		os.Exit(0)
	}

	// Determine data directory (testnet uses subdirectory)
	effectiveDataDir := *dataDir
	if *testnet {
		effectiveDataDir = filepath.Join(*dataDir, "testnet")
	}

	cfg, err := config.Load(effectiveDataDir)
	if err != nil {
		log.Fatal("Failed to load config", "error", err)
	}

	// CLI flags take precedence over the config file
	cfg.Storage.DataDir = effectiveDataDir
	if *testnet {
		cfg.NetworkType = config.Testnet
	}
	if *apiAddr != "" {
		cfg.API.ListenAddr = *apiAddr
	}
	if *logLevel != "" {
		cfg.Logging.Level = *logLevel
	}

	// Update logging with config level
	log = logging.New(&logging.Config{
		Level:      cfg.Logging.Level,
		TimeFormat: time.TimeOnly,
	})
	logging.SetDefault(log)

	log.Info("Config loaded", "path", config.ConfigPath(effectiveDataDir))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Initialize storage
	store, err := storage.New(&storage.Config{DataDir: cfg.Storage.DataDir})
	if err != nil {
		log.Fatal("Failed to initialize storage", "error", err)
	}
	defer store.Close()
	log.Info("Storage initialized", "path", cfg.Storage.DataDir)

	params := chainParams(cfg.NetworkType)

	// Bitcoin chain data and hot wallet
	btcRpc := btc.NewMempoolRpc(cfg.Bitcoin.APIURL)
	mnemonic, err := readSecretFile(cfg.Wallet.MnemonicFile)
	if err != nil {
		log.Fatal("Failed to read wallet mnemonic", "error", err)
	}
	wallet, err := btcwallet.NewFromMnemonic(mnemonic, "", params, btcRpc, log.Component("btcwallet"))
	if err != nil {
		log.Fatal("Failed to initialize bitcoin wallet", "error", err)
	}
	log.Info("Bitcoin wallet initialized", "network", cfg.NetworkType)

	// Lightning node
	ln, err := lightning.NewLndWallet(&lightning.Config{
		Address:      cfg.Lnd.GRPCAddr,
		TLSCertPath:  cfg.Lnd.TLSCertPath,
		MacaroonPath: cfg.Lnd.MacaroonPath,
	}, params, log.Component("lnd"))
	if err != nil {
		log.Fatal("Failed to connect to lnd", "error", err)
	}
	log.Info("Lightning node connected", "addr", cfg.Lnd.GRPCAddr)

	// Smart chain contracts
	registry := chains.NewRegistry()
	oracleTokens := make(map[string]map[string]prices.TokenInfo)
	for chainID, chainCfg := range cfg.Chains {
		keyHex, err := readSecretFile(chainCfg.PrivateKeyFile)
		if err != nil {
			log.Fatal("Failed to read signer key", "chain", chainID, "error", err)
		}

		tokens := make([]string, 0, len(chainCfg.Tokens))
		tokenInfos := make(map[string]prices.TokenInfo, len(chainCfg.Tokens))
		for addr, token := range chainCfg.Tokens {
			tokens = append(tokens, addr)
			tokenInfos[addr] = prices.TokenInfo{CoinID: token.CoinID, Decimals: token.Decimals}
		}
		oracleTokens[chainID] = tokenInfos

		contract, err := chains.NewEVMContract(&chains.EVMConfig{
			ChainID:         chainID,
			RPCURL:          chainCfg.RPCURL,
			ContractAddress: chainCfg.ContractAddress,
			PrivateKeyHex:   keyHex,
			Tokens:          tokens,
		}, log.Component(chainID))
		if err != nil {
			log.Fatal("Failed to bind escrow contract", "chain", chainID, "error", err)
		}
		registry.Register(contract)
		log.Info("Chain registered", "chain", chainID, "contract", chainCfg.ContractAddress)
	}
	if len(registry.ChainIDs()) == 0 {
		log.Fatal("No chains configured; add at least one under chains: in the config")
	}

	// Price oracle
	oracle := prices.NewOracle(
		prices.NewCoinGecko(cfg.Pricing.CoinGeckoURL),
		oracleTokens,
		cfg.Pricing.CacheTimeout,
		nil,
	)

	// Swap handlers
	deps := &intermediary.Deps{
		Config:    cfg,
		Registry:  registry,
		Oracle:    oracle,
		Store:     store,
		BtcRpc:    btcRpc,
		BtcWallet: wallet,
		Lightning: ln,
	}
	toBtcLn := intermediary.NewToBtcLnHandler(deps)
	toBtc := intermediary.NewToBtcHandler(deps)
	fromBtcLn := intermediary.NewFromBtcLnHandler(deps)
	fromBtc := intermediary.NewFromBtcHandler(deps)
	handlers := []intermediary.Handler{toBtcLn, toBtc, fromBtcLn, fromBtc}

	info := intermediary.NewInfoHandler(registry, handlers...)

	// HTTP API
	apiServer := rpc.NewServer(cfg.API, &rpc.Handlers{
		Info:      info,
		ToBtcLn:   toBtcLn,
		ToBtc:     toBtc,
		FromBtcLn: fromBtcLn,
		FromBtc:   fromBtc,
	})
	if err := apiServer.Start(); err != nil {
		log.Fatal("Failed to start API server", "error", err)
	}

	// Start handlers (recover persisted swaps, run watchdogs) and the event
	// dispatcher; WebSocket clients see the same escrow events.
	for _, h := range handlers {
		if err := h.Start(ctx); err != nil {
			log.Fatal("Failed to start swap handler", "kind", h.Kind(), "error", err)
		}
	}
	dispatcher := intermediary.NewDispatcher(registry,
		append(handlers, rpc.NewEventRelay(apiServer.WSHub()))...)
	if err := dispatcher.Start(ctx); err != nil {
		log.Fatal("Failed to start event dispatcher", "error", err)
	}

	printBanner(log, cfg, apiServer.Addr(), registry.ChainIDs())

	// Wait for interrupt signal
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	<-sigCh
	log.Info("Shutting down...")

	cancel()
	if err := apiServer.Stop(); err != nil {
		log.Error("Error stopping API server", "error", err)
	}
	ln.Close()

	log.Info("Goodbye!")
}

// chainParams maps the configured network to bitcoin chain parameters.
func chainParams(network config.NetworkType) *chaincfg.Params {
	switch network {
	case config.Testnet:
		return &chaincfg.TestNet3Params
	case config.Regtest:
		return &chaincfg.RegressionNetParams
	default:
		return &chaincfg.MainNetParams
	}
}

// readSecretFile reads a single-value secret file, trimming whitespace.
func readSecretFile(path string) (string, error) {
	if len(path) > 0 && path[0] == '~' {
		home, _ := os.UserHomeDir()
		path = filepath.Join(home, path[1:])
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(data)), nil
}

func printBanner(log *logging.Logger, cfg *config.Config, apiAddr string, chainIDs []string) {
	networkLabel := "mainnet"
	if cfg.IsTestnet() {
		networkLabel = strings.ToUpper(string(cfg.NetworkType))
	}

	log.Info("")
	log.Info("=================================================")
	log.Infof("  Crossport Swap Intermediary (%s)", networkLabel)
	log.Infof("  Version: %s", version)
	log.Info("=================================================")
	log.Info("")
	log.Infof("  API: http://%s%s", apiAddr, cfg.API.PathPrefix)
	log.Infof("  WS:  ws://%s%s/ws", apiAddr, cfg.API.PathPrefix)
	log.Info("")
	log.Infof("  Chains: %s", strings.Join(chainIDs, ", "))
	log.Infof("  Data dir: %s", cfg.Storage.DataDir)
	log.Info("")
	log.Info("=================================================")
	log.Info("")
}
