package main

import (
	"context"
	"errors"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"minisafe/internal/aggregator"
	"minisafe/internal/balance"
	"minisafe/internal/billing"
	"minisafe/internal/chain"
	"minisafe/internal/claim"
	"minisafe/internal/config"
	"minisafe/internal/fx"
	"minisafe/internal/idempotency"
	"minisafe/internal/logging"
	"minisafe/internal/payment"
	"minisafe/internal/referral"
	"minisafe/internal/server"
	"minisafe/internal/tokens"
	"minisafe/internal/vault"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config error: %v", err)
	}
	logger := logging.Setup(cfg.Service.Name, cfg.Service.Env, cfg.Service.LogFile)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store, closeStore, err := idempotency.Open(ctx, cfg.Store.Driver, cfg.Store.Path, cfg.Store.PostgresDSN, cfg.Store.RedisURL)
	if err != nil {
		log.Fatalf("store error: %v", err)
	}
	defer closeStore()

	backend, err := chain.NewEthClient(ctx, chain.EthClientConfig{
		RPCURL:         cfg.Chain.RPCURL,
		PrivateKeyHex:  cfg.Chain.PrivateKey,
		Timeout:        cfg.Chain.RPCTimeout,
		ConfirmTimeout: cfg.Chain.ConfirmTimeout,
		PollInterval:   cfg.Chain.PollInterval,
		ReadAttempts:   cfg.Retry.ReadAttempts,
		Backoff:        cfg.Retry.InitialBackoff,
		Logger:         logger,
	})
	if err != nil {
		log.Fatalf("chain client error: %v", err)
	}

	vaultAddr := common.HexToAddress(cfg.Deployment.Contracts.MiniSafe)
	overrides := make(map[string]tokens.Override, len(cfg.Deployment.Tokens))
	for symbol, tok := range cfg.Deployment.Tokens {
		overrides[symbol] = tokens.Override{Address: tok.Address, Decimals: tok.Decimals}
	}
	registry, err := tokens.NewRegistry(vaultAddr, overrides)
	if err != nil {
		log.Fatalf("token registry error: %v", err)
	}

	metrics := server.NewMetrics()
	httpClient := &http.Client{Timeout: cfg.Aggregator.Timeout}

	attributor, err := newAttributor(cfg, httpClient, logger, metrics.ReferralOutcome)
	if err != nil {
		log.Fatalf("referral error: %v", err)
	}

	creds := aggregator.Credentials{
		AuthURL:      cfg.Aggregator.AuthURL,
		ClientID:     cfg.Aggregator.ClientID,
		ClientSecret: cfg.Aggregator.ClientSecret,
		Audience:     cfg.Aggregator.AudienceURL(),
	}
	topupTokens := aggregator.NewTokenSource(creds, httpClient, logger)
	billerCreds := creds
	billerCreds.Audience = cfg.Aggregator.BillerBaseURL()
	billerTokens := aggregator.NewTokenSource(billerCreds, httpClient, logger)

	rates := fx.NewClient(topupTokens, cfg.Aggregator.FXEndpoint(), httpClient, logger)
	rates.OnLookup = metrics.FXLookup

	catalog := billing.NewClient(billing.Options{
		Topups:  billing.API{BaseURL: cfg.Aggregator.BaseURL(), Tokens: topupTokens},
		Billers: billing.API{BaseURL: cfg.Aggregator.BillerBaseURL(), Tokens: billerTokens},
		HTTP:    httpClient,
		Logger:  logger,
	})

	balances := balance.NewReader(backend, registry, vaultAddr, logger)
	if !common.IsHexAddress(cfg.Deployment.Receiver) {
		log.Fatalf("deployment receiver %q is not an address", cfg.Deployment.Receiver)
	}
	receiver := common.HexToAddress(cfg.Deployment.Receiver)

	vaults := vault.New(vault.Options{
		Backend:  backend,
		Registry: registry,
		Vault:    vaultAddr,
		Balances: balances,
		Referral: attributor,
		Logger:   logger,
	})

	payments := payment.New(payment.Options{
		Backend:           backend,
		Registry:          registry,
		Receiver:          receiver,
		FX:                rates,
		Balances:          balances,
		Referral:          attributor,
		DefaultCurrency:   cfg.Deployment.DefaultCurrency,
		AwaitConfirmation: cfg.Payment.AwaitConfirmation,
		CheckBalance:      cfg.Payment.CheckBalance,
		Logger:            logger,
	})

	entitlements := claim.NewOnChainEntitlements(backend,
		common.HexToAddress(cfg.Deployment.Contracts.UBIScheme),
		common.HexToAddress(cfg.Deployment.Contracts.Identity),
	)
	claims := claim.New(claim.Options{
		Backend:         backend,
		Registry:        registry,
		Receiver:        receiver,
		Entitlements:    entitlements,
		Verifier:        catalog,
		TopUps:          catalog,
		Ledger:          claim.NewDailyLedger(store, time.Local),
		Referral:        attributor,
		Logger:          logger,
		OnLedgerFailure: metrics.ClaimLedgerFailure,
	})

	apiServer := server.NewServer(cfg, server.Deps{
		Catalog:  catalog,
		FX:       rates,
		Vault:    vaults,
		Payments: payments,
		Claims:   claims,
		Store:    store,
		Chain:    backend,
		Metrics:  metrics,
		Logger:   logger,
	})

	go func() {
		if err := apiServer.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("server stopped", "error", err)
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := apiServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("shutdown failed", "error", err)
		os.Exit(1)
	}
}

// newAttributor builds the referral tag from the deployment. Without a
// consumer address transactions go out untagged.
func newAttributor(cfg *config.AppConfig, client *http.Client, logger *slog.Logger, onOutcome func(string)) (*referral.Attributor, error) {
	var suffix []byte
	if consumer := cfg.Deployment.Referral.Consumer; common.IsHexAddress(consumer) {
		var err error
		suffix, err = referral.Suffix(common.HexToAddress(consumer), parseProviders(cfg.Deployment.Referral.Providers))
		if err != nil {
			return nil, err
		}
	} else {
		logger.Warn("no referral consumer configured, transactions are not tagged")
	}

	var reporter referral.Reporter
	if cfg.Referral.APIURL != "" {
		reporter = &referral.HTTPReporter{URL: cfg.Referral.APIURL, Client: client}
	}
	return referral.NewAttributor(suffix, reporter, logger, onOutcome), nil
}

func parseProviders(raw []string) []common.Address {
	out := make([]common.Address, 0, len(raw))
	for _, p := range raw {
		if p = strings.TrimSpace(p); common.IsHexAddress(p) {
			out = append(out, common.HexToAddress(p))
		}
	}
	return out
}
