// Command facilitator runs the x402 payment facilitator: it loads the
// sanctions lists (fail-closed), constructs one chain provider per
// configured network across the five supported families, and serves the
// verify/settle/supported HTTP surface.
package main

import (
	"context"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/fogoware/x402facilitator/compliance"
	"github.com/fogoware/x402facilitator/core"
	"github.com/fogoware/x402facilitator/internal/cache"
	"github.com/fogoware/x402facilitator/internal/config"
	"github.com/fogoware/x402facilitator/internal/health"
	"github.com/fogoware/x402facilitator/internal/logging"
	"github.com/fogoware/x402facilitator/internal/metrics"
	"github.com/fogoware/x402facilitator/internal/server"
	"github.com/fogoware/x402facilitator/providers/algorand"
	"github.com/fogoware/x402facilitator/providers/evm"
	"github.com/fogoware/x402facilitator/providers/near"
	"github.com/fogoware/x402facilitator/providers/stellar"
	"github.com/fogoware/x402facilitator/providers/svm"
)

func main() {
	cfg := config.Load()
	logger := logging.New(cfg.Environment)

	redisClient, err := cache.NewClient(cfg.RedisURL)
	if err != nil {
		logger.Fatal().Err(err).Msg("could not connect to redis")
	}
	defer redisClient.Close()

	m := metrics.New()

	screener, ofacVersion, err := buildScreener(cfg, logger, m)
	if err != nil {
		logger.Fatal().Err(err).Msg("compliance list load failed; refusing to start")
	}

	facilitator := core.NewFacilitator(screener)
	registerDecisionLogging(facilitator, logger)

	checker := health.NewChecker(redisClient, server.Version)
	checker.Observe(func(name string, up bool) { m.SetChainHealth(name, up) })
	checker.AddProbe("compliance", func(ctx context.Context) error {
		if ofacVersion == "" {
			return fmt.Errorf("no sanctions list loaded")
		}
		return nil
	})

	ctx := context.Background()
	preparers := registerProviders(ctx, cfg, facilitator, checker, logger)

	srv := server.New(facilitator, preparers, redisClient, checker, m, cfg, logger)
	srv.Start()
}

// buildScreener loads the sanctions lists and wires the audit trail to
// structured logs and metrics. Loading is retried once, then the process
// exits: an unscreened facilitator must never start.
func buildScreener(cfg *config.Config, logger zerolog.Logger, m *metrics.Metrics) (*compliance.Screener, string, error) {
	if cfg.OfacListPath == "" {
		return nil, "", fmt.Errorf("OFAC_SDN_LIST_PATH is required")
	}

	ofac, err := loadList("ofac-sdn", cfg.OfacListPath)
	if err != nil {
		logger.Warn().Err(err).Msg("sanctions list load failed, retrying once")
		time.Sleep(2 * time.Second)
		if ofac, err = loadList("ofac-sdn", cfg.OfacListPath); err != nil {
			return nil, "", err
		}
	}

	blockLists := []compliance.List{ofac}
	if cfg.OperatorBlocklistPath != "" {
		operator, err := loadList("operator-blocklist", cfg.OperatorBlocklistPath)
		if err != nil {
			return nil, "", fmt.Errorf("operator blocklist: %w", err)
		}
		blockLists = append(blockLists, operator)
	}

	var reviewLists []compliance.List
	if cfg.ReviewListPath != "" {
		review, err := loadList("review-list", cfg.ReviewListPath)
		if err != nil {
			return nil, "", fmt.Errorf("review list: %w", err)
		}
		reviewLists = append(reviewLists, review)
	}

	sink := &auditLogSink{logger: logger.With().Str("component", "compliance").Logger(), metrics: m}
	return compliance.NewScreener(blockLists, reviewLists, sink), ofac.Version(), nil
}

// loadList reads a flat address,reason file into a StaticList versioned
// by content hash.
func loadList(name, path string) (*compliance.StaticList, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	entries, err := compliance.ParseSDNFile(strings.Split(string(raw), "\n"))
	if err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	sum := sha256.Sum256(raw)
	return compliance.NewStaticList(name, hex.EncodeToString(sum[:8]), entries), nil
}

// auditLogSink renders every screening record as a structured log event
// and counts verdicts. Addresses are part of the audit contract; key
// material never reaches the screener.
type auditLogSink struct {
	logger  zerolog.Logger
	metrics *metrics.Metrics
}

func (s *auditLogSink) Record(rec compliance.AuditRecord) {
	s.metrics.RecordCompliance(string(rec.Decision))
	s.logger.Info().
		Str("auditId", rec.AuditID).
		Str("decision", string(rec.Decision)).
		Str("payer", rec.Payer).
		Str("payee", rec.Payee).
		Str("network", string(rec.Network)).
		Str("scheme", rec.Scheme).
		Interface("matched", rec.Matched).
		Msg("compliance screening")
}

// registerDecisionLogging logs every terminal verify/settle outcome with
// payer, network and reason.
func registerDecisionLogging(f *core.Facilitator, logger zerolog.Logger) {
	f.OnAfterVerify(func(c core.VerifyContext) {
		logger.Info().
			Str("network", string(c.Network)).
			Bool("isValid", c.Response.IsValid).
			Str("payer", c.Response.Payer).
			Str("reason", c.Response.InvalidReason).
			Msg("verify")
	})
	f.OnVerifyFailure(func(c core.VerifyFailureContext) {
		logger.Warn().
			Str("network", string(c.Network)).
			Err(c.Err).
			Msg("verify failed")
	})
	f.OnAfterSettle(func(c core.SettleContext) {
		logger.Info().
			Str("network", string(c.Network)).
			Bool("success", c.Response.Success).
			Str("payer", c.Response.Payer).
			Str("transaction", c.Response.Transaction).
			Str("reason", c.Response.ErrorReason).
			Msg("settle")
	})
	f.OnSettleFailure(func(c core.SettleFailureContext) {
		logger.Warn().
			Str("network", string(c.Network)).
			Err(c.Err).
			Msg("settle failed")
	})
}

// registerProviders constructs one provider per network whose RPC
// endpoint and family credentials are configured, registers it with the
// dispatch core and the deep health checker, and returns the Stage-1
// preparers (Algorand only).
func registerProviders(ctx context.Context, cfg *config.Config, f *core.Facilitator, checker *health.Checker, logger zerolog.Logger) map[core.Network]server.Preparer {
	preparers := map[core.Network]server.Preparer{}
	registered := 0

	register := func(p core.ChainProvider) {
		f.Register(p)
		if probe, ok := p.(core.HealthProbe); ok {
			checker.AddProbe(string(p.Network()), probe.ProbeHealth)
		}
		logger.Info().Str("network", string(p.Network())).Msg("provider registered")
		registered++
	}

	// EVM
	if len(cfg.EvmPrivateKeys) > 0 {
		for networkID, netCfg := range evm.Networks {
			rpcURL := os.Getenv(netCfg.RPCEnvVar)
			if rpcURL == "" {
				continue
			}
			signer, err := evm.NewEthSigner(ctx, rpcURL, cfg.EvmPrivateKeys)
			if err != nil {
				logger.Fatal().Err(err).Str("network", networkID).Msg("evm signer init failed")
			}
			register(evm.NewProvider(core.Network(networkID), signer, evm.Config{DeploySmartWallets: cfg.DeploySmartWallets}))
		}
	}

	// SVM (Solana, Fogo)
	if len(cfg.SvmPrivateKeys) > 0 {
		keys := make([][]byte, 0, len(cfg.SvmPrivateKeys))
		for _, encoded := range cfg.SvmPrivateKeys {
			raw, err := base64.StdEncoding.DecodeString(encoded)
			if err != nil {
				logger.Fatal().Err(err).Msg("svm private key is not valid base64")
			}
			keys = append(keys, raw)
		}
		for networkID, netCfg := range svm.Networks {
			rpcURL := os.Getenv(netCfg.RPCEnvVar)
			if rpcURL == "" {
				continue
			}
			signer, err := svm.NewRPCSigner(rpcURL, keys)
			if err != nil {
				logger.Fatal().Err(err).Str("network", networkID).Msg("svm signer init failed")
			}
			register(svm.NewProvider(core.Network(networkID), signer, netCfg.DefaultAsset))
		}
	}

	// NEAR
	if len(cfg.NearAccounts) > 0 {
		accounts := map[string][]byte{}
		for _, pair := range cfg.NearAccounts {
			accountID, encoded, ok := strings.Cut(pair, ":")
			if !ok {
				logger.Fatal().Str("entry", accountID).Msg("NEAR_ACCOUNTS entries must be account:seed pairs")
			}
			seed, err := base64.StdEncoding.DecodeString(encoded)
			if err != nil {
				logger.Fatal().Err(err).Str("account", accountID).Msg("near seed is not valid base64")
			}
			accounts[accountID] = seed
		}
		for networkID, netCfg := range near.Networks {
			rpcURL := os.Getenv(netCfg.RPCEnvVar)
			if rpcURL == "" {
				continue
			}
			signer, err := near.NewRPCSigner(rpcURL, accounts)
			if err != nil {
				logger.Fatal().Err(err).Str("network", networkID).Msg("near signer init failed")
			}
			register(near.NewProvider(core.Network(networkID), signer, netCfg.DefaultAsset, near.Config{RegisterRecipients: true}))
		}
	}

	// Stellar
	if len(cfg.StellarSecretSeeds) > 0 {
		for networkID, netCfg := range stellar.Networks {
			sorobanURL := os.Getenv(netCfg.SorobanRPCEnvVar)
			horizonURL := os.Getenv(netCfg.HorizonEnvVar)
			if sorobanURL == "" || horizonURL == "" {
				continue
			}
			signer, err := stellar.NewRPCSigner(sorobanURL, horizonURL, netCfg.Passphrase, cfg.StellarSecretSeeds, cfg.StellarFeePaddingPercent)
			if err != nil {
				logger.Fatal().Err(err).Str("network", networkID).Msg("stellar signer init failed")
			}
			register(stellar.NewProvider(core.Network(networkID), signer, netCfg, netCfg.DefaultAsset))
		}
	}

	// Algorand
	if cfg.AlgorandMnemonic != "" {
		for networkID, netCfg := range algorand.Networks {
			algodURL := os.Getenv(netCfg.AlgodEnvVar)
			indexerURL := os.Getenv(netCfg.IndexerEnvVar)
			if algodURL == "" || indexerURL == "" {
				continue
			}
			signer, err := algorand.NewRESTSigner(algodURL, cfg.AlgorandAlgodToken, indexerURL, cfg.AlgorandIndexerToken, cfg.AlgorandMnemonic)
			if err != nil {
				logger.Fatal().Err(err).Str("network", networkID).Msg("algorand signer init failed")
			}
			p := algorand.NewProvider(core.Network(networkID), signer, netCfg, netCfg.DefaultAsset)
			register(p)
			preparers[core.Network(networkID)] = p
			go p.RunSweeper(ctx, time.Duration(cfg.AlgorandSweepSeconds)*time.Second)
		}
	}

	if registered == 0 {
		logger.Fatal().Msg("no networks configured; set at least one family's keys and RPC endpoint")
	}
	return preparers
}
