package main

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"fmt"

	"chainvault/internal/config"
	"chainvault/internal/domain"
	"chainvault/internal/infra/alert"
	"chainvault/internal/infra/chain/ethereum"
	"chainvault/internal/infra/chain/solana"
	"chainvault/internal/infra/chain/ton"
	"chainvault/internal/infra/db"
	"chainvault/internal/infra/kvstore"
	"chainvault/internal/infra/ledger"
	"chainvault/internal/infra/ledger/memledger"
	"chainvault/internal/infra/ledger/rpcledger"
	"chainvault/internal/infra/locks"
	"chainvault/internal/infra/memstore"
	"chainvault/internal/infra/metrics"
	"chainvault/internal/infra/policyopa"
	"chainvault/internal/infra/ratelimit"
	"chainvault/internal/usecase"
	"chainvault/pkg/retry"

	gethcrypto "github.com/ethereum/go-ethereum/crypto"
	"github.com/sirupsen/logrus"
)

type app struct {
	coordinator *usecase.Coordinator
	metrics     *metrics.Collector
	rateLimiter domain.RateLimiter
	closers     []func()
	closed      bool
}

func (a *app) close() {
	if a.closed {
		return
	}
	a.closed = true
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
}

type storage struct {
	registry   domain.ProofRegistry
	vaults     domain.VaultRepository
	operations domain.OperationRepository
}

func build(ctx context.Context, cfg config.Config, log *logrus.Logger) (*app, error) {
	a := &app{}
	ok := false
	defer func() {
		if !ok {
			a.close()
		}
	}()

	collector, err := metrics.New()
	if err != nil {
		return nil, fmt.Errorf("metrics: %w", err)
	}
	a.metrics = collector

	store, err := buildStorage(ctx, cfg, log, a)
	if err != nil {
		return nil, err
	}
	adapters, err := buildAdapters(ctx, cfg, collector, a)
	if err != nil {
		return nil, err
	}
	locker, err := buildLocker(cfg, log, a)
	if err != nil {
		return nil, err
	}
	policy, err := buildPolicy(ctx, cfg)
	if err != nil {
		return nil, err
	}
	log.WithFields(logrus.Fields{
		"bundle_id":   cfg.PolicyBundleID,
		"bundle_hash": policy.BundleHash(),
	}).Info("admission policy loaded")

	if cfg.RateLimited() {
		a.rateLimiter = buildRateLimiter(cfg, log, a)
	}

	coord, err := usecase.NewCoordinator(usecase.CoordinatorDeps{
		Adapters:   adapters,
		Registry:   store.registry,
		Vaults:     store.vaults,
		Operations: store.operations,
		Locker:     locker,
		Policy:     policy,
		Metrics:    collector,
		Alerts:     alert.NewLogSink(log),
		Logger:     log,
	}, usecase.CoordinatorOptions{
		Propagation: retry.Policy{
			MaxAttempts: cfg.PropagationMaxAttempts,
			Initial:     cfg.PropagationInitialBackoff(),
			Max:         cfg.PropagationMaxBackoff(),
			Multiplier:  2,
			Jitter:      0.2,
		},
		Verification: retry.Fixed(cfg.VerifyMaxAttempts, cfg.VerifyPollInterval()),
	})
	if err != nil {
		return nil, fmt.Errorf("coordinator: %w", err)
	}
	// registered last so in-flight polling stops before storage closes
	a.closers = append(a.closers, coord.Close)
	a.coordinator = coord
	ok = true
	return a, nil
}

func buildStorage(ctx context.Context, cfg config.Config, log *logrus.Logger, a *app) (storage, error) {
	switch cfg.RegistryBackend {
	case "postgres":
		pg, err := db.NewStore(cfg, log)
		if err != nil {
			return storage{}, err
		}
		a.closers = append(a.closers, func() { _ = pg.Close() })
		if err := pg.Migrate(ctx); err != nil {
			return storage{}, fmt.Errorf("migrate: %w", err)
		}
		return storage{
			registry:   db.NewProofRegistry(pg.DB),
			vaults:     db.NewVaultRepository(pg.DB),
			operations: db.NewOperationRepository(pg.DB),
		}, nil
	case "badger":
		kv, err := kvstore.Open(cfg.BadgerPath, log.WithField("component", "badger"))
		if err != nil {
			return storage{}, err
		}
		a.closers = append(a.closers, func() { _ = kv.Close() })
		return storage{
			registry:   kvstore.NewProofRegistry(kv),
			vaults:     kvstore.NewVaultRepository(kv),
			operations: kvstore.NewOperationRepository(kv),
		}, nil
	default:
		log.Warn("using in-memory registry; state is lost on restart")
		return storage{
			registry:   memstore.NewProofRegistry(),
			vaults:     memstore.NewVaultRepository(),
			operations: memstore.NewOperationRepository(),
		}, nil
	}
}

// buildAdapters connects each chain to its RPC gateway, or to an in-process
// ledger with a generated attestor when no URL is configured.
func buildAdapters(ctx context.Context, cfg config.Config, observer *metrics.Collector, a *app) ([]usecase.ChainAdapter, error) {
	clientFor := func(chain domain.ChainID, cc config.ChainConfig, attestor ledger.Attestor) (ledger.Client, error) {
		if cc.RPCURL != "" {
			client, err := rpcledger.Dial(ctx, cc.RPCURL)
			if err != nil {
				return nil, fmt.Errorf("%s: dial %s: %w", chain, cc.RPCURL, err)
			}
			a.closers = append(a.closers, client.Close)
			return client, nil
		}
		return memledger.New(memledger.Config{
			Name:         chain.String(),
			ConfirmAfter: cfg.DevLedgerConfirmAfter,
			Attestor:     attestor,
		})
	}

	var adapters []usecase.ChainAdapter

	ethCfg := cfg.Chains[domain.ChainEthereum]
	ethAdapterCfg := ethereum.Config{Timeout: cfg.ChainCallTimeout(), Observer: observer}
	var ethAttestor *ethereum.Attestor
	if ethCfg.RPCURL == "" {
		generated, err := ethereum.GenerateAttestor()
		if err != nil {
			return nil, err
		}
		ethAttestor = generated
		ethAdapterCfg.Attestor = generated.Address()
	} else {
		addr, err := ethereum.ParseAttestorAddress(ethCfg.AttestorKey)
		if err != nil {
			return nil, err
		}
		ethAdapterCfg.Attestor = addr
	}
	if ethCfg.SignerKeyHex != "" {
		key, err := ethereum.ParseSignerKey(ethCfg.SignerKeyHex)
		if err != nil {
			return nil, err
		}
		ethAdapterCfg.Signer = key
	} else {
		key, err := gethcrypto.GenerateKey()
		if err != nil {
			return nil, err
		}
		ethAdapterCfg.Signer = key
	}
	var ethLedgerAttestor ledger.Attestor
	if ethAttestor != nil {
		ethLedgerAttestor = ethAttestor
	}
	client, err := clientFor(domain.ChainEthereum, ethCfg, ethLedgerAttestor)
	if err != nil {
		return nil, err
	}
	ethAdapterCfg.Client = client
	ethAdapter, err := ethereum.New(ethAdapterCfg)
	if err != nil {
		return nil, err
	}
	adapters = append(adapters, ethAdapter)

	tonCfg := cfg.Chains[domain.ChainTon]
	tonSigner, err := ed25519Signer(tonCfg.SignerKeyHex, ton.ParseSignerKey)
	if err != nil {
		return nil, err
	}
	tonAdapterCfg := ton.Config{Signer: tonSigner, Timeout: cfg.ChainCallTimeout(), Observer: observer}
	var tonLedgerAttestor ledger.Attestor
	if tonCfg.RPCURL == "" {
		generated, err := ton.GenerateAttestor()
		if err != nil {
			return nil, err
		}
		tonLedgerAttestor = generated
		tonAdapterCfg.Attestor = generated.PublicKey()
	} else {
		key, err := ton.ParseAttestorKey(tonCfg.AttestorKey)
		if err != nil {
			return nil, err
		}
		tonAdapterCfg.Attestor = key
	}
	if tonAdapterCfg.Client, err = clientFor(domain.ChainTon, tonCfg, tonLedgerAttestor); err != nil {
		return nil, err
	}
	tonAdapter, err := ton.New(tonAdapterCfg)
	if err != nil {
		return nil, err
	}
	adapters = append(adapters, tonAdapter)

	solCfg := cfg.Chains[domain.ChainSolana]
	solSigner, err := ed25519Signer(solCfg.SignerKeyHex, solana.ParseSignerKey)
	if err != nil {
		return nil, err
	}
	solAdapterCfg := solana.Config{Signer: solSigner, Timeout: cfg.ChainCallTimeout(), Observer: observer}
	var solLedgerAttestor ledger.Attestor
	if solCfg.RPCURL == "" {
		generated, err := solana.GenerateAttestor()
		if err != nil {
			return nil, err
		}
		solLedgerAttestor = generated
		solAdapterCfg.Attestor = generated.PublicKey()
	} else {
		key, err := solana.ParseAttestorKey(solCfg.AttestorKey)
		if err != nil {
			return nil, err
		}
		solAdapterCfg.Attestor = key
	}
	if solAdapterCfg.Client, err = clientFor(domain.ChainSolana, solCfg, solLedgerAttestor); err != nil {
		return nil, err
	}
	solAdapter, err := solana.New(solAdapterCfg)
	if err != nil {
		return nil, err
	}
	adapters = append(adapters, solAdapter)

	return adapters, nil
}

func ed25519Signer(value string, parse func(string) (ed25519.PrivateKey, error)) (ed25519.PrivateKey, error) {
	if value != "" {
		return parse(value)
	}
	_, key, err := ed25519.GenerateKey(rand.Reader)
	return key, err
}

func buildLocker(cfg config.Config, log *logrus.Logger, a *app) (usecase.VaultLocker, error) {
	if cfg.LockBackend != "redis" {
		return locks.NewLocal(), nil
	}
	locker, err := locks.NewRedis(locks.RedisConfig{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
		TTL:      cfg.LockTTL(),
		OnLost: func(vaultID string) {
			log.WithField("vault_id", vaultID).Error("vault lock lease expired before release")
		},
	})
	if err != nil {
		return nil, err
	}
	a.closers = append(a.closers, func() { _ = locker.Close() })
	return locker, nil
}

func buildPolicy(ctx context.Context, cfg config.Config) (*policyopa.Engine, error) {
	if cfg.PolicyBundlePath == "" {
		return policyopa.NewDefaultEngine(ctx)
	}
	return policyopa.NewEngineFromBundlePath(ctx, cfg.PolicyBundlePath, cfg.PolicyBundleID)
}

func buildRateLimiter(cfg config.Config, log *logrus.Logger, a *app) domain.RateLimiter {
	if cfg.RedisAddr != "" {
		limiter, err := ratelimit.DialRedis(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
		if err == nil {
			a.closers = append(a.closers, func() { _ = limiter.Close() })
			return limiter
		}
		log.WithError(err).Warn("redis rate limiter unavailable, falling back to memory")
	}
	return ratelimit.NewMemory(ratelimit.MemoryConfig{MaxKeys: cfg.RateLimitMaxKeys})
}
