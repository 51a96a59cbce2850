// Command facilitator serves x402 payment verification and settlement over HTTP.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"math/big"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	x402 "github.com/becomeliminal/x402-facilitator"
	"github.com/becomeliminal/x402-facilitator/evm"
	"github.com/becomeliminal/x402-facilitator/facilitator"
	"github.com/becomeliminal/x402-facilitator/internal/telemetry"
	"github.com/becomeliminal/x402-facilitator/ledger/evmledger"
	"github.com/becomeliminal/x402-facilitator/ledger/memledger"
	"github.com/becomeliminal/x402-facilitator/replay"
)

var version = "dev"

func main() {
	configPath := flag.String("config", "facilitator.yaml", "path to the YAML config file")
	flag.Parse()

	if err := run(*configPath); err != nil {
		slog.Error("facilitator exited", "error", err)
		os.Exit(1)
	}
}

func run(configPath string) error {
	cfg, err := facilitator.LoadConfig(configPath)
	if err != nil {
		return err
	}
	level, _ := cfg.SlogLevel()
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	tel, err := telemetry.New(ctx, telemetry.Config{
		ServiceName:    "x402-facilitator",
		ServiceVersion: version,
		Endpoint:       cfg.Telemetry.OTLPEndpoint,
		Insecure:       cfg.Telemetry.Insecure,
		Interval:       cfg.Telemetry.Interval,
		SampleRate:     *cfg.Telemetry.SampleRate,
	}, logger)
	if err != nil {
		return err
	}

	guard, closeGuard, err := newGuard(ctx, cfg.Replay)
	if err != nil {
		return err
	}
	defer closeGuard()

	networks := make([]facilitator.Network, 0, len(cfg.Networks))
	for i := range cfg.Networks {
		n, closeNetwork, err := newNetwork(ctx, &cfg.Networks[i], logger)
		if err != nil {
			return err
		}
		defer closeNetwork()
		networks = append(networks, n)
	}

	opts := append(cfg.Options(), facilitator.WithLogger(logger), facilitator.WithMeter(tel.Meter()))
	f, err := facilitator.New(networks, guard, opts...)
	if err != nil {
		return err
	}

	srv := &http.Server{
		Addr:    cfg.ListenAddr,
		Handler: facilitator.NewHandler(f, logger),
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("facilitator listening", "addr", cfg.ListenAddr, "networks", len(networks), "version", version)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer cancel()

		var errs []error
		if err := srv.Shutdown(shutdownCtx); err != nil {
			errs = append(errs, fmt.Errorf("http shutdown: %w", err))
		}
		if err := f.Close(shutdownCtx); err != nil {
			errs = append(errs, fmt.Errorf("facilitator close: %w", err))
		}
		if err := tel.Shutdown(shutdownCtx); err != nil {
			errs = append(errs, fmt.Errorf("telemetry shutdown: %w", err))
		}
		return errors.Join(errs...)
	})
	return g.Wait()
}

func newGuard(ctx context.Context, cfg facilitator.ReplayConfig) (replay.Guard, func(), error) {
	if cfg.Backend != facilitator.ReplayRedis {
		return replay.NewMemoryGuard(), func() {}, nil
	}

	client := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, nil, fmt.Errorf("connect redis %s: %w", cfg.RedisAddr, err)
	}

	var opts []replay.RedisOption
	if cfg.KeyPrefix != "" {
		opts = append(opts, replay.WithKeyPrefix(cfg.KeyPrefix))
	}
	if cfg.ReservationTTL > 0 {
		opts = append(opts, replay.WithReservationTTL(cfg.ReservationTTL))
	}
	return replay.NewRedisGuard(client, opts...), func() { _ = client.Close() }, nil
}

func newNetwork(ctx context.Context, cfg *facilitator.NetworkConfig, logger *slog.Logger) (facilitator.Network, func(), error) {
	chainID, err := x402.ChainID(cfg.ID)
	if err != nil {
		return facilitator.Network{}, nil, err
	}
	permit2, settlement := contracts(cfg)

	if cfg.Ledger == facilitator.LedgerMemory {
		l := memledger.New(chainID, memledger.WithContracts(permit2, settlement))
		for _, t := range cfg.Tokens {
			token := common.HexToAddress(t.Address)
			l.AddToken(token, t.Name, t.Version)
			for holder, amount := range t.Balances {
				v, _ := new(big.Int).SetString(amount, 10)
				l.Mint(token, common.HexToAddress(holder), v)
			}
		}
		logger.Warn("serving network from an in-memory ledger", "network", cfg.ID)
		return cfg.Network(l), func() {}, nil
	}

	key, err := crypto.HexToECDSA(strings.TrimPrefix(os.Getenv(cfg.SignerKeyEnv), "0x"))
	if err != nil {
		return facilitator.Network{}, nil, fmt.Errorf("%s: signer key from $%s: %w", cfg.ID, cfg.SignerKeyEnv, err)
	}

	client, err := ethclient.DialContext(ctx, cfg.RPCURL)
	if err != nil {
		return facilitator.Network{}, nil, fmt.Errorf("%s: dial %s: %w", cfg.ID, cfg.RPCURL, err)
	}
	remote, err := client.ChainID(ctx)
	if err != nil {
		client.Close()
		return facilitator.Network{}, nil, fmt.Errorf("%s: chain id: %w", cfg.ID, err)
	}
	if remote.Cmp(chainID) != 0 {
		client.Close()
		return facilitator.Network{}, nil, fmt.Errorf("%s: rpc reports chain %s", cfg.ID, remote)
	}

	opts := []evmledger.Option{
		evmledger.WithContracts(permit2, settlement),
		evmledger.WithLogger(logger),
	}
	if cfg.Confirmations > 0 {
		opts = append(opts, evmledger.WithConfirmations(cfg.Confirmations))
	}
	l := evmledger.New(client, chainID, key, opts...)
	logger.Info("network ready", "network", cfg.ID, "signer", l.Address().Hex())

	return cfg.Network(l, l.Address().Hex()), client.Close, nil
}

// contracts resolves the configured Permit2 and settlement addresses, defaulting Permit2 to the canonical deployment.
func contracts(cfg *facilitator.NetworkConfig) (permit2, settlement common.Address) {
	permit2 = evm.CanonicalPermit2
	if cfg.Permit2 != "" {
		permit2 = common.HexToAddress(cfg.Permit2)
	}
	if cfg.SettlementContract != "" {
		settlement = common.HexToAddress(cfg.SettlementContract)
	}
	return permit2, settlement
}
