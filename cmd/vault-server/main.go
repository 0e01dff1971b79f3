package main

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/ruteri/tee-signing-vault/bridge"
	"github.com/ruteri/tee-signing-vault/cmd/flags"
	"github.com/ruteri/tee-signing-vault/cryptoutils"
	"github.com/ruteri/tee-signing-vault/enclave"
	"github.com/ruteri/tee-signing-vault/httpserver"
	"github.com/ruteri/tee-signing-vault/kms"
	"github.com/urfave/cli/v2"
)

var flagListenAddr = &cli.StringFlag{
	Name:  "listen-addr",
	Value: "127.0.0.1:8080",
	Usage: "address to listen on for API",
}

var flagMasterSeed = &cli.StringFlag{
	Name:    "master-seed",
	Usage:   "hex-encoded master seed (at least 32 bytes)",
	EnvVars: []string{"VAULT_MASTER_SEED"},
}

var flagSeedShares = &cli.StringSliceFlag{
	Name:  "seed-share",
	Usage: "file holding one hex-encoded master seed share; repeat up to the threshold",
}

var flagAdminKeys = &cli.StringFlag{
	Name:  "admin-keys-file",
	Usage: "JSON file with admin public keys; bootstraps the master seed through the admin API",
}

var flagBootstrapTimeout = &cli.DurationFlag{
	Name:  "bootstrap-timeout",
	Value: 30 * time.Minute,
	Usage: "how long to wait for admins to bootstrap the master seed",
}

var flagAttestationType = &cli.StringFlag{
	Name:  "attestation-type",
	Value: cryptoutils.DummyAttestation.String(),
	Usage: "attestation for the enclave report: dummy or qemu-tdx",
}

var flagRemoteAttestation = &cli.StringFlag{
	Name:  "remote-attestation-addr",
	Usage: "fetch qemu-tdx quotes from this quote provider instead of the local device",
}

var flagBoundaryCapacities = &cli.IntSliceFlag{
	Name:  "boundary-capacity",
	Value: cli.NewIntSlice(bridge.DefaultCapacities...),
	Usage: "response buffer sizes tried at the enclave boundary, in order",
}

func main() {
	app := &cli.App{
		Name:  "vault-server",
		Usage: "Serve the TEE signing vault",
		Flags: append([]cli.Flag{
			flagListenAddr,
			flagMasterSeed,
			flagSeedShares,
			flagAdminKeys,
			flagBootstrapTimeout,
			flagAttestationType,
			flagRemoteAttestation,
			flagBoundaryCapacities,
			flags.StorageFlag,
			flags.IdentityChainFlag,
			flags.LogServiceFlagFn("tee-signing-vault"),
		}, flags.CommonFlags...),
		Action: run,
	}

	if err := app.Run(os.Args); err != nil {
		log.Fatal(err)
	}
}

func run(cCtx *cli.Context) error {
	logger := flags.SetupLogger(cCtx)

	backend, err := flags.OpenStorage(cCtx, logger)
	if err != nil {
		logger.Error("Failed to open record storage", "err", err)
		return err
	}

	identityChain, err := flags.IdentityChain(cCtx)
	if err != nil {
		return err
	}

	attestation, err := attestationProvider(cCtx)
	if err != nil {
		return err
	}

	cfg := flags.ConfigureServer(cCtx, logger, cCtx.String(flagListenAddr.Name))

	var adminHandler *httpserver.AdminHandler
	if adminKeysFile := cCtx.String(flagAdminKeys.Name); adminKeysFile != "" {
		adminHandler, err = loadAdminHandler(adminKeysFile, logger)
		if err != nil {
			return err
		}
		cfg.Admin = adminHandler
	}

	server, err := httpserver.New(cfg, nil)
	if err != nil {
		logger.Error("Failed to create server", "err", err)
		return err
	}

	var simpleKMS *kms.SimpleKMS
	if adminHandler != nil {
		logger.Info("Starting server in bootstrap mode, waiting for admins",
			"timeout", cCtx.Duration(flagBootstrapTimeout.Name))
		server.RunInBackground()

		ctx, cancel := context.WithTimeout(context.Background(), cCtx.Duration(flagBootstrapTimeout.Name))
		simpleKMS, err = adminHandler.WaitForBootstrap(ctx)
		cancel()
		if err != nil {
			logger.Error("Master seed bootstrap failed", "err", err)
			server.Shutdown()
			return err
		}
	} else {
		simpleKMS, err = kmsFromFlags(cCtx)
		if err != nil {
			logger.Error("Failed to set up enclave keys", "err", err)
			return err
		}
		server.RunInBackground()
	}
	defer simpleKMS.Close()

	enc, err := enclave.New(enclave.Config{
		KMS:           simpleKMS,
		Backend:       backend,
		IdentityChain: identityChain,
		Attestation:   attestation,
		Log:           logger,
	})
	if err != nil {
		logger.Error("Failed to start enclave", "err", err)
		server.Shutdown()
		return err
	}

	actor := bridge.NewActor(enc, bridge.FixedLadder(cCtx.IntSlice(flagBoundaryCapacities.Name)...), logger)
	defer actor.Stop()

	server.SetHandler(httpserver.NewHandler(actor, enc, logger))
	publicKey := enc.PublicKey()
	logger.Info("Vault is serving", "enclavePublicKey", hex.EncodeToString(publicKey[:]), "identityChain", identityChain)

	exit := make(chan os.Signal, 1)
	signal.Notify(exit, os.Interrupt, syscall.SIGTERM)
	<-exit
	logger.Info("Shutdown signal received")

	server.Shutdown()
	return nil
}

func attestationProvider(cCtx *cli.Context) (cryptoutils.AttestationProvider, error) {
	attestationType, err := cryptoutils.AttestationTypeFromString(cCtx.String(flagAttestationType.Name))
	if err != nil {
		return nil, fmt.Errorf("invalid --%s: %w", flagAttestationType.Name, err)
	}
	if addr := cCtx.String(flagRemoteAttestation.Name); addr != "" {
		if attestationType != cryptoutils.DCAPAttestation {
			return nil, fmt.Errorf("--%s needs --%s=%s", flagRemoteAttestation.Name, flagAttestationType.Name, cryptoutils.DCAPAttestation)
		}
		return &cryptoutils.RemoteAttestationProvider{Address: addr}, nil
	}
	return cryptoutils.AttestationProviderFor(attestationType)
}

func loadAdminHandler(path string, logger *slog.Logger) (*httpserver.AdminHandler, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	adminKeys, err := httpserver.LoadAdminKeys(f)
	if err != nil {
		return nil, err
	}
	logger.Info("Admin keys loaded", "count", len(adminKeys))
	return httpserver.NewAdminHandler(logger, adminKeys), nil
}

// kmsFromFlags derives the enclave keys from --master-seed or --seed-share.
func kmsFromFlags(cCtx *cli.Context) (*kms.SimpleKMS, error) {
	var seed []byte
	switch {
	case cCtx.String(flagMasterSeed.Name) != "":
		decoded, err := hex.DecodeString(strings.TrimSpace(cCtx.String(flagMasterSeed.Name)))
		if err != nil {
			return nil, fmt.Errorf("invalid --%s: %w", flagMasterSeed.Name, err)
		}
		seed = decoded
	case len(cCtx.StringSlice(flagSeedShares.Name)) > 0:
		var shares [][]byte
		for _, path := range cCtx.StringSlice(flagSeedShares.Name) {
			share, err := readHexFile(path)
			if err != nil {
				return nil, err
			}
			shares = append(shares, share)
		}
		combined, err := kms.CombineShares(shares)
		for _, share := range shares {
			cryptoutils.Wipe(share)
		}
		if err != nil {
			return nil, err
		}
		seed = combined
	default:
		return nil, errors.New("one of --master-seed, --seed-share or --admin-keys-file is required")
	}
	defer cryptoutils.Wipe(seed)

	return kms.NewSimpleKMS(seed)
}

func readHexFile(path string) ([]byte, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	defer cryptoutils.Wipe(data)

	decoded, err := hex.DecodeString(strings.TrimSpace(string(data)))
	if err != nil {
		return nil, fmt.Errorf("%s: not hex: %w", path, err)
	}
	return decoded, nil
}
