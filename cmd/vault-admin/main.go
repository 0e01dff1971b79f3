package main

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"strings"
	"time"

	"github.com/ruteri/tee-signing-vault/api/clients"
	"github.com/ruteri/tee-signing-vault/cmd/flags"
	"github.com/ruteri/tee-signing-vault/cryptoutils"
	"github.com/ruteri/tee-signing-vault/kms"
	"github.com/ruteri/tee-signing-vault/vault"
	"github.com/urfave/cli/v2"
)

var flagAdminServer = &cli.StringFlag{
	Name:  "admin-server-addr",
	Value: "http://127.0.0.1:8080/admin",
	Usage: "vault server admin API address",
}
var flagAdminPrivkey = &cli.StringFlag{
	Name:  "admin-privkey-file",
	Value: "admin-private.pem",
	Usage: "path to admin private key",
}
var flagAdminPubkey = &cli.StringFlag{
	Name:  "admin-pubkey-file",
	Value: "admin-public.pem",
	Usage: "path to admin public key",
}
var flagAdminsConfig = &cli.StringFlag{
	Name:  "admin-keys-file",
	Value: "admins.json",
	Usage: "admin public keys configuration for vault-server",
}
var flagShareFile = &cli.StringFlag{
	Name:  "share-file",
	Value: "seed-share.hex",
	Usage: "file holding this admin's hex-encoded seed share",
}
var flagThreshold = &cli.IntFlag{
	Name:  "threshold",
	Value: 2,
	Usage: "shares needed to reconstruct the master seed",
}
var flagTotalShares = &cli.IntFlag{
	Name:  "total-shares",
	Value: 3,
	Usage: "shares to split the master seed into",
}
var flagOutputPrefix = &cli.StringFlag{
	Name:  "output-prefix",
	Value: "seed-share-",
	Usage: "share files are written as <prefix><index>.hex",
}

type adminMetadata struct {
	ID     string `json:"id"`
	PubKey string `json:"pubkey"`
}

type adminsConfig struct {
	Admins []adminMetadata `json:"admins"`
}

func main() {
	app := &cli.App{
		Name:           "vault-admin",
		Usage:          "Manage vault admin keys, master seed shares and stored records",
		DefaultCommand: "status",
		Commands: []*cli.Command{
			{
				Name:  "status",
				Usage: "show the master seed bootstrap state",
				Flags: []cli.Flag{flagAdminServer},
				Action: func(cCtx *cli.Context) error {
					adminClient := clients.NewAdminClient(cCtx.String(flagAdminServer.Name), "", nil)
					status, err := adminClient.GetStatus(cCtx.Context)
					if err != nil {
						return err
					}
					return printJSON(status)
				},
			},
			{
				Name:  "generate-admin",
				Usage: "generate an admin key pair",
				Flags: []cli.Flag{flagAdminPrivkey, flagAdminPubkey},
				Action: func(cCtx *cli.Context) error {
					privateKeyPEM, publicKeyPEM, err := cryptoutils.GenerateAdminKeyPair()
					if err != nil {
						return err
					}
					if err := os.WriteFile(cCtx.String(flagAdminPrivkey.Name), privateKeyPEM, 0600); err != nil {
						return err
					}
					if err := os.WriteFile(cCtx.String(flagAdminPubkey.Name), publicKeyPEM, 0644); err != nil {
						return err
					}
					fmt.Println(cryptoutils.AdminFingerprint(publicKeyPEM))
					return nil
				},
			},
			{
				Name:  "generate-admin-config",
				Usage: "collect admin public keys into the vault-server admin keys file",
				Flags: []cli.Flag{
					flagAdminsConfig,
					&cli.StringSliceFlag{
						Name:     "admin-pubkey-files",
						Required: true,
					},
				},
				Action: func(cCtx *cli.Context) error {
					config := adminsConfig{}
					for _, path := range cCtx.StringSlice("admin-pubkey-files") {
						publicKeyPEM, err := os.ReadFile(path)
						if err != nil {
							return err
						}
						if _, err := cryptoutils.ParseAdminPublicKey(publicKeyPEM); err != nil {
							return fmt.Errorf("%s: %w", path, err)
						}
						config.Admins = append(config.Admins, adminMetadata{
							ID:     cryptoutils.AdminFingerprint(publicKeyPEM),
							PubKey: string(publicKeyPEM),
						})
					}

					configBytes, err := json.MarshalIndent(config, "", "  ")
					if err != nil {
						return err
					}
					return os.WriteFile(cCtx.String(flagAdminsConfig.Name), configBytes, 0644)
				},
			},
			{
				Name:  "split-seed",
				Usage: "generate a master seed offline and split it into share files",
				Flags: []cli.Flag{flagThreshold, flagTotalShares, flagOutputPrefix},
				Action: func(cCtx *cli.Context) error {
					seed := make([]byte, kms.MasterSeedSize)
					if _, err := rand.Read(seed); err != nil {
						return err
					}
					defer cryptoutils.Wipe(seed)

					shares, err := kms.SplitMasterSeed(seed, cCtx.Int(flagThreshold.Name), cCtx.Int(flagTotalShares.Name))
					if err != nil {
						return err
					}
					for i, share := range shares {
						path := fmt.Sprintf("%s%d.hex", cCtx.String(flagOutputPrefix.Name), i+1)
						err := os.WriteFile(path, []byte(hex.EncodeToString(share)), 0600)
						cryptoutils.Wipe(share)
						if err != nil {
							return err
						}
						fmt.Println(path)
					}
					return nil
				},
			},
			{
				Name:  "init-generate",
				Usage: "have the server generate a master seed and split it among the admins",
				Flags: []cli.Flag{flagAdminServer, flagAdminPrivkey, flagAdminPubkey, flagThreshold, flagTotalShares},
				Action: func(cCtx *cli.Context) error {
					adminClient, err := adminClientFromFlags(cCtx)
					if err != nil {
						return err
					}
					assignments, err := adminClient.InitGenerate(cCtx.Context, cCtx.Int(flagThreshold.Name), cCtx.Int(flagTotalShares.Name))
					if err != nil {
						return err
					}
					return printJSON(assignments)
				},
			},
			{
				Name:  "fetch-share",
				Usage: "download and decrypt this admin's share",
				Flags: []cli.Flag{flagAdminServer, flagAdminPrivkey, flagAdminPubkey, flagShareFile},
				Action: func(cCtx *cli.Context) error {
					adminClient, err := adminClientFromFlags(cCtx)
					if err != nil {
						return err
					}
					index, share, err := adminClient.FetchShare(cCtx.Context)
					if err != nil {
						return err
					}
					defer cryptoutils.Wipe(share)

					if err := os.WriteFile(cCtx.String(flagShareFile.Name), []byte(hex.EncodeToString(share)), 0600); err != nil {
						return err
					}
					fmt.Printf("share %d written to %s\n", index, cCtx.String(flagShareFile.Name))
					return nil
				},
			},
			{
				Name:  "init-recover",
				Usage: "put the server into recovery mode",
				Flags: []cli.Flag{flagAdminServer, flagAdminPrivkey, flagAdminPubkey, flagThreshold},
				Action: func(cCtx *cli.Context) error {
					adminClient, err := adminClientFromFlags(cCtx)
					if err != nil {
						return err
					}
					return adminClient.InitRecover(cCtx.Context, cCtx.Int(flagThreshold.Name))
				},
			},
			{
				Name:  "submit-share",
				Usage: "submit this admin's share during recovery",
				Flags: []cli.Flag{
					flagAdminServer, flagAdminPrivkey, flagAdminPubkey, flagShareFile,
					&cli.DurationFlag{
						Name:  "wait",
						Usage: "wait this long for the server to finish recovery",
					},
				},
				Action: func(cCtx *cli.Context) error {
					adminClient, err := adminClientFromFlags(cCtx)
					if err != nil {
						return err
					}
					shareHex, err := os.ReadFile(cCtx.String(flagShareFile.Name))
					if err != nil {
						return err
					}
					share, err := hex.DecodeString(strings.TrimSpace(string(shareHex)))
					cryptoutils.Wipe(shareHex)
					if err != nil {
						return fmt.Errorf("share file is not hex: %w", err)
					}
					defer cryptoutils.Wipe(share)

					if err := adminClient.SubmitShare(cCtx.Context, share); err != nil {
						return err
					}

					if wait := cCtx.Duration("wait"); wait > 0 {
						ctx, cancel := context.WithTimeout(cCtx.Context, wait)
						defer cancel()
						return adminClient.WaitForCompletion(ctx, time.Second)
					}
					return nil
				},
			},
			{
				Name:  "records",
				Usage: "inspect stored vault records",
				Flags: []cli.Flag{flags.StorageFlag, flags.IdentityChainFlag},
				Subcommands: []*cli.Command{
					{
						Name:   "list",
						Usage:  "list vault ids with a stored record",
						Action: listRecords,
					},
					{
						Name:      "delete",
						Usage:     "delete the record of a vault id",
						ArgsUsage: "<vault-id>",
						Action:    deleteRecord,
					},
				},
			},
		},
	}

	if err := app.Run(os.Args); err != nil {
		log.Fatal(err)
	}
}

func adminClientFromFlags(cCtx *cli.Context) (*clients.AdminClient, error) {
	publicKeyPEM, err := os.ReadFile(cCtx.String(flagAdminPubkey.Name))
	if err != nil {
		return nil, err
	}

	privateKeyPEM, err := os.ReadFile(cCtx.String(flagAdminPrivkey.Name))
	if err != nil {
		return nil, err
	}
	defer cryptoutils.Wipe(privateKeyPEM)

	privateKey, err := cryptoutils.ParseAdminPrivateKey(privateKeyPEM)
	if err != nil {
		return nil, err
	}
	publicKey, err := cryptoutils.ParseAdminPublicKey(publicKeyPEM)
	if err != nil {
		return nil, err
	}
	if !privateKey.PublicKey.Equal(publicKey) {
		return nil, fmt.Errorf("%s does not match %s", cCtx.String(flagAdminPubkey.Name), cCtx.String(flagAdminPrivkey.Name))
	}

	return clients.NewAdminClient(cCtx.String(flagAdminServer.Name), cryptoutils.AdminFingerprint(publicKeyPEM), privateKey), nil
}

func openRecordStore(cCtx *cli.Context) (*vault.Store, error) {
	logger := flags.SetupLogger(cCtx)
	backend, err := flags.OpenStorage(cCtx, logger)
	if err != nil {
		return nil, err
	}
	identityChain, err := flags.IdentityChain(cCtx)
	if err != nil {
		return nil, err
	}
	return vault.NewStore(backend, nil, identityChain, logger)
}

func listRecords(cCtx *cli.Context) error {
	store, err := openRecordStore(cCtx)
	if err != nil {
		return err
	}
	keys, err := store.Keys(cCtx.Context)
	if err != nil {
		return err
	}
	for _, key := range keys {
		id, err := store.IDFromKey(key)
		if err != nil {
			fmt.Fprintf(os.Stderr, "skipping unrecognized key %x: %v\n", key, err)
			continue
		}
		fmt.Println(id)
	}
	return nil
}

func deleteRecord(cCtx *cli.Context) error {
	if cCtx.NArg() != 1 {
		return fmt.Errorf("expected exactly one vault id")
	}
	store, err := openRecordStore(cCtx)
	if err != nil {
		return err
	}
	key, err := store.KeyFromID(cCtx.Args().First())
	if err != nil {
		return err
	}
	return store.Delete(cCtx.Context, key)
}

func printJSON(v any) error {
	out, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(out))
	return nil
}
