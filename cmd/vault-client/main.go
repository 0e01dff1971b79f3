package main

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/ruteri/tee-signing-vault/api/clients"
	"github.com/ruteri/tee-signing-vault/cmd/flags"
	"github.com/ruteri/tee-signing-vault/signer"
	"github.com/ruteri/tee-signing-vault/vault"
	"github.com/urfave/cli/v2"
)

var flagAuthSecret = &cli.StringFlag{
	Name:     "auth-secret",
	Usage:    "vault auth secret",
	EnvVars:  []string{"VAULT_AUTH_SECRET"},
	Required: true,
}

var flagVaultID = &cli.StringFlag{
	Name:     "vault-id",
	Usage:    "vault id returned by create",
	Required: true,
}

var flagVerifyAttestation = &cli.BoolFlag{
	Name:  "verify-attestation",
	Usage: "require a qemu-tdx quote over the enclave key",
}

var flagExpectedMeasurements = &cli.StringSliceFlag{
	Name:  "expected-measurement",
	Usage: "register=hex pairs the quote must carry (0=MRTD, 1-4=RTMR0-3)",
}

var flagTimeout = &cli.DurationFlag{
	Name:  "timeout",
	Value: 30 * time.Second,
	Usage: "HTTP timeout",
}

func main() {
	app := &cli.App{
		Name:  "vault-client",
		Usage: "Talk to a TEE signing vault",
		Flags: []cli.Flag{
			flags.ServerAddrFlag,
			flagVerifyAttestation,
			flagExpectedMeasurements,
			flagTimeout,
		},
		Commands: []*cli.Command{
			{
				Name:  "report",
				Usage: "print the enclave report",
				Action: func(cCtx *cli.Context) error {
					client := clients.NewVaultClient(cCtx.String(flags.ServerAddrFlag.Name), cCtx.Duration(flagTimeout.Name))
					report, err := client.FetchReport(cCtx.Context)
					if err != nil {
						return err
					}
					return printJSON(report)
				},
			},
			{
				Name:  "create",
				Usage: "create a vault",
				Flags: []cli.Flag{
					flagAuthSecret,
					&cli.StringFlag{Name: "owner-name", Required: true},
					&cli.StringFlag{Name: "phone-number"},
				},
				Action: func(cCtx *cli.Context) error {
					client, err := connect(cCtx)
					if err != nil {
						return err
					}
					result, err := client.CreateVault(cCtx.Context, cCtx.String("owner-name"), []byte(cCtx.String(flagAuthSecret.Name)), cCtx.String("phone-number"))
					if err != nil {
						return err
					}
					return printJSON(result)
				},
			},
			{
				Name:  "open",
				Usage: "show the vault's accounts",
				Flags: []cli.Flag{flagAuthSecret, flagVaultID},
				Action: func(cCtx *cli.Context) error {
					client, err := connect(cCtx)
					if err != nil {
						return err
					}
					result, err := client.OpenVault(cCtx.Context, cCtx.String(flagVaultID.Name), []byte(cCtx.String(flagAuthSecret.Name)))
					if err != nil {
						return err
					}
					return printJSON(result)
				},
			},
			{
				Name:  "sign",
				Usage: "sign a hex-encoded unsigned transaction",
				Flags: []cli.Flag{
					flagAuthSecret, flagVaultID,
					&cli.StringFlag{Name: "chain", Value: string(signer.ChainEthereum)},
					&cli.StringFlag{Name: "tx", Usage: "unsigned transaction bytes, hex", Required: true},
				},
				Action: func(cCtx *cli.Context) error {
					chain, err := signer.ParseChain(cCtx.String("chain"))
					if err != nil {
						return err
					}
					unsigned, err := hex.DecodeString(strings.TrimPrefix(cCtx.String("tx"), "0x"))
					if err != nil {
						return fmt.Errorf("invalid --tx: %w", err)
					}
					client, err := connect(cCtx)
					if err != nil {
						return err
					}
					result, err := client.SignTransaction(cCtx.Context, cCtx.String(flagVaultID.Name), []byte(cCtx.String(flagAuthSecret.Name)), chain, unsigned)
					if err != nil {
						return err
					}
					if result.Status != vault.StatusSigned || result.Signed == nil {
						return printJSON(result.Outcome)
					}
					fmt.Println(hex.EncodeToString(result.Signed.SignedTransactionBytes))
					if len(result.Signed.SignatureBytes) > 0 {
						fmt.Println(hex.EncodeToString(result.Signed.SignatureBytes))
					}
					return nil
				},
			},
			{
				Name:  "save-check",
				Usage: "store an identity check result in the vault",
				Flags: []cli.Flag{
					flagAuthSecret, flagVaultID,
					&cli.StringFlag{Name: "check-id", Required: true},
					&cli.StringFlag{Name: "href"},
					&cli.StringFlag{Name: "result", Required: true},
					&cli.StringFlag{Name: "sub-result"},
				},
				Action: func(cCtx *cli.Context) error {
					client, err := connect(cCtx)
					if err != nil {
						return err
					}
					check := vault.IdentityCheckResult{
						ID:        cCtx.String("check-id"),
						Href:      cCtx.String("href"),
						Result:    cCtx.String("result"),
						SubResult: cCtx.String("sub-result"),
					}
					result, err := client.SaveIdentityCheck(cCtx.Context, cCtx.String(flagVaultID.Name), []byte(cCtx.String(flagAuthSecret.Name)), check)
					if err != nil {
						return err
					}
					return printJSON(result)
				},
			},
			{
				Name:  "load-check",
				Usage: "show the stored identity check result",
				Flags: []cli.Flag{flagAuthSecret, flagVaultID},
				Action: func(cCtx *cli.Context) error {
					client, err := connect(cCtx)
					if err != nil {
						return err
					}
					result, err := client.LoadIdentityCheck(cCtx.Context, cCtx.String(flagVaultID.Name), []byte(cCtx.String(flagAuthSecret.Name)))
					if err != nil {
						return err
					}
					return printJSON(result)
				},
			},
		},
	}

	if err := app.Run(os.Args); err != nil {
		log.Fatal(err)
	}
}

func connect(cCtx *cli.Context) (*clients.VaultClient, error) {
	client := clients.NewVaultClient(cCtx.String(flags.ServerAddrFlag.Name), cCtx.Duration(flagTimeout.Name))

	verify := clients.AcceptAnyReport
	if cCtx.Bool(flagVerifyAttestation.Name) {
		measurements, err := parseMeasurements(cCtx.StringSlice(flagExpectedMeasurements.Name))
		if err != nil {
			return nil, err
		}
		verify = clients.VerifyDCAPReport(measurements)
	}

	if err := client.Connect(cCtx.Context, verify); err != nil {
		return nil, err
	}
	return client, nil
}

func parseMeasurements(pairs []string) (map[int]string, error) {
	measurements := make(map[int]string, len(pairs))
	for _, pair := range pairs {
		register, value, ok := strings.Cut(pair, "=")
		if !ok {
			return nil, fmt.Errorf("invalid measurement %q, expected register=hex", pair)
		}
		index, err := strconv.Atoi(register)
		if err != nil || index < 0 || index > 4 {
			return nil, fmt.Errorf("invalid measurement register %q", register)
		}
		if _, err := hex.DecodeString(value); err != nil {
			return nil, fmt.Errorf("measurement %d is not hex: %w", index, err)
		}
		measurements[index] = strings.ToLower(value)
	}
	return measurements, nil
}

func printJSON(v any) error {
	out, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(out))
	return nil
}
