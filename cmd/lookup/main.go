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

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/urfave/cli/v2"

	"github.com/ruteri/attested-lookup/cdsi"
	"github.com/ruteri/attested-lookup/cmd/flags"
	"github.com/ruteri/attested-lookup/connect"
	"github.com/ruteri/attested-lookup/tokenstore"
)

var localFlags = []cli.Flag{
	&cli.StringFlag{
		Name:    "username",
		EnvVars: []string{"LOOKUP_USERNAME"},
		Usage:   "service username",
	},
	&cli.StringFlag{
		Name:    "password",
		EnvVars: []string{"LOOKUP_PASSWORD"},
		Usage:   "service password",
	},
	&cli.StringFlag{
		Name:  "account",
		Usage: "key under which the continuation token is stored, defaults to the username",
	},
	&cli.PathFlag{
		Name:    "token-dir",
		EnvVars: []string{"LOOKUP_TOKEN_DIR"},
		Usage:   "directory storing continuation tokens",
	},
	&cli.StringFlag{
		Name:    "token-postgres-dsn",
		EnvVars: []string{"LOOKUP_TOKEN_POSTGRES_DSN"},
		Usage:   "PostgreSQL DSN storing continuation tokens, takes precedence over --token-dir",
	},
	&cli.StringSliceFlag{
		Name:  "aci-uak",
		Usage: "known ACI and its access key as <uuid>:<32 hex chars> (repeatable)",
	},
	&cli.BoolFlag{
		Name:  "return-acis-without-uaks",
		Usage: "return ACIs even when no access key matched",
	},
	&cli.IntFlag{
		Name:  "retries",
		Value: 2,
		Usage: "retries of retryable failures",
	},
}

func openStore(ctx context.Context, cCtx *cli.Context) (tokenstore.Store, func(), error) {
	if dsn := cCtx.String("token-postgres-dsn"); dsn != "" {
		store, err := tokenstore.NewPostgresStore(ctx, dsn)
		if err != nil {
			return nil, nil, err
		}
		return store, func() { _ = store.Close() }, nil
	}
	if dir := cCtx.Path("token-dir"); dir != "" {
		store, err := tokenstore.NewFileStore(dir)
		return store, func() {}, err
	}
	return tokenstore.NewInMemoryStore(), func() {}, nil
}

func parseAciUak(s string) (uuid.UUID, [16]byte, error) {
	var uak [16]byte
	aciPart, uakPart, ok := strings.Cut(s, ":")
	if !ok {
		return uuid.Nil, uak, fmt.Errorf("invalid aci-uak %q", s)
	}
	aci, err := uuid.Parse(aciPart)
	if err != nil {
		return uuid.Nil, uak, fmt.Errorf("invalid aci in %q: %w", s, err)
	}
	raw, err := hex.DecodeString(uakPart)
	if err != nil || len(raw) != len(uak) {
		return uuid.Nil, uak, fmt.Errorf("invalid access key in %q", s)
	}
	copy(uak[:], raw)
	return aci, uak, nil
}

type lookupClient interface {
	NewLookup(ctx context.Context, auth connect.Auth, request *cdsi.LookupRequest) (*cdsi.Lookup, error)
}

// retryBackOff spaces out retries. Retries stay bounded by --retries.
func retryBackOff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = time.Second
	b.MaxInterval = 30 * time.Second
	b.MaxElapsedTime = 0
	return b
}

// run performs one lookup, retrying retryable failures. Each retry waits for
// the longer of the server's retry-after hint and the next backoff interval.
func run(ctx context.Context, log *slog.Logger, client lookupClient, auth connect.Auth, request *cdsi.LookupRequest, retries int, policy backoff.BackOff) (cdsi.Token, *cdsi.LookupResponse, error) {
	policy.Reset()
	for attempt := 0; ; attempt++ {
		lookup, err := client.NewLookup(ctx, auth, request)
		if err == nil {
			var response *cdsi.LookupResponse
			response, err = lookup.TakeRemaining().Collect(ctx)
			if err == nil {
				return lookup.Token, response, nil
			}
		}

		retry, after := cdsi.IsRetryable(err)
		if !retry || attempt >= retries {
			return nil, nil, err
		}
		next := policy.NextBackOff()
		if next == backoff.Stop {
			return nil, nil, err
		}
		delay := max(after, next)
		log.Warn("lookup failed, retrying", "err", err, "attempt", attempt+1, "after", delay)
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return nil, nil, ctx.Err()
		}
	}
}

func main() {
	if err := flags.LoadDotEnv(); err != nil {
		log.Fatal(err)
	}

	allFlags := append([]cli.Flag{flags.LogServiceFlagFn("lookup")}, localFlags...)
	allFlags = append(allFlags, flags.CommonFlags...)
	allFlags = append(allFlags, flags.ManagerFlags...)

	app := &cli.App{
		Name:      "lookup",
		Usage:     "Look up phone numbers in an attested enclave",
		ArgsUsage: "+E164 [+E164...]",
		Flags:     allFlags,
		Action: func(cCtx *cli.Context) error {
			logger := flags.SetupLogger(cCtx)
			ctx, stop := signal.NotifyContext(cCtx.Context, os.Interrupt, syscall.SIGTERM)
			defer stop()

			var numbers []cdsi.E164
			for _, arg := range cCtx.Args().Slice() {
				e, err := cdsi.ParseE164(arg)
				if err != nil {
					return err
				}
				numbers = append(numbers, e)
			}

			manager, err := flags.SetupManager(cCtx, logger)
			if err != nil {
				logger.Error("Failed to configure lookup client", "err", err)
				return err
			}

			store, closeStore, err := openStore(ctx, cCtx)
			if err != nil {
				logger.Error("Failed to open token store", "err", err)
				return err
			}
			defer closeStore()

			account := cCtx.String("account")
			if account == "" {
				account = cCtx.String("username")
			}
			entry, err := store.Load(ctx, account)
			if err != nil && !errors.Is(err, tokenstore.ErrNotFound) {
				return err
			}

			buildRequest := func(entry *tokenstore.Entry) (*cdsi.LookupRequest, error) {
				request := entry.NextRequest(numbers)
				request.ReturnAcisWithoutUaks = cCtx.Bool("return-acis-without-uaks")
				for _, s := range cCtx.StringSlice("aci-uak") {
					aci, uak, err := parseAciUak(s)
					if err != nil {
						return nil, err
					}
					request.AciUakPairs = append(request.AciUakPairs, cdsi.AciUak{ACI: aci, UAK: uak})
				}
				return request, nil
			}

			request, err := buildRequest(entry)
			if err != nil {
				return err
			}
			auth := connect.Auth{Username: cCtx.String("username"), Password: cCtx.String("password")}
			retries := cCtx.Int("retries")

			token, response, err := run(ctx, logger, manager, auth, request, retries, retryBackOff())
			if errors.Is(err, cdsi.ErrInvalidToken) && entry != nil {
				logger.Info("stored token rejected, starting a fresh lookup", "account", account)
				if err := store.Delete(ctx, account); err != nil {
					return err
				}
				if request, err = buildRequest(nil); err != nil {
					return err
				}
				token, response, err = run(ctx, logger, manager, auth, request, retries, retryBackOff())
			}
			if err != nil {
				logger.Error("Lookup failed", "err", err)
				return err
			}

			for _, record := range response.Records {
				fmt.Printf("%s\t%s\t%s\n", record.E164, record.PNI, record.ACI)
			}
			logger.Info("lookup complete", "records", len(response.Records), "permitsUsed", response.DebugPermitsUsed)

			return store.Save(ctx, account, tokenstore.After(token, numbers, time.Now()))
		},
	}

	if err := app.Run(os.Args); err != nil {
		log.Fatal(err)
	}
}
