package main

import (
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/urfave/cli/v2"

	"github.com/ruteri/attested-lookup/cmd/flags"
	"github.com/ruteri/attested-lookup/httpserver"
)

var listenAddrFlag = &cli.StringFlag{
	Name:    "listen-addr",
	EnvVars: []string{"LOOKUP_LISTEN_ADDR"},
	Value:   "127.0.0.1:8080",
	Usage:   "address to listen on for API",
}

func main() {
	if err := flags.LoadDotEnv(); err != nil {
		log.Fatal(err)
	}

	allFlags := []cli.Flag{listenAddrFlag, flags.LogServiceFlagFn("lookup-gateway")}
	allFlags = append(allFlags, flags.CommonFlags...)
	allFlags = append(allFlags, flags.ServerFlags...)
	allFlags = append(allFlags, flags.ManagerFlags...)

	app := &cli.App{
		Name:  "lookup-gateway",
		Usage: "Serve attested contact lookups over a local HTTP API",
		Flags: allFlags,
		Action: func(cCtx *cli.Context) error {
			logger := flags.SetupLogger(cCtx)

			manager, err := flags.SetupManager(cCtx, logger)
			if err != nil {
				logger.Error("Failed to configure lookup client", "err", err)
				return err
			}

			cfg := flags.ConfigureServer(cCtx, logger, cCtx.String(listenAddrFlag.Name))
			server, err := httpserver.New(cfg, httpserver.NewHandler(manager, logger, cCtx.Duration(flags.OperationRetentionFlag.Name)))
			if err != nil {
				logger.Error("Failed to create server", "err", err)
				return err
			}
			server.RunInBackground()

			exit := make(chan os.Signal, 1)
			signal.Notify(exit, os.Interrupt, syscall.SIGTERM)
			hup := make(chan os.Signal, 1)
			signal.Notify(hup, syscall.SIGHUP)

			logger.Info("Gateway is running, press Ctrl+C to stop")
			for {
				select {
				case <-hup:
					// Interface changes are signalled by the supervisor.
					manager.NetworkChanged()
				case <-exit:
					logger.Info("Shutdown signal received")
					server.Shutdown()
					logger.Info("Server shutdown complete")
					return nil
				}
			}
		},
	}

	if err := app.Run(os.Args); err != nil {
		log.Fatal(err)
	}
}
