package main

import (
	"os"

	"github.com/matheusmosca/storefront-core/services/config"
	"github.com/matheusmosca/storefront-core/services/storage"
	log "github.com/sirupsen/logrus"
	"github.com/urfave/cli/v2"
)

const version = "1.0.0"

func main() {
	log.SetFormatter(&log.JSONFormatter{})
	log.SetOutput(os.Stdout)

	app := &cli.App{
		Name:    "storefront",
		Usage:   "order placement, stock ledger and payment confirmation service",
		Version: version,
		Flags: []cli.Flag{
			&cli.BoolFlag{
				Name:    "debug",
				Usage:   "enable debug logging",
				EnvVars: []string{"DEBUG"},
			},
		},
		Before: func(c *cli.Context) error {
			if c.Bool("debug") {
				log.SetLevel(log.DebugLevel)
			}
			return nil
		},
		Commands: []*cli.Command{
			{
				Name:   "serve",
				Usage:  "run the HTTP API",
				Action: serve,
			},
			{
				Name:  "migrate",
				Usage: "apply database migrations",
				Flags: []cli.Flag{
					&cli.BoolFlag{Name: "down", Usage: "roll every migration back"},
				},
				Action: migrate,
			},
		},
		DefaultCommand: "serve",
	}

	if err := app.Run(os.Args); err != nil {
		log.WithError(err).Fatal("❌ storefront exited")
	}
}

func migrate(c *cli.Context) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	if c.Bool("down") {
		log.Warn("⚠️ rolling back all migrations")
		return storage.MigrateDown(cfg.PostgresDSN())
	}
	return storage.MigrateUp(cfg.PostgresDSN())
}
