package main

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/labstack/echo/v5"
	"github.com/labstack/echo/v5/middleware"
	"github.com/urfave/cli/v3"

	"nanochat/internal/api"
)

func serveCmd() *cli.Command {
	var (
		host        string
		port        int64
		modelName   string
		readTimeout time.Duration
	)

	flags := commonModelFlags()
	flags = append(flags, loggingFlags()...)
	flags = append(flags,
		&cli.StringFlag{
			Name:        "host",
			Usage:       "listen host",
			Destination: &host,
		},
		&cli.Int64Flag{
			Name:        "port",
			Usage:       "listen port",
			Destination: &port,
		},
		&cli.StringFlag{
			Name:        "model-name",
			Usage:       "model id reported by the API",
			Value:       "nanochat",
			Destination: &modelName,
		},
		&cli.DurationFlag{
			Name:        "read-timeout",
			Usage:       "read header timeout",
			Value:       30 * time.Second,
			Destination: &readTimeout,
		},
	)

	return &cli.Command{
		Name:  "serve",
		Usage: "Serve an OpenAI-compatible chat completion API",
		Flags: flags,
		Action: func(ctx context.Context, cmd *cli.Command) error {
			cfg, err := loadFileConfig(configPath)
			if err != nil {
				return err
			}
			if err := resolvePaths(&cfg); err != nil {
				return err
			}
			if host != "" {
				cfg.Host = host
			}
			if port != 0 {
				cfg.Port = int(port)
			}
			log := newLogger(cfg)
			engine, err := loadEngine(cfg, log)
			if err != nil {
				return err
			}

			e := echo.New()
			e.Use(middleware.RequestLogger())
			e.Use(middleware.Recover())
			api.NewServer(engine, modelName, log).Register(e)

			addr := fmt.Sprintf("%s:%d", cfg.Host, cfg.Port)
			log.Info("starting server", "address", addr)
			sc := echo.StartConfig{
				Address: addr,
				BeforeServeFunc: func(srv *http.Server) error {
					srv.ReadHeaderTimeout = readTimeout
					return nil
				},
			}
			return sc.Start(ctx, e)
		},
	}
}
