package main

import "github.com/urfave/cli/v3"

var (
	configPath    string
	modelPath     string
	modelConfig   string
	tokenizerPath string
	logLevel      string
	logFormat     string
)

func commonModelFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:        "config",
			Aliases:     []string{"f"},
			Usage:       "path to nanochat.yaml",
			Destination: &configPath,
		},
		&cli.StringFlag{
			Name:        "model",
			Aliases:     []string{"m"},
			Usage:       "path to model.safetensors",
			Destination: &modelPath,
		},
		&cli.StringFlag{
			Name:        "model-config",
			Usage:       "path to the checkpoint config.json",
			Destination: &modelConfig,
		},
		&cli.StringFlag{
			Name:        "tokenizer",
			Usage:       "path to tokenizer.json",
			Destination: &tokenizerPath,
		},
	}
}

func loggingFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:        "log-level",
			Usage:       "log level (debug, info, warn, error)",
			Value:       "info",
			Destination: &logLevel,
		},
		&cli.StringFlag{
			Name:        "log-format",
			Usage:       "log format (pretty, json, text)",
			Value:       "pretty",
			Destination: &logFormat,
		},
	}
}
