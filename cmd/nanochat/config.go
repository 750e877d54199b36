package main

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/urfave/cli/v3"
	"gopkg.in/yaml.v3"

	"nanochat/internal/inference"
	"nanochat/internal/logger"
	"nanochat/internal/model"
	"nanochat/internal/tokenizer"
)

// fileConfig is the optional nanochat.yaml: paths and sampling defaults, all
// overridable by flags.
type fileConfig struct {
	Model       string  `yaml:"model"`
	ModelConfig string  `yaml:"model_config"`
	Tokenizer   string  `yaml:"tokenizer"`
	Host        string  `yaml:"host"`
	Port        int     `yaml:"port"`
	Temperature float64 `yaml:"temperature"`
	TopK        int     `yaml:"top_k"`
	TopP        float64 `yaml:"top_p"`
	MaxTokens   int     `yaml:"max_tokens"`
	LogLevel    string  `yaml:"log_level"`
	LogFormat   string  `yaml:"log_format"`
}

func loadFileConfig(path string) (fileConfig, error) {
	cfg := fileConfig{
		Host:        "127.0.0.1",
		Port:        8090,
		Temperature: 0.8,
		TopK:        40,
		TopP:        1,
		MaxTokens:   256,
	}
	if path == "" {
		// Default to ~/.config/nanochat/config.yaml; its absence is not
		// an error.
		dir, err := os.UserConfigDir()
		if err != nil {
			return cfg, nil
		}
		path = filepath.Join(dir, "nanochat", "config.yaml")
		if _, err := os.Stat(path); err != nil {
			return cfg, nil
		}
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return cfg, err
	}
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config %s: %w", path, err)
	}
	return cfg, nil
}

// resolvePaths applies flag overrides and fills the model config path from
// the checkpoint's directory when unset.
func resolvePaths(cfg *fileConfig) error {
	if modelPath != "" {
		cfg.Model = modelPath
	}
	if modelConfig != "" {
		cfg.ModelConfig = modelConfig
	}
	if tokenizerPath != "" {
		cfg.Tokenizer = tokenizerPath
	}
	if cfg.Model == "" {
		return fmt.Errorf("no model specified: pass --model or set model in nanochat.yaml")
	}
	if cfg.ModelConfig == "" {
		cfg.ModelConfig = filepath.Join(filepath.Dir(cfg.Model), "config.json")
	}
	if cfg.Tokenizer == "" {
		cfg.Tokenizer = filepath.Join(filepath.Dir(cfg.Model), "tokenizer.json")
	}
	return nil
}

// applySamplingDefaults fills sampling knobs from the config file when the
// corresponding flag was not given on the command line.
func applySamplingDefaults(cmd *cli.Command, cfg fileConfig,
	temp *float64, topK *int64, topP *float64, steps *int64,
) {
	if !cmd.IsSet("temp") && !cmd.IsSet("temperature") && !cmd.IsSet("t") {
		*temp = cfg.Temperature
	}
	if !cmd.IsSet("top-k") && !cmd.IsSet("top_k") {
		*topK = int64(cfg.TopK)
	}
	if !cmd.IsSet("top-p") && !cmd.IsSet("top_p") {
		*topP = cfg.TopP
	}
	if !cmd.IsSet("steps") && !cmd.IsSet("n") {
		*steps = int64(cfg.MaxTokens)
	}
}

func newLogger(cfg fileConfig) logger.Logger {
	level := logLevel
	if level == "" || level == "info" {
		if cfg.LogLevel != "" {
			level = cfg.LogLevel
		}
	}
	format := logFormat
	if format == "" || format == "pretty" {
		if cfg.LogFormat != "" {
			format = cfg.LogFormat
		}
	}
	switch format {
	case "json":
		return logger.JSON(os.Stderr, logger.ParseLevel(level))
	case "text":
		return logger.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
			Level: logger.ParseLevel(level),
		}))
	default:
		return logger.Pretty(os.Stderr, logger.ParseLevel(level))
	}
}

// loadEngine opens the checkpoint, config and tokenizer and assembles the
// inference engine.
func loadEngine(cfg fileConfig, log logger.Logger) (*inference.Engine, error) {
	log.Info("loading model", "weights", cfg.Model, "config", cfg.ModelConfig)
	m, err := model.Load(cfg.Model, cfg.ModelConfig)
	if err != nil {
		return nil, fmt.Errorf("load model: %w", err)
	}
	tok, err := tokenizer.LoadFile(cfg.Tokenizer)
	if err != nil {
		return nil, fmt.Errorf("load tokenizer: %w", err)
	}
	return inference.NewEngine(m, tok, log)
}
