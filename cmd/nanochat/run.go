package main

import (
	"context"
	"fmt"
	"time"

	"github.com/urfave/cli/v3"

	"nanochat/internal/inference"
)

func runCmd() *cli.Command {
	var (
		prompt string
		system string
		steps  int64
		temp   float64
		topK   int64
		topP   float64
		seed   int64
	)

	flags := commonModelFlags()
	flags = append(flags, loggingFlags()...)
	flags = append(flags,
		&cli.StringFlag{
			Name:        "prompt",
			Aliases:     []string{"p"},
			Usage:       "user prompt text",
			Destination: &prompt,
		},
		&cli.StringFlag{
			Name:        "system",
			Aliases:     []string{"sys"},
			Usage:       "optional system prompt",
			Destination: &system,
		},
		&cli.Int64Flag{
			Name:        "steps",
			Aliases:     []string{"n"},
			Usage:       "maximum number of tokens to generate",
			Value:       256,
			Destination: &steps,
		},
		&cli.Float64Flag{
			Name:        "temp",
			Aliases:     []string{"temperature", "t"},
			Usage:       "sampling temperature (0 = greedy)",
			Value:       0.8,
			Destination: &temp,
		},
		&cli.Int64Flag{
			Name:        "top-k",
			Aliases:     []string{"top_k"},
			Usage:       "top-k sampling parameter",
			Value:       40,
			Destination: &topK,
		},
		&cli.Float64Flag{
			Name:        "top-p",
			Aliases:     []string{"top_p"},
			Usage:       "top-p sampling parameter",
			Value:       1.0,
			Destination: &topP,
		},
		&cli.Int64Flag{
			Name:        "seed",
			Usage:       "sampling RNG seed (default -1 = time-based)",
			Value:       -1,
			Destination: &seed,
		},
	)

	return &cli.Command{
		Name:  "run",
		Usage: "Generate a single completion and exit",
		Flags: flags,
		Action: func(ctx context.Context, cmd *cli.Command) error {
			if prompt == "" {
				return fmt.Errorf("a prompt is required: pass --prompt")
			}
			cfg, err := loadFileConfig(configPath)
			if err != nil {
				return err
			}
			if err := resolvePaths(&cfg); err != nil {
				return err
			}
			applySamplingDefaults(cmd, cfg, &temp, &topK, &topP, &steps)
			log := newLogger(cfg)
			engine, err := loadEngine(cfg, log)
			if err != nil {
				return err
			}

			var messages []inference.Message
			if system != "" {
				messages = append(messages, inference.Message{Role: "system", Content: system})
			}
			messages = append(messages, inference.Message{Role: "user", Content: prompt})

			if seed < 0 {
				seed = time.Now().UnixNano()
			}
			result, err := engine.Generate(ctx, &inference.Request{
				Messages:     messages,
				MaxNewTokens: int(steps),
				Temperature:  float32(temp),
				TopK:         int(topK),
				TopP:         float32(topP),
				Seed:         seed,
			}, func(token string) {
				fmt.Print(token)
			})
			if err != nil {
				return err
			}
			fmt.Println()
			log.Info("done",
				"tokens", result.Stats.TokensGenerated,
				"tps", fmt.Sprintf("%.1f", result.Stats.TPS))
			return nil
		},
	}
}
