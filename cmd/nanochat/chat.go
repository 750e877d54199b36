package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/urfave/cli/v3"

	"nanochat/internal/inference"
)

func chatCmd() *cli.Command {
	var (
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
			Name:        "system",
			Aliases:     []string{"sys"},
			Usage:       "optional system prompt",
			Destination: &system,
		},
		&cli.Int64Flag{
			Name:        "steps",
			Aliases:     []string{"n"},
			Usage:       "maximum number of tokens per reply",
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
		Name:  "chat",
		Usage: "Interactive multi-turn chat",
		Flags: flags,
		Action: func(ctx context.Context, cmd *cli.Command) error {
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
			if seed < 0 {
				seed = time.Now().UnixNano()
			}

			fmt.Fprintln(os.Stderr, "Interactive mode. /exit quits, /reset clears the conversation.")

			newConversation := func() []inference.Message {
				if system == "" {
					return nil
				}
				return []inference.Message{{Role: "system", Content: system}}
			}
			msgs := newConversation()

			for {
				input, err := readInteractiveLine("> ")
				if err != nil {
					if err == io.EOF {
						return nil
					}
					return err
				}
				switch strings.TrimSpace(input) {
				case "":
					continue
				case "/exit":
					return nil
				case "/reset":
					msgs = newConversation()
					fmt.Fprintln(os.Stderr, "Conversation cleared.")
					continue
				}
				msgs = append(msgs, inference.Message{Role: "user", Content: input})

				result, err := engine.Generate(ctx, &inference.Request{
					Messages:     msgs,
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
				fmt.Fprintf(os.Stderr, "Stats: %.2f TPS (%d tokens in %s)\n",
					result.Stats.TPS, result.Stats.TokensGenerated, result.Stats.Duration)

				msgs = append(msgs, inference.Message{Role: "assistant", Content: result.Text})
			}
		},
	}
}
