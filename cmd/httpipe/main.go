package main

import (
	"fmt"
	"log"
	"os"
	"time"

	"github.com/mattn/go-isatty"
	"github.com/urfave/cli/v2"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/cww0614/http-pipe/client"
	"github.com/cww0614/http-pipe/relay"
)

func main() {
	app := &cli.App{
		Name:      "httpipe",
		Usage:     "pipe bytes between two machines through a plain HTTP relay",
		UsageText: "httpipe --server <listen-addr>\n   httpipe [options] <pipe-url>",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "server",
				Usage: "Run the relay server, listening on the given address.",
			},
			&cli.BoolFlag{
				Name:  "send",
				Usage: "Force sender role (default: send when stdin is piped).",
			},
			&cli.BoolFlag{
				Name:  "recv",
				Usage: "Force receiver role.",
			},
			&cli.BoolFlag{
				Name:  "debug",
				Usage: "Enable debug logging.",
			},
			&cli.IntFlag{
				Name:  "window-bytes",
				Usage: "Capacity of the resume window buffer.",
				Value: 4 * 1024 * 1024,
			},
			&cli.DurationFlag{
				Name:  "grace-period",
				Usage: "How long a dropped sender may reconnect before waiting receivers fail.",
				Value: 30 * time.Second,
			},
			&cli.DurationFlag{
				Name:  "receiver-grace",
				Usage: "How long a dropped receiver's unread bytes are protected from eviction.",
				Value: 30 * time.Second,
			},
			&cli.DurationFlag{
				Name:  "idle-timeout",
				Usage: "Destroy sessions that sit without any attachment for this long.",
				Value: 5 * time.Minute,
			},
			&cli.DurationFlag{
				Name:  "probe-interval",
				Usage: "How often the sender confirms accepted offsets with the relay.",
				Value: 2 * time.Second,
			},
			&cli.DurationFlag{
				Name:  "backoff-min",
				Usage: "Minimum reconnect delay.",
				Value: 500 * time.Millisecond,
			},
			&cli.DurationFlag{
				Name:  "backoff-max",
				Usage: "Maximum reconnect delay.",
				Value: 15 * time.Second,
			},
			&cli.IntFlag{
				Name:  "retry-max",
				Usage: "Reconnect attempts without forward progress before giving up.",
				Value: 10,
			},
		},
		Action: run,
	}
	if err := app.Run(os.Args); err != nil {
		log.Fatal(err)
	}
}

func run(ctx *cli.Context) error {
	logger, err := buildLogger(ctx.Bool("debug"))
	if err != nil {
		return fmt.Errorf("building logger: %w", err)
	}
	defer logger.Sync()

	if addr := ctx.String("server"); addr != "" {
		return runServer(ctx, logger, addr)
	}
	return runClient(ctx, logger)
}

// buildLogger logs to stderr; in client mode stdout carries pipe data.
func buildLogger(debug bool) (*zap.Logger, error) {
	logger, err := zap.NewDevelopment()
	if err != nil {
		return nil, err
	}
	if !debug {
		logger = logger.WithOptions(zap.IncreaseLevel(zapcore.InfoLevel))
	}
	return logger, nil
}

func runServer(ctx *cli.Context, logger *zap.Logger, addr string) error {
	registry := relay.NewRegistry(logger.Sugar(), relay.RegistryConfig{
		WindowBytes:   ctx.Int("window-bytes"),
		SenderGrace:   ctx.Duration("grace-period"),
		ReceiverGrace: ctx.Duration("receiver-grace"),
		IdleTimeout:   ctx.Duration("idle-timeout"),
	})
	defer registry.Stop()

	server, err := relay.NewServer(registry, relay.WithListenAddr(addr), relay.WithLogger(logger))
	if err != nil {
		return fmt.Errorf("building server: %w", err)
	}
	return server.Run()
}

func runClient(ctx *cli.Context, logger *zap.Logger) error {
	if ctx.NArg() != 1 {
		return cli.Exit("expected exactly one pipe URL argument", 2)
	}

	send := ctx.Bool("send")
	recv := ctx.Bool("recv")
	if send && recv {
		return cli.Exit("--send and --recv are mutually exclusive", 2)
	}
	if !send && !recv {
		// Piped stdin sends, a terminal stdin receives.
		fd := os.Stdin.Fd()
		send = !isatty.IsTerminal(fd) && !isatty.IsCygwinTerminal(fd)
	}

	cfg := client.Config{
		URL:           ctx.Args().First(),
		Logger:        logger.Sugar(),
		BackoffMin:    ctx.Duration("backoff-min"),
		BackoffMax:    ctx.Duration("backoff-max"),
		RetryMax:      ctx.Int("retry-max"),
		WindowBytes:   ctx.Int("window-bytes"),
		ProbeInterval: ctx.Duration("probe-interval"),
	}

	if send {
		if err := client.Send(ctx.Context, cfg, os.Stdin); err != nil {
			return cli.Exit(fmt.Sprintf("send failed: %s", err), 1)
		}
		return nil
	}
	if err := client.Receive(ctx.Context, cfg, os.Stdout); err != nil {
		return cli.Exit(fmt.Sprintf("receive failed: %s", err), 1)
	}
	return nil
}
