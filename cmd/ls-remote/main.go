package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/go-git/go-git/v5/plumbing"
	"github.com/urfave/cli/v3"

	"github.com/utilitywarehouse/index-sync/config"
	"github.com/utilitywarehouse/index-sync/repository"
)

var (
	loggerLevel = new(slog.LevelVar)
	log         = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: loggerLevel}))

	levelStrings = map[string]slog.Level{
		"trace": slog.Level(-8),
		"debug": slog.LevelDebug,
		"info":  slog.LevelInfo,
		"warn":  slog.LevelWarn,
		"error": slog.LevelError,
	}
)

func main() {
	cmd := &cli.Command{
		Name:  "ls-remote",
		Usage: "lists references of the configured index repository using the indexer credentials",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Sources: cli.EnvVars("INDEXER_CONFIG"),
				Usage:   "Absolute path to the optional config file.",
			},
			&cli.StringFlag{
				Name:    "log-level",
				Sources: cli.EnvVars("LOG_LEVEL"),
				Value:   "warn",
				Usage:   "Log level",
			},
		},
		Action: func(ctx context.Context, c *cli.Command) error {
			if v, ok := levelStrings[strings.ToLower(c.String("log-level"))]; ok {
				loggerLevel.Set(v)
			}

			draft, err := config.Load(ctx, nil, c.String("config"))
			if err != nil {
				return err
			}
			conf, err := draft.Build()
			if err != nil {
				return err
			}

			// listing doesn't need a persistent mirror
			repoConf := conf.Repository()
			repoConf.Persist = false

			repo, err := repository.New(repoConf, nil, log)
			if err != nil {
				return err
			}
			defer repo.Close()

			refs, err := repo.ListRemote(ctx)
			if err != nil {
				return err
			}
			for _, ref := range refs {
				if ref.Type() == plumbing.SymbolicReference {
					fmt.Printf("ref: %s\t%s\n", ref.Target(), ref.Name())
					continue
				}
				fmt.Printf("%s\t%s\n", ref.Hash(), ref.Name())
			}
			return nil
		},
	}

	if err := cmd.Run(context.Background(), os.Args); err != nil {
		log.Error("exiting", "err", err)
		os.Exit(1)
	}
}
