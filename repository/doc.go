// Package repository maintains a local mirror (non-bare clone) of a single
// branch of a remote package index repository and computes which index
// files changed between two commits.
//
// The mirror is created with a full clone on first use and is updated with
// fetch followed by a hard reset of the local branch on later runs. clone and
// fetch are separate operations as their pre-conditions differ, Clone will
// refuse to run if mirror exists and Fetch will refuse to run if it doesn't.
//
// # Logging:
//
// package takes slog reference for logging and prints logs up to 'trace' level
//
// Example:
//
//	loggerLevel  = new(slog.LevelVar)
//	levelStrings = map[string]slog.Level{
//		"trace": slog.Level(-8),
//		"debug": slog.LevelDebug,
//		"info":  slog.LevelInfo,
//		"warn":  slog.LevelWarn,
//		"error": slog.LevelError,
//	}
//
//	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
//		Level: loggerLevel,
//	}))
//	loggerLevel.Set(levelStrings["trace"])
//
//	repo, err := repository.New(repoConf, nil, logger)
//	if err != nil {
//		panic(err)
//	}
//	defer repo.Close()
//
//	head, err := repo.Checkout(ctx)
package repository
