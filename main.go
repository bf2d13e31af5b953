package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/urfave/cli/v2"

	"pitchside/internal/config"
	"pitchside/internal/exchange"
)

func main() {
	cliApp := &cli.App{
		Name:  "pitchside",
		Usage: "record store and reconciliation service for the pitchside browser extension",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Value:   "pitchside.yaml",
				Usage:   "path to the configuration file",
				EnvVars: []string{"PITCHSIDE_CONFIG"},
			},
		},
		Commands: []*cli.Command{
			serveCommand(),
			migrateCommand(),
			auditCommand(),
			exportCommand(),
			importCommand(),
			importLegacyCommand(),
			replayCommand(),
			{
				Name:  "version",
				Usage: "print the release the store is migrated to",
				Action: func(c *cli.Context) error {
					fmt.Println(appVersion)
					return nil
				},
			},
		},
	}

	if err := cliApp.Run(os.Args); err != nil {
		log.Fatal(err)
	}
}

// withApp loads the configuration, opens the app, runs fn and closes it.
func withApp(c *cli.Context, fn func(ctx context.Context, a *App) error, adjust ...func(*config.Config)) error {
	envPath := config.LoadEnvFiles()

	cfg, err := config.Load(c.String("config"))
	if err != nil {
		return err
	}
	for _, f := range adjust {
		f(cfg)
	}
	logger := cfg.Log.Logger(os.Stderr)
	if envPath != "" {
		logger.Debug("loaded env file", slog.String("path", envPath))
	}

	ctx, stop := signal.NotifyContext(c.Context, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a := NewApp(cfg, logger)
	if err := a.startup(ctx); err != nil {
		return err
	}
	defer a.shutdown()
	return fn(ctx, a)
}

func serveCommand() *cli.Command {
	return &cli.Command{
		Name:  "serve",
		Usage: "migrate the store and serve the extension",
		Action: func(c *cli.Context) error {
			return withApp(c, func(ctx context.Context, a *App) error {
				// A failed migration leaves the marker where it was; the
				// records that are there are still served.
				if _, err := a.migrate(ctx); err != nil {
					a.logger.Error("migration failed", slog.Any("error", err))
				}
				return a.server().Run(ctx)
			})
		},
	}
}

func migrateCommand() *cli.Command {
	return &cli.Command{
		Name:  "migrate",
		Usage: "run pending schema and data migrations",
		Action: func(c *cli.Context) error {
			return withApp(c, func(ctx context.Context, a *App) error {
				res, err := a.migrate(ctx)
				if err != nil {
					return err
				}
				return printJSON(os.Stdout, res)
			})
		},
	}
}

func auditCommand() *cli.Command {
	return &cli.Command{
		Name:  "audit",
		Usage: "check stored matches and players against each other",
		Flags: []cli.Flag{
			&cli.BoolFlag{Name: "strict", Usage: "exit with an error when anything is found"},
		},
		Action: func(c *cli.Context) error {
			return withApp(c, func(ctx context.Context, a *App) error {
				report, err := a.auditor.Run(ctx)
				if err != nil {
					return err
				}
				if err := printJSON(os.Stdout, report); err != nil {
					return err
				}
				if c.Bool("strict") && !report.Clean() {
					return errors.New("audit found inconsistencies")
				}
				return nil
			})
		},
	}
}

func exportCommand() *cli.Command {
	return &cli.Command{
		Name:  "export",
		Usage: "write every record as a portable document",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "out", Aliases: []string{"o"}, Usage: "output file, stdout when empty"},
			&cli.StringFlag{Name: "format", Value: "json", Usage: "json, or xlsx for the minutes ledger"},
		},
		Action: func(c *cli.Context) error {
			return withApp(c, func(ctx context.Context, a *App) error {
				var w io.Writer = os.Stdout
				if path := c.String("out"); path != "" {
					f, err := os.Create(path)
					if err != nil {
						return fmt.Errorf("failed to create %s: %w", path, err)
					}
					defer f.Close()
					w = f
				}
				switch c.String("format") {
				case "json":
					return a.exchanger.WriteJSON(ctx, w)
				case "xlsx":
					return a.exchanger.WriteMinutesXLSX(ctx, w)
				default:
					return fmt.Errorf("unknown export format %q", c.String("format"))
				}
			})
		},
	}
}

func importCommand() *cli.Command {
	return &cli.Command{
		Name:      "import",
		Usage:     "load an exported document and migrate it",
		ArgsUsage: "<file>",
		Flags: []cli.Flag{
			&cli.BoolFlag{Name: "replace", Usage: "drop stored records first instead of merging"},
		},
		Action: func(c *cli.Context) error {
			path := c.Args().First()
			if path == "" {
				return errors.New("import needs a file")
			}
			return withApp(c, func(ctx context.Context, a *App) error {
				f, err := os.Open(path)
				if err != nil {
					return fmt.Errorf("failed to open %s: %w", path, err)
				}
				defer f.Close()

				doc, err := exchange.ReadDocument(f)
				if err != nil {
					return err
				}
				if _, err := a.migrate(ctx); err != nil {
					return err
				}
				res, err := a.exchanger.Import(ctx, doc, exchange.ImportOptions{Replace: c.Bool("replace")})
				if err != nil {
					return err
				}
				return printJSON(os.Stdout, res)
			})
		},
	}
}

func importLegacyCommand() *cli.Command {
	return &cli.Command{
		Name:      "import-legacy",
		Usage:     "convert a key-value dump saved from an older release",
		ArgsUsage: "<file>",
		Action: func(c *cli.Context) error {
			path := c.Args().First()
			if path == "" {
				return errors.New("import-legacy needs a file")
			}
			return withApp(c, func(ctx context.Context, a *App) error {
				f, err := os.Open(path)
				if err != nil {
					return fmt.Errorf("failed to open %s: %w", path, err)
				}
				defer f.Close()

				if _, err := a.migrate(ctx); err != nil {
					return err
				}
				keys, err := a.exchanger.ImportLegacy(ctx, f)
				if err != nil {
					return err
				}
				a.logger.Info("converted legacy entries", slog.Any("keys", keys))
				return nil
			})
		},
	}
}

func replayCommand() *cli.Command {
	return &cli.Command{
		Name:      "replay",
		Usage:     "run journaled page snapshots through the extractors again",
		ArgsUsage: "[journal dir]",
		Action: func(c *cli.Context) error {
			dir := c.Args().First()
			return withApp(c, func(ctx context.Context, a *App) error {
				if dir == "" {
					return errors.New("replay needs a journal directory")
				}
				if _, err := a.migrate(ctx); err != nil {
					return err
				}
				counts, err := a.replay(ctx, dir)
				if err != nil {
					return err
				}
				return printJSON(os.Stdout, counts)
			}, func(cfg *config.Config) {
				// Replayed snapshots are already journaled.
				if dir == "" {
					dir = cfg.Ingest.JournalDir
				}
				cfg.Ingest.JournalDir = ""
			})
		},
	}
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
