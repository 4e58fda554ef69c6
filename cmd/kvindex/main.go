package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/urfave/cli/v2"

	"github.com/sekai02/kvindex/internal/config"
	"github.com/sekai02/kvindex/pkg/kvindex"
)

func main() {
	app := &cli.App{
		Name:  "kvindex",
		Usage: "search index files stored in a transactional key-value store",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Usage:   "YAML configuration file; defaults apply when omitted",
				EnvVars: []string{"KVINDEX_CONFIG"},
			},
			&cli.StringFlag{
				Name:  "log-level",
				Usage: "override log.level",
			},
		},
		Commands: []*cli.Command{
			serveCommand(),
			lsCommand(),
			catCommand(),
			putCommand(),
			rmCommand(),
			mvCommand(),
			allocCommand(),
			ingestCommand(),
			{
				Name:      "init",
				Usage:     "write the default configuration",
				ArgsUsage: "PATH",
				Action: func(c *cli.Context) error {
					if c.NArg() != 1 {
						return cli.Exit("init needs a path", 2)
					}
					return config.Generate(c.Args().First())
				},
			},
		},
	}

	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, "kvindex:", err)
		os.Exit(1)
	}
}

func loadConfig(c *cli.Context) (config.Config, error) {
	cfg := config.Default()
	if path := c.String("config"); path != "" {
		loaded, err := config.Load(path)
		if err != nil {
			return cfg, err
		}
		cfg = *loaded
	}
	if level := c.String("log-level"); level != "" {
		cfg.Log.Level = level
	}
	return cfg, cfg.Validate()
}

// openIndex loads the configuration, installs the process logger and opens
// the index. Callers close it.
func openIndex(c *cli.Context) (*kvindex.Index, *slog.Logger, error) {
	cfg, err := loadConfig(c)
	if err != nil {
		return nil, nil, err
	}
	logger := cfg.Log.NewLogger()
	slog.SetDefault(logger)

	ix, err := kvindex.Open(cfg, kvindex.WithLogger(logger))
	if err != nil {
		return nil, nil, err
	}
	return ix, logger, nil
}
