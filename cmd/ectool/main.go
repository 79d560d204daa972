// Command ectool writes, reads and inspects erasure-coded objects.
package main

import (
	"fmt"
	"os"

	"github.com/sirupsen/logrus"
	"github.com/urfave/cli/v2"

	"github.com/kunal-geeks/ecstripe/internal/config"
	"github.com/kunal-geeks/ecstripe/internal/storage"
)

var log = logrus.New()

func main() {
	if err := newApp().Run(os.Args); err != nil {
		log.Fatal(err)
	}
}

func newApp() *cli.App {
	return &cli.App{
		Name:  "ectool",
		Usage: "erasure-coded object store tool",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Usage:   "path to a YAML configuration file",
				EnvVars: []string{config.EnvPrefix + "_CONFIG"},
			},
			&cli.StringFlag{
				Name:  "data-dir",
				Usage: "directory holding object shards (overrides the configuration)",
			},
		},
		Before: loadConfig,
		Commands: []*cli.Command{
			layoutCmd,
			putCmd,
			appendCmd,
			getCmd,
			statCmd,
			hinfoCmd,
			verifyCmd,
			repairCmd,
			listCmd,
			rmCmd,
		},
	}
}

// loadConfig loads the configuration once for every command and stores it
// in the app metadata.
func loadConfig(c *cli.Context) error {
	cfg, err := config.Load(c.String("config"))
	if err != nil {
		return err
	}
	if dir := c.String("data-dir"); dir != "" {
		cfg.DataDir = dir
	}
	log.SetLevel(cfg.Logger().GetLevel())
	log.SetOutput(c.App.ErrWriter)
	if c.App.Metadata == nil {
		c.App.Metadata = make(map[string]interface{})
	}
	c.App.Metadata["config"] = cfg
	return nil
}

func configFrom(c *cli.Context) *config.Config {
	return c.App.Metadata["config"].(*config.Config)
}

func openStore(c *cli.Context) (*storage.ObjectStore, error) {
	cfg := configFrom(c)
	code, sinfo, err := cfg.Profile.NewCode()
	if err != nil {
		return nil, err
	}
	shards, err := storage.NewFSShardStore(cfg.DataDir, storage.FSOptions{
		DirectIO: cfg.DirectIO,
		Logger:   log,
	})
	if err != nil {
		return nil, err
	}
	store, err := storage.NewObjectStore(shards, code, sinfo, storage.Options{Logger: log})
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	return store, nil
}
