package main

import (
	"os"
	"path/filepath"

	logging "github.com/ipfs/go-log/v2"
	"github.com/mitchellh/go-homedir"
	"github.com/urfave/cli/v2"

	"github.com/overlaynode/nodeupdater/build"
	"github.com/overlaynode/nodeupdater/lib/nodelog"
	"github.com/overlaynode/nodeupdater/node/config"
)

var log = logging.Logger("main")

const (
	FlagRepoPath   = "repo"
	FlagConfigPath = "config"
)

func main() {
	nodelog.SetupLogLevels()

	app := &cli.App{
		Name:    "nodeupdater",
		Usage:   "Fetch and verify the dependencies of node builds",
		Version: build.UserVersion(),
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    FlagRepoPath,
				EnvVars: []string{"NODEUPDATER_PATH"},
				Value:   "~/.nodeupdater",
				Usage:   "node state directory",
			},
			&cli.StringFlag{
				Name:    FlagConfigPath,
				EnvVars: []string{"NODEUPDATER_CONFIG"},
				Usage:   "config file (default: <repo>/config.toml)",
			},
		},

		Commands: []*cli.Command{
			daemonCmd,
			fetchCmd,
			verifyCmd,
			configCmd,
		},
	}

	if err := app.Run(os.Args); err != nil {
		log.Errorf("%+v", err)
		os.Exit(1)
	}
}

func repoPath(cctx *cli.Context) (string, error) {
	return homedir.Expand(cctx.String(FlagRepoPath))
}

// loadConfig reads the config file, falling back to defaults when it doesn't
// exist, and expands paths.
func loadConfig(cctx *cli.Context) (*config.Updater, error) {
	p := cctx.String(FlagConfigPath)
	if p == "" {
		repo, err := repoPath(cctx)
		if err != nil {
			return nil, err
		}
		p = filepath.Join(repo, "config.toml")
	}

	cfg, err := config.FromFile(p, config.DefaultUpdater())
	if err != nil {
		return nil, err
	}
	if err := cfg.ExpandPaths(); err != nil {
		return nil, err
	}
	return cfg, nil
}
