package main

import (
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/dustin/go-humanize"
	"github.com/fatih/color"
	"github.com/ipfs/go-datastore"
	dssync "github.com/ipfs/go-datastore/sync"
	"github.com/urfave/cli/v2"
	"golang.org/x/xerrors"

	"github.com/overlaynode/nodeupdater/depstore"
	"github.com/overlaynode/nodeupdater/manifest"
	"github.com/overlaynode/nodeupdater/updater"
)

var verifyCmd = &cli.Command{
	Name:      "verify",
	Usage:     "Validate a manifest and check which dependencies are installed",
	ArgsUsage: "[manifest]",
	Flags: []cli.Flag{
		&cli.Uint64Flag{
			Name:  "build",
			Usage: "build number of the manifest (default: the manifest's own)",
		},
	},
	Action: func(cctx *cli.Context) error {
		cfg, err := loadConfig(cctx)
		if err != nil {
			return err
		}

		path := cfg.Manifest.Path
		if cctx.Args().Present() {
			path = cctx.Args().First()
		}
		raw, err := os.ReadFile(path)
		if err != nil {
			return xerrors.Errorf("reading manifest: %w", err)
		}

		b := updater.Build(cctx.Uint64("build"))
		if b == 0 {
			b, _ = manifest.BuildOf(raw)
		}

		res, err := manifest.NewResolver(cfg.Manifest.DependencyDir, depstore.New(dssync.MutexWrap(datastore.NewMapDatastore())))
		if err != nil {
			return err
		}
		r, err := res.Resolve(cctx.Context, raw, b)
		if err != nil {
			return err
		}

		tw := tabwriter.NewWriter(os.Stdout, 2, 4, 2, ' ', 0)
		_, _ = fmt.Fprintf(tw, "Name\tSize\tEssential\tStatus\n")
		for _, d := range r.Satisfied {
			_, _ = fmt.Fprintf(tw, "%s\t%s\t%t\t%s\n", d.Name, humanize.IBytes(uint64(d.Size)), d.Essential, color.GreenString("installed"))
		}
		missingEssential := 0
		for _, d := range r.Fetch {
			st := color.YellowString("missing")
			if d.Essential {
				st = color.RedString("missing")
				missingEssential++
			}
			_, _ = fmt.Fprintf(tw, "%s\t%s\t%t\t%s\n", d.Name, humanize.IBytes(uint64(d.Size)), d.Essential, st)
		}
		if err := tw.Flush(); err != nil {
			return err
		}

		if missingEssential > 0 {
			return xerrors.Errorf("build %d: %d essential dependencies missing", b, missingEssential)
		}
		return nil
	},
}
