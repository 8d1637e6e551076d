// Command rmfs manages region images: files holding one raw memory file
// system region.
package main

import (
	"fmt"
	"os"

	"github.com/fatih/color"
	"github.com/urfave/cli/v2"
)

func main() {
	if err := newApp().Run(os.Args); err != nil {
		color.Red(" %s", err)
		os.Exit(1)
	}
}

func newApp() *cli.App {

	var s settings

	return &cli.App{
		Name:  "rmfs",
		Usage: "inspect and edit raw memory file system images",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "config", Value: defaultConfigPath, Usage: "TOML config file", EnvVars: []string{"RMFS_CONFIG"}},
			&cli.StringFlag{Name: "image", Aliases: []string{"i"}, Usage: "image file holding the region", EnvVars: []string{"RMFS_IMAGE"}},
			&cli.Int64Flag{Name: "base", Usage: "address of the first region byte"},
			&cli.StringFlag{Name: "size", Usage: "region size, e.g. 64KiB (default: size of the image file)"},
			&cli.StringFlag{Name: "log-level", Usage: "debug, info, warn or error", EnvVars: []string{"LOG_LEVEL"}},
		},
		Before: func(c *cli.Context) error {
			loaded, err := loadSettings(c.String("config"), c.IsSet("config"))
			if err != nil {
				return err
			}
			loaded.override(c)
			s = loaded
			return nil
		},
		Commands: commands(&s),
	}
}

func commands(s *settings) []*cli.Command {
	return []*cli.Command{
		{
			Name:   "format",
			Usage:  "create an empty region, discarding any content",
			Action: func(c *cli.Context) error { return runFormat(c, *s) },
		},
		{
			Name:      "ls",
			Usage:     "list files",
			ArgsUsage: "[prefix]",
			Action:    func(c *cli.Context) error { return runList(c, *s) },
		},
		{
			Name:      "put",
			Usage:     "copy host files into the region",
			ArgsUsage: "<host file>...",
			Flags: []cli.Flag{
				&cli.StringFlag{Name: "name", Usage: "stored name, only with a single file"},
				&cli.StringFlag{Name: "max-size", Value: "64KiB", Usage: "largest host file accepted"},
				&cli.IntFlag{Name: "readers", Value: 4, Usage: "host files read concurrently"},
			},
			Action: func(c *cli.Context) error { return runPut(c, *s) },
		},
		{
			Name:      "get",
			Usage:     "copy a file out of the region",
			ArgsUsage: "<name> [host file]",
			Action:    func(c *cli.Context) error { return runGet(c, *s) },
		},
		{
			Name:      "rm",
			Usage:     "remove files",
			ArgsUsage: "<name>...",
			Action:    func(c *cli.Context) error { return runRemove(c, *s) },
		},
		{
			Name:      "mv",
			Usage:     "rename a file",
			ArgsUsage: "<old> <new>",
			Action:    func(c *cli.Context) error { return runRename(c, *s) },
		},
		{
			Name:      "truncate",
			Usage:     "shrink a file",
			ArgsUsage: "<name> <size>",
			Action:    func(c *cli.Context) error { return runTruncate(c, *s) },
		},
		{
			Name:   "compact",
			Usage:  "drop deleted name records",
			Action: func(c *cli.Context) error { return runCompact(c, *s) },
		},
		{
			Name:  "stat",
			Usage: "show region usage",
			Flags: []cli.Flag{
				&cli.BoolFlag{Name: "metrics", Usage: "print prometheus metrics instead"},
			},
			Action: func(c *cli.Context) error { return runStat(c, *s) },
		},
		{
			Name:   "dump",
			Usage:  "print the block table and check it",
			Action: func(c *cli.Context) error { return runDump(c, *s) },
		},
		{
			Name:      "export",
			Usage:     "write a compressed snapshot of the region",
			ArgsUsage: "<snapshot>",
			Action:    func(c *cli.Context) error { return runExport(c, *s) },
		},
		{
			Name:      "import",
			Usage:     "restore a snapshot into the image file",
			ArgsUsage: "<snapshot>",
			Action:    func(c *cli.Context) error { return runImport(c, *s) },
		},
	}
}

func requireArgs(c *cli.Context, n int) error {
	if c.NArg() < n {
		return fmt.Errorf("%s: expected %d argument(s), usage: %s %s", c.Command.Name, n, c.Command.Name, c.Command.ArgsUsage)
	}
	return nil
}
