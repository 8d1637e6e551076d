package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/davecgh/go-spew/spew"
	"github.com/dustin/go-humanize"
	"github.com/fatih/color"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/urfave/cli/v2"
	"golang.org/x/sync/errgroup"

	"github.com/dot5enko/rmfs/image"
	rio "github.com/dot5enko/rmfs/io"
	"github.com/dot5enko/rmfs/manager"
	"github.com/dot5enko/rmfs/manager/cache"
	"github.com/dot5enko/rmfs/metrics"
)

func runFormat(c *cli.Context, s settings) error {
	sess, err := openSession(s, true)
	if err != nil {
		return err
	}

	color.Green(" formatted %s: %s at %#x", s.Image, humanize.IBytes(uint64(len(sess.vol.Region()))), sess.vol.Start())

	return sess.Close()
}

func runList(c *cli.Context, s settings) error {
	return withVolume(s, func(sess *session) error {
		files, err := sess.vol.List(c.Args().First())
		if err != nil {
			return err
		}

		bold := color.New(color.Bold)
		bold.Printf("%-32s %6s %10s %10s %6s  %s\n", "NAME", "ID", "SIZE", "CAPACITY", "BLOCKS", "TYPE")

		for _, f := range files {
			fmt.Printf("%-32s %6d %10s %10s %6d  %s\n",
				f.Name, f.ID, humanize.IBytes(uint64(f.Size)), humanize.IBytes(uint64(f.Capacity)), f.Blocks, f.ContentType)
		}

		color.Cyan(" %d file(s), %s used, %s free gap",
			len(files), humanize.IBytes(uint64(sess.vol.UsedSpace())), humanize.IBytes(uint64(sess.vol.FreeSpace())))

		return nil
	})
}

type upload struct {
	name string
	data []byte
	slot uint16
}

// runPut reads host files concurrently into pooled buffers and stores them
// one by one, the volume itself is single threaded.
func runPut(c *cli.Context, s settings) error {
	if err := requireArgs(c, 1); err != nil {
		return err
	}

	paths := c.Args().Slice()
	if c.IsSet("name") && len(paths) != 1 {
		return fmt.Errorf("put: --name needs exactly one host file")
	}

	maxSize, err := humanize.ParseBytes(c.String("max-size"))
	if err != nil {
		return fmt.Errorf("put: unable to parse max size: %w", err)
	}

	readers := max(1, c.Int("readers"))
	pool := cache.NewFixedSizeBufferPool(readers, int(maxSize))

	return withVolume(s, func(sess *session) error {

		g, ctx := errgroup.WithContext(c.Context)
		g.SetLimit(readers)

		loaded := make(chan upload)

		var waitErr error
		go func() {
			for _, path := range paths {
				name := filepath.Base(path)
				if c.IsSet("name") {
					name = c.String("name")
				}

				g.Go(func() error {
					return loadHostFile(ctx, pool, path, name, loaded)
				})
			}

			waitErr = g.Wait()
			close(loaded)
		}()

		var storeErr error
		for u := range loaded {
			if storeErr == nil {
				storeErr = storeFile(sess.vol, u)
			}
			pool.Return(u.slot)
		}

		if storeErr != nil {
			return storeErr
		}
		return waitErr
	})
}

func loadHostFile(ctx context.Context, pool *cache.FixedSizeBufferPool, path, name string, out chan<- upload) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	data, slot, err := pool.Load(ctx, f)
	if err != nil {
		return fmt.Errorf("unable to read %s: %w", path, err)
	}

	select {
	case out <- upload{name: name, data: data, slot: slot}:
		return nil
	case <-ctx.Done():
		pool.Return(slot)
		return ctx.Err()
	}
}

func storeFile(vol *manager.Volume, u upload) error {
	f, err := vol.Create(u.name)
	if err != nil {
		return err
	}

	if _, err := f.Write(u.data); err != nil {
		f.Close()
		return err
	}

	if err := f.Close(); err != nil {
		return err
	}

	color.Green(" stored %s (%s)", u.name, humanize.IBytes(uint64(len(u.data))))
	return nil
}

func runGet(c *cli.Context, s settings) error {
	if err := requireArgs(c, 1); err != nil {
		return err
	}

	return withVolume(s, func(sess *session) (topErr error) {
		f, err := sess.vol.Open(c.Args().Get(0))
		if err != nil {
			return err
		}
		defer f.Close()

		var out io.Writer = os.Stdout
		if target := c.Args().Get(1); target != "" {
			hf, err := os.Create(target)
			if err != nil {
				return err
			}
			defer func() {
				if err := hf.Close(); err != nil && topErr == nil {
					topErr = err
				}
			}()
			out = hf
		}

		_, err = io.Copy(out, f)
		return err
	})
}

func runRemove(c *cli.Context, s settings) error {
	if err := requireArgs(c, 1); err != nil {
		return err
	}

	return withVolume(s, func(sess *session) error {
		for _, name := range c.Args().Slice() {
			if err := sess.vol.Unlink(name); err != nil {
				return err
			}
			color.Yellow(" removed %s", name)
		}
		return nil
	})
}

func runRename(c *cli.Context, s settings) error {
	if err := requireArgs(c, 2); err != nil {
		return err
	}

	return withVolume(s, func(sess *session) error {
		return sess.vol.Rename(c.Args().Get(0), c.Args().Get(1))
	})
}

func runTruncate(c *cli.Context, s settings) error {
	if err := requireArgs(c, 2); err != nil {
		return err
	}

	size, err := humanize.ParseBytes(c.Args().Get(1))
	if err != nil {
		return fmt.Errorf("truncate: %w", err)
	}
	if size > uint64(^uint32(0)) {
		return fmt.Errorf("truncate: size %d out of range", size)
	}

	return withVolume(s, func(sess *session) error {
		return sess.vol.Truncate(c.Args().Get(0), uint32(size))
	})
}

func runCompact(c *cli.Context, s settings) error {
	return withVolume(s, func(sess *session) error {
		reclaimed, err := sess.vol.Compact()
		if err != nil {
			return err
		}

		color.Green(" reclaimed %s, %s free gap", humanize.IBytes(uint64(reclaimed)), humanize.IBytes(uint64(sess.vol.FreeSpace())))
		return nil
	})
}

func runStat(c *cli.Context, s settings) error {
	return withVolume(s, func(sess *session) error {
		if c.Bool("metrics") {
			return printMetrics(sess.vol)
		}

		stats, err := sess.vol.Stats()
		if err != nil {
			return err
		}

		bold := color.New(color.Bold)
		bold.Printf("volume %s\n", stats.ID)
		fmt.Printf("  region     %s at %#x\n", humanize.IBytes(uint64(stats.Size)), sess.vol.Start())
		fmt.Printf("  used       %s (%.1f%%)\n", humanize.IBytes(uint64(stats.UsedSpace)), 100*float64(stats.UsedSpace)/float64(stats.Size))
		fmt.Printf("  free gap   %s\n", humanize.IBytes(uint64(stats.FreeGap)))
		fmt.Printf("  blocks     %d used, %d free (%s in free blocks)\n", stats.Blocks.UsedBlocks, stats.Blocks.FreeBlocks, humanize.IBytes(uint64(stats.Blocks.FreeBytes)))
		fmt.Printf("  names      %d live, %d deleted (%s reclaimable)\n", stats.Names.LiveRecords, stats.Names.Tombstones, humanize.IBytes(uint64(stats.Names.TombstoneBytes)))

		if stats.Blocks.Unmirrored {
			color.Yellow("  block table is full, blocks past it are not tracked")
		}

		return nil
	})
}

func printMetrics(vol *manager.Volume) error {
	reg := prometheus.NewRegistry()
	if err := reg.Register(metrics.NewCollector(vol, vol.ID().String())); err != nil {
		return err
	}

	families, err := reg.Gather()
	if err != nil {
		return err
	}

	for _, mf := range families {
		for _, m := range mf.GetMetric() {
			var labels []string
			for _, l := range m.GetLabel() {
				labels = append(labels, fmt.Sprintf("%s=%q", l.GetName(), l.GetValue()))
			}
			sort.Strings(labels)

			value := m.GetGauge().GetValue()
			if m.Counter != nil {
				value = m.GetCounter().GetValue()
			}

			fmt.Printf("%s{%s} %g\n", mf.GetName(), strings.Join(labels, ","), value)
		}
	}

	return nil
}

func runDump(c *cli.Context, s settings) error {
	return withVolume(s, func(sess *session) error {
		spew.Dump(sess.vol.Descriptors())

		if err := sess.vol.Check(); err != nil {
			color.Red(" block table inconsistent: %s", err)
			return err
		}

		color.Green(" block table consistent")
		return nil
	})
}

func runExport(c *cli.Context, s settings) error {
	if err := requireArgs(c, 1); err != nil {
		return err
	}

	return withVolume(s, func(sess *session) (topErr error) {
		out, err := os.Create(c.Args().First())
		if err != nil {
			return err
		}
		defer func() {
			if err := out.Close(); err != nil && topErr == nil {
				topErr = err
			}
		}()

		counter := &countingWriter{w: out}
		if err := image.Export(counter, sess.vol); err != nil {
			return err
		}

		regionSize := len(sess.vol.Region())
		color.Yellow(" exported %s -> %s [%.2f%%]",
			humanize.IBytes(uint64(regionSize)), humanize.IBytes(uint64(counter.n)), 100*float64(counter.n)/float64(regionSize))

		return nil
	})
}

type countingWriter struct {
	w io.Writer
	n int64
}

func (cw *countingWriter) Write(p []byte) (int, error) {
	n, err := cw.w.Write(p)
	cw.n += int64(n)
	return n, err
}

func runImport(c *cli.Context, s settings) error {
	if err := requireArgs(c, 1); err != nil {
		return err
	}

	logger, err := s.logger()
	if err != nil {
		return err
	}

	in, err := os.Open(c.Args().First())
	if err != nil {
		return err
	}
	defer in.Close()

	header, err := image.ReadHeader(in)
	if err != nil {
		return err
	}

	if base, _ := s.base(); base != header.Start {
		color.Yellow(" snapshot was taken at base %#x, configured base is %#x", header.Start, base)
	}

	if err := os.Truncate(s.Image, 0); err != nil && !os.IsNotExist(err) {
		return err
	}

	mapped, err := rio.MapFile(s.Image, int(header.Size))
	if err != nil {
		return err
	}

	if err := image.ReadRegion(in, header, mapped.Bytes()); err != nil {
		mapped.Close()
		return err
	}

	vol, err := manager.Open(mapped.Bytes(), manager.Config{Start: header.Start, Logger: logger})
	if err != nil {
		mapped.Close()
		return fmt.Errorf("snapshot does not hold a valid region: %w", err)
	}

	if err := vol.Check(); err != nil {
		logger.Warn(" imported block table is inconsistent", "error", err)
	}

	sess := &session{logger: logger, mapped: mapped, vol: vol}
	if err := sess.Close(); err != nil {
		return err
	}

	color.Green(" imported volume %s into %s (%s)", header.VolumeID, s.Image, humanize.IBytes(uint64(header.Size)))
	return nil
}
