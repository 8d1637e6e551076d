package main

import (
	"errors"
	"fmt"
	"log/slog"
	"math"
	"os"

	"github.com/dustin/go-humanize"
	"github.com/pelletier/go-toml"
	"github.com/urfave/cli/v2"

	"github.com/dot5enko/rmfs/manager"
)

const defaultConfigPath = "rmfs.toml"

// settings is what the config file and the global flags resolve to.
type settings struct {
	Image    string `toml:"image"`
	Base     int64  `toml:"base"`
	Size     string `toml:"size"`
	LogLevel string `toml:"log_level"`
}

func defaultSettings() settings {
	return settings{
		Image:    "rmfs.img",
		Base:     manager.DefaultStart,
		LogLevel: "info",
	}
}

// loadSettings reads path over the defaults. A missing default config file
// is not an error, a missing explicit one is.
func loadSettings(path string, explicit bool) (settings, error) {
	s := defaultSettings()

	data, readErr := os.ReadFile(path)
	if readErr != nil {
		if !explicit && errors.Is(readErr, os.ErrNotExist) {
			return s, nil
		}
		return s, fmt.Errorf("unable to read config %s: %w", path, readErr)
	}

	if err := toml.Unmarshal(data, &s); err != nil {
		return s, fmt.Errorf("unable to parse config %s: %w", path, err)
	}

	return s, nil
}

// override applies the global flags that were given on the command line.
func (s *settings) override(c *cli.Context) {
	if c.IsSet("image") {
		s.Image = c.String("image")
	}
	if c.IsSet("base") {
		s.Base = c.Int64("base")
	}
	if c.IsSet("size") {
		s.Size = c.String("size")
	}
	if c.IsSet("log-level") {
		s.LogLevel = c.String("log-level")
	}
}

// regionSize parses the size setting, 0 means unset.
func (s settings) regionSize() (uint32, error) {
	if s.Size == "" {
		return 0, nil
	}

	size, err := humanize.ParseBytes(s.Size)
	if err != nil {
		return 0, fmt.Errorf("unable to parse size %q: %w", s.Size, err)
	}
	if size > math.MaxUint32 {
		return 0, fmt.Errorf("size %s exceeds the 32-bit address space", s.Size)
	}

	return uint32(size), nil
}

func (s settings) base() (uint32, error) {
	if s.Base <= 0 || s.Base > math.MaxUint32 {
		return 0, fmt.Errorf("base %#x out of range", s.Base)
	}
	return uint32(s.Base), nil
}

func (s settings) logger() (*slog.Logger, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(s.LogLevel)); err != nil {
		return nil, fmt.Errorf("unable to parse log level %q: %w", s.LogLevel, err)
	}

	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})), nil
}
