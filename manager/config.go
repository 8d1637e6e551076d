package manager

import "log/slog"

// MaxOpenFiles is the size of the handle table.
const MaxOpenFiles = 10

// DefaultStart is the address a region is placed at when none is given.
// Address 0 is reserved as the nil address.
const DefaultStart = 0x1000

type Config struct {
	// Start is the address of the first region byte.
	Start uint32

	// Size limits the region to the first Size bytes of the backing
	// memory, 0 uses all of it.
	Size uint32

	Logger *slog.Logger
}

func DefaultConfig() Config {
	return Config{
		Start:  DefaultStart,
		Logger: slog.Default(),
	}
}
