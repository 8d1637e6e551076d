package catalog

import (
	"fmt"
	"iter"
	"strings"

	"github.com/dot5enko/rmfs/schema"
)

// Cursor remembers where a prefix scan stopped. The zero value starts a
// new scan. Any catalog mutation invalidates outstanding cursors.
type Cursor struct {
	next uint32
}

// NextByPrefix returns the first live record at or after cur whose name
// starts with prefix, together with the cursor resuming after it.
// ErrNotFound marks the end of the sequence.
func (c *Catalog) NextByPrefix(prefix string, cur Cursor) (Entry, Cursor, error) {
	start := cur.next
	if start < c.layout.NameTableEnd {
		start = c.layout.NameTableEnd
	}

	var (
		found Entry
		ok    bool
	)

	walkErr := c.walk(start, func(at uint32, rec schema.NameRecord) (bool, error) {
		if rec.Tombstone() || int(rec.NameLen) < len(prefix) {
			return true, nil
		}

		stored, nameErr := c.readName(at, rec)
		if nameErr != nil {
			return false, nameErr
		}

		if strings.HasPrefix(string(stored), prefix) {
			found = Entry{Addr: at, ID: rec.ID, Name: string(stored), Size: rec.FileSize}
			ok = true
			return false, nil
		}
		return true, nil
	})

	if walkErr != nil {
		return Entry{}, cur, walkErr
	}
	if !ok {
		return Entry{}, Cursor{next: c.layout.End}, fmt.Errorf("%w: no more names with prefix %q", ErrNotFound, prefix)
	}

	return found, Cursor{next: found.Addr + schema.NameRecordSize(len(found.Name))}, nil
}

// Entries yields live records whose names start with prefix in storage order.
// The catalog must not be modified while iterating.
func (c *Catalog) Entries(prefix string) iter.Seq[Entry] {
	return func(yield func(Entry) bool) {
		var cur Cursor
		for {
			entry, next, err := c.NextByPrefix(prefix, cur)
			if err != nil {
				return
			}
			if !yield(entry) {
				return
			}
			cur = next
		}
	}
}

type Stats struct {
	LiveRecords    int
	LiveBytes      uint32
	Tombstones     int
	TombstoneBytes uint32
}

func (c *Catalog) Stats() (Stats, error) {
	var stats Stats

	err := c.walk(c.layout.NameTableEnd, func(_ uint32, rec schema.NameRecord) (bool, error) {
		if rec.Tombstone() {
			stats.Tombstones++
			stats.TombstoneBytes += rec.Size()
		} else {
			stats.LiveRecords++
			stats.LiveBytes += rec.Size()
		}
		return true, nil
	})

	return stats, err
}

// Compact physically removes deleted records by sliding live records toward
// the region end and returns the number of bytes given back to the free gap.
func (c *Catalog) Compact() (uint32, error) {

	type span struct {
		addr uint32
		size uint32
		live bool
	}

	var spans []span
	walkErr := c.walk(c.layout.NameTableEnd, func(at uint32, rec schema.NameRecord) (bool, error) {
		spans = append(spans, span{addr: at, size: rec.Size(), live: !rec.Tombstone()})
		return true, nil
	})
	if walkErr != nil {
		return 0, walkErr
	}

	oldEnd := c.layout.NameTableEnd
	dst := c.layout.End

	// highest record first, so a move never lands on an unprocessed record
	for i := len(spans) - 1; i >= 0; i-- {
		s := spans[i]
		if !s.live {
			continue
		}

		dst -= s.size
		if dst == s.addr {
			continue
		}

		if moveErr := c.acc.Move(dst, s.addr, s.size); moveErr != nil {
			return 0, fmt.Errorf("unable to move name record %#x -> %#x: %w", s.addr, dst, moveErr)
		}
	}

	c.layout.NameTableEnd = dst

	return dst - oldEnd, nil
}
