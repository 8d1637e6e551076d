package cache

type SlotStats struct {
	Acquired int
	Released int
	Rejected int
}
