package subscription

// Usage counts document traffic since the last call to Collection.Metrics.
type Usage struct {
	// Changed counts document changes received.
	Changed int
	// Filtered estimates documents the server reported in existence
	// filters without sending them individually.
	Filtered int
	// Removed counts deletions and removals received.
	Removed int
}

type ResponseCounts struct {
	DocumentChange int
	DocumentDelete int
	DocumentRemove int
	Filter         int
	TargetChange   int
}

type TargetChangeCounts struct {
	Add      int
	Current  int
	NoChange int
	Remove   int
	Reset    int
}

type ListenStatistics struct {
	Responses     ResponseCounts
	TargetChanges TargetChangeCounts
}

type RunQueryStatistics struct {
	// Responses counts bulk fetch responses carrying a document.
	Responses int
}

// Statistics are cumulative over the life of a Collection.
type Statistics struct {
	Listen   ListenStatistics
	RunQuery RunQueryStatistics
}

type usage struct {
	Usage
	// touched holds ids seen in changes and deletions since the last filter.
	touched map[string]struct{}
}

func newUsage() usage {
	return usage{touched: make(map[string]struct{})}
}

func (u *usage) touch(id string) {
	u.touched[id] = struct{}{}
}

func (u *usage) clearTouched() {
	clear(u.touched)
}

// take returns the counters and zeroes them. The touched set is kept.
func (u *usage) take() Usage {
	out := u.Usage
	u.Usage = Usage{}
	return out
}
