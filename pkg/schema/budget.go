package schema

import "sort"

// Labels are the filesystem labels of the image.
type Labels struct {
	Root  string
	Boot  string
	EFI   string
	Swap  string
	Spare string
}

// SizeBudget holds the mbyte contributions to the disk size.
type SizeBudget struct {
	LegacyBios       int
	EfiBoot          int
	BootPartition    int
	Swap             int
	Prep             int
	Spare            int
	Volumes          map[string]int
	VolumeContent    map[string]int
	CustomPartitions map[string]int
	RootContent      int
	LvmOverhead      int
	TableOverhead    int
	Override         *DiskSizeOverride

	// ReadOnlyImage is the pre-built overlay root image and its size.
	ReadOnlyImage       string
	ReadOnlyImageMBytes int

	NeedsBoot bool
	Labels    Labels
}

// Calculated is the sum of every contribution.
func (b SizeBudget) Calculated() int {
	total := b.LegacyBios + b.EfiBoot + b.BootPartition + b.Swap + b.Prep + b.Spare + b.RootContent + b.LvmOverhead + b.TableOverhead
	for _, name := range sortedKeys(b.Volumes) {
		total += b.Volumes[name]
	}
	for _, name := range sortedKeys(b.CustomPartitions) {
		total += b.CustomPartitions[name]
	}
	return total
}

// Total is the disk size in mbytes after applying the override.
func (b SizeBudget) Total() int {
	calculated := b.Calculated()
	if b.Override == nil || b.Override.MBytes == 0 {
		return calculated
	}
	if b.Override.Additive {
		return calculated + b.Override.MBytes
	}
	return b.Override.MBytes
}

func sortedKeys(m map[string]int) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
