package device

import (
	"fmt"

	"github.com/diskfs/go-diskfs"
	"github.com/diskfs/go-diskfs/partition"
	"github.com/diskfs/go-diskfs/partition/gpt"
	"github.com/diskfs/go-diskfs/partition/mbr"
	"github.com/gofrs/uuid"
	"github.com/kairos-io/diskbuilder/internal/constants"
	"github.com/kairos-io/diskbuilder/pkg/schema"
)

const (
	mib = 1024 * 1024
	// Sectors used by the backup gpt header and partition array.
	gptBackupSectors = 33
	// Legacy BIOS bootable gpt attribute.
	legacyBootable = 1 << 2
)

// CreateDisk creates a raw image of the given size and writes the planned table on it.
func CreateDisk(path string, size int64, table schema.PartitionTable) error {
	d, err := diskfs.Create(path, size, diskfs.Raw, diskfs.SectorSizeDefault)
	if err != nil {
		return err
	}
	defer d.File.Close()
	t, err := BuildTable(table, d.Size, d.LogicalBlocksize, d.PhysicalBlocksize)
	if err != nil {
		return err
	}
	return d.Partition(t)
}

// PartitionDisk writes the planned table on an existing disk.
func PartitionDisk(path string, table schema.PartitionTable) error {
	d, err := diskfs.Open(path)
	if err != nil {
		return err
	}
	defer d.File.Close()
	t, err := BuildTable(table, d.Size, d.LogicalBlocksize, d.PhysicalBlocksize)
	if err != nil {
		return err
	}
	return d.Partition(t)
}

// BuildTable lays the entries out from sector 2048, the last all_free entry takes the remaining space.
func BuildTable(table schema.PartitionTable, diskSize, logical, physical int64) (partition.Table, error) {
	totalSectors := uint64(diskSize / logical)
	lastUsable := totalSectors - 1
	if table.Label == "gpt" {
		lastUsable = totalSectors - gptBackupSectors - 1
	}

	type extent struct{ start, end uint64 }
	var extents []extent
	start := uint64(constants.DiskStartSector)
	for i, e := range table.Entries {
		var end uint64
		if e.AllFree {
			if i != len(table.Entries)-1 {
				return nil, fmt.Errorf("%w: only the last partition can take all free space", schema.ErrDiskConfig)
			}
			end = lastUsable
		} else {
			end = sectorEnd(start, uint64(e.MBytes)*mib, logical)
		}
		if end > lastUsable || end < start {
			return nil, fmt.Errorf("%w: partition %s does not fit on a %d bytes disk", schema.ErrDiskConfig, e.Name, diskSize)
		}
		extents = append(extents, extent{start, end})
		start = end + 1
	}

	if table.Label == "gpt" {
		var parts []*gpt.Partition
		for i, e := range table.Entries {
			var attributes uint64
			if e.Role == table.Active {
				attributes = legacyBootable
			}
			parts = append(parts, &gpt.Partition{
				Start:      extents[i].start,
				End:        extents[i].end,
				Size:       (extents[i].end - extents[i].start + 1) * uint64(logical),
				Type:       gpt.Type(e.Type.GPTGUID()),
				Name:       e.Name,
				GUID:       uuid.Must(uuid.NewV4()).String(),
				Attributes: attributes,
			})
		}
		return &gpt.Table{
			ProtectiveMBR:      true,
			GUID:               uuid.Must(uuid.NewV4()).String(),
			Partitions:         parts,
			LogicalSectorSize:  int(logical),
			PhysicalSectorSize: int(physical),
		}, nil
	}

	var parts []*mbr.Partition
	for i, e := range table.Entries {
		parts = append(parts, &mbr.Partition{
			Bootable: e.Role == table.Active,
			Type:     mbr.Type(e.Type.MBRType()),
			Start:    uint32(extents[i].start),
			Size:     uint32(extents[i].end - extents[i].start + 1),
		})
	}
	return &mbr.Table{
		Partitions:         parts,
		LogicalSectorSize:  int(logical),
		PhysicalSectorSize: int(physical),
	}, nil
}

// Helper function to calculate the end sector for a given start and size based on the sector size
func sectorEnd(start, size uint64, sectorSize int64) uint64 {
	return (size / uint64(sectorSize)) + start - 1
}
