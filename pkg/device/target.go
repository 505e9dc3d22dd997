package device

import (
	"fmt"
	"path/filepath"

	"github.com/jaypipes/ghw"
	"github.com/kairos-io/diskbuilder/pkg/schema"
)

// DiskSizer reports the size in bytes of a block device of the host by its kernel name.
type DiskSizer interface {
	DiskSize(name string) (uint64, bool, error)
}

// GhwDiskSizer reads the host block devices with ghw.
type GhwDiskSizer struct{}

func (GhwDiskSizer) DiskSize(name string) (uint64, bool, error) {
	info, err := ghw.Block(ghw.WithDisableWarnings())
	if err != nil {
		return 0, false, err
	}
	for _, d := range info.Disks {
		if d.Name == name {
			return d.SizeBytes, true, nil
		}
	}
	return 0, false, nil
}

// ValidateTarget checks the target device exists and can hold the disk.
func ValidateTarget(sizer DiskSizer, device string, size int64) error {
	name := filepath.Base(device)
	bytes, found, err := sizer.DiskSize(name)
	if err != nil {
		return fmt.Errorf("%w: reading block devices: %s", schema.ErrMappedDevice, err)
	}
	if !found {
		return fmt.Errorf("%w: target device %s not found", schema.ErrMappedDevice, device)
	}
	if bytes < uint64(size) {
		return fmt.Errorf("%w: target device %s has %d bytes, %d needed", schema.ErrMappedDevice, device, bytes, size)
	}
	return nil
}
