package device

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/avast/retry-go"
	"github.com/kairos-io/diskbuilder/internal/constants"
	internalUtils "github.com/kairos-io/diskbuilder/internal/utils"
	"github.com/kairos-io/diskbuilder/pkg/op"
	"github.com/kairos-io/diskbuilder/pkg/schema"
	"github.com/twpayne/go-vfs/v4"
)

// Mapper creates the disk and maps its partitions and layers to block devices.
type Mapper struct {
	fs        vfs.FS
	runner    internalUtils.Runner
	mounter   internalUtils.Mounter
	session   *op.Session
	workdir   string
	target    string
	settle    []retry.Option
	diskSizes DiskSizer
}

type MapperOption func(*Mapper)

// WithWorkdir sets where keyfiles and temporary mountpoints live.
func WithWorkdir(dir string) MapperOption {
	return func(m *Mapper) { m.workdir = dir }
}

// WithTargetDevice partitions a real block device instead of a loop backed image file.
func WithTargetDevice(device string) MapperOption {
	return func(m *Mapper) { m.target = device }
}

// WithSettleRetries overrides how long to wait for partition nodes to show up.
func WithSettleRetries(opts ...retry.Option) MapperOption {
	return func(m *Mapper) { m.settle = opts }
}

// WithDiskSizer replaces the block device inventory used to validate a target device.
func WithDiskSizer(d DiskSizer) MapperOption {
	return func(m *Mapper) { m.diskSizes = d }
}

func NewMapper(fs vfs.FS, runner internalUtils.Runner, mounter internalUtils.Mounter, session *op.Session, opts ...MapperOption) *Mapper {
	m := &Mapper{
		fs:        fs,
		runner:    runner,
		mounter:   mounter,
		session:   session,
		workdir:   "/var/tmp/diskbuilder",
		settle:    []retry.Option{retry.Attempts(10), retry.Delay(500 * time.Millisecond), retry.LastErrorOnly(true)},
		diskSizes: GhwDiskSizer{},
	}
	for _, o := range opts {
		o(m)
	}
	return m
}

// Materialize creates the disk, writes the partition table and maps every planned role to its partition node.
func (m *Mapper) Materialize(ctx context.Context, image string, b schema.SizeBudget, table schema.PartitionTable) (schema.DeviceMap, error) {
	if err := ctx.Err(); err != nil {
		return schema.DeviceMap{}, err
	}
	size := int64(b.Total()) * 1024 * 1024

	var disk string
	var err error
	if m.target != "" {
		disk, err = m.prepareTarget(size, table)
	} else {
		disk, err = m.prepareImage(image, size, table)
	}
	if err != nil {
		return schema.DeviceMap{}, err
	}

	if m.target != "" {
		image = ""
	}
	dm := schema.NewDeviceMap(image, disk)
	for i, e := range table.Entries {
		node := PartitionNode(disk, i+1)
		if err = m.waitForNode(node); err != nil {
			return dm, fmt.Errorf("%w: partition %d (%s) of %s never showed up as %s: %s", schema.ErrMappedDevice, i+1, e.Role, disk, node, err)
		}
		dm.Devices[e.Role] = schema.MappedDevice{Path: node, Parent: disk}
		dm.PartitionNumbers[e.Role] = i + 1
		internalUtils.Log.Debug().Str("role", string(e.Role)).Str("device", node).Msg("mapped partition")
	}
	return dm, nil
}

func (m *Mapper) prepareImage(image string, size int64, table schema.PartitionTable) (string, error) {
	if internalUtils.Exists(m.fs, image) {
		internalUtils.Log.Info().Str("image", image).Msg("removing previous disk image")
		if err := m.fs.Remove(image); err != nil {
			return "", err
		}
	}
	if err := internalUtils.CreateIfNotExists(m.fs, filepath.Dir(image)); err != nil {
		return "", err
	}
	raw, err := m.fs.RawPath(image)
	if err != nil {
		return "", err
	}
	if err = CreateDisk(raw, size, table); err != nil {
		return "", fmt.Errorf("%w: writing partition table to %s: %s", schema.ErrMappedDevice, image, err)
	}
	if table.HybridMBR {
		if _, err = m.runner.Run("sgdisk", "-h", hybridPartitions(len(table.Entries)), image); err != nil {
			return "", fmt.Errorf("%w: converting to hybrid mbr: %s", schema.ErrMappedDevice, err)
		}
	}

	out, err := m.runner.Run("losetup", "-f", "-P", "--show", image)
	if err != nil {
		return "", fmt.Errorf("%w: attaching loop device: %s", schema.ErrMappedDevice, err)
	}
	loop := strings.TrimSpace(string(out))
	if loop == "" {
		return "", fmt.Errorf("%w: losetup returned no device for %s", schema.ErrMappedDevice, image)
	}
	m.session.Acquire("loop "+loop, func() error {
		_, err := m.runner.Run("losetup", "-d", loop)
		return err
	})
	internalUtils.Log.Info().Str("image", image).Str("device", loop).Msg("disk attached")
	return loop, nil
}

func (m *Mapper) prepareTarget(size int64, table schema.PartitionTable) (string, error) {
	if err := ValidateTarget(m.diskSizes, m.target, size); err != nil {
		return "", err
	}
	if _, err := m.runner.Run("wipefs", "-a", m.target); err != nil {
		return "", fmt.Errorf("%w: wiping %s: %s", schema.ErrMappedDevice, m.target, err)
	}
	raw, err := m.fs.RawPath(m.target)
	if err != nil {
		return "", err
	}
	if err = PartitionDisk(raw, table); err != nil {
		return "", fmt.Errorf("%w: writing partition table to %s: %s", schema.ErrMappedDevice, m.target, err)
	}
	if table.HybridMBR {
		if _, err = m.runner.Run("sgdisk", "-h", hybridPartitions(len(table.Entries)), m.target); err != nil {
			return "", fmt.Errorf("%w: converting to hybrid mbr: %s", schema.ErrMappedDevice, err)
		}
	}
	if _, err = m.runner.Run("partprobe", m.target); err != nil {
		return "", fmt.Errorf("%w: rereading partitions of %s: %s", schema.ErrMappedDevice, m.target, err)
	}
	return m.target, nil
}

func (m *Mapper) waitForNode(node string) error {
	return retry.Do(func() error {
		if _, err := m.fs.Stat(node); err != nil {
			if errors.Is(err, os.ErrNotExist) {
				return fmt.Errorf("%s does not exist", node)
			}
			return err
		}
		return nil
	}, m.settle...)
}

// PartitionNode is the device node of partition n of disk, /dev/loop0 -> /dev/loop0p1, /dev/sda -> /dev/sda1.
func PartitionNode(disk string, n int) string {
	if disk == "" {
		return ""
	}
	last := disk[len(disk)-1]
	if last >= '0' && last <= '9' {
		return fmt.Sprintf("%sp%d", disk, n)
	}
	return fmt.Sprintf("%s%d", disk, n)
}

// hybridPartitions lists the partitions copied into a hybrid mbr, at most three fit next to the protective entry.
func hybridPartitions(count int) string {
	var ids []string
	for i := 1; i <= count && i <= 3; i++ {
		ids = append(ids, fmt.Sprintf("%d", i))
	}
	return strings.Join(ids, ":")
}

func (m *Mapper) keyfilePath() string {
	return filepath.Join(m.workdir, constants.LuksKeyfile)
}
