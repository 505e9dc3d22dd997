package filesystem

import (
	"context"
	"fmt"
	"math"
	"path/filepath"
	"sort"
	"strings"

	"github.com/kairos-io/diskbuilder/internal/constants"
	internalUtils "github.com/kairos-io/diskbuilder/internal/utils"
	"github.com/kairos-io/diskbuilder/pkg/op"
	"github.com/kairos-io/diskbuilder/pkg/schema"
	"github.com/twpayne/go-vfs/v4"
)

// Populator formats the mapped devices and fills them from the root tree.
type Populator struct {
	fs      vfs.FS
	runner  internalUtils.Runner
	mounter internalUtils.Mounter
	session *op.Session
	spec    schema.BuildSpec
	table   schema.PartitionTable
	workdir string
}

func NewPopulator(fs vfs.FS, runner internalUtils.Runner, mounter internalUtils.Mounter, session *op.Session, spec schema.BuildSpec, table schema.PartitionTable, workdir string) *Populator {
	return &Populator{
		fs:      fs,
		runner:  runner,
		mounter: mounter,
		session: session,
		spec:    spec,
		table:   table,
		workdir: workdir,
	}
}

// MountRoot is where the image layout gets mounted.
func (p *Populator) MountRoot() string {
	return filepath.Join(p.workdir, "mnt")
}

// Format creates the filesystems: EFI, boot, spare, custom partitions, swap, then the root and its volumes.
func (p *Populator) Format(ctx context.Context, dm schema.DeviceMap, b schema.SizeBudget) (schema.StorageMap, error) {
	sm := schema.StorageMap{MountRoot: p.MountRoot()}
	if err := ctx.Err(); err != nil {
		return sm, err
	}

	if e, ok := p.table.Entry(schema.RoleEFI); ok {
		h := schema.FilesystemHandle{Role: schema.RoleEFI, Filesystem: "vfat", Label: b.Labels.EFI, Mountpoint: mountpointOr(e, "/boot/efi"), Source: "boot/efi"}
		if err := p.format(dm, &h, "fat16"); err != nil {
			return sm, err
		}
		sm.Handles = append(sm.Handles, h)
	}
	if e, ok := p.table.Entry(schema.RoleBoot); ok {
		h := schema.FilesystemHandle{Role: schema.RoleBoot, Filesystem: e.Filesystem, Label: b.Labels.Boot, Mountpoint: mountpointOr(e, "/boot"), Source: "boot"}
		if _, efi := p.table.Entry(schema.RoleEFI); efi {
			h.Excludes = []string{"efi/*", "efi/.*"}
		}
		if err := p.format(dm, &h, e.Filesystem); err != nil {
			return sm, err
		}
		sm.Handles = append(sm.Handles, h)
	}
	if e, ok := p.table.Entry(schema.RoleSpare); ok {
		h := schema.FilesystemHandle{Role: schema.RoleSpare, Filesystem: e.Filesystem, Label: b.Labels.Spare, Mountpoint: e.Mountpoint, Source: e.Mountpoint}
		if err := p.format(dm, &h, e.Filesystem); err != nil {
			return sm, err
		}
		sm.Handles = append(sm.Handles, h)
	}
	for _, e := range p.table.Entries {
		if !custom(e) {
			continue
		}
		h := schema.FilesystemHandle{Role: e.Role, Filesystem: e.Filesystem, Label: string(e.Role), Mountpoint: e.Mountpoint, Source: e.Mountpoint}
		if e.Filesystem == "" {
			continue
		}
		if err := p.format(dm, &h, e.Filesystem); err != nil {
			return sm, err
		}
		sm.Handles = append(sm.Handles, h)
	}
	if _, ok := p.table.Entry(schema.RoleSwap); ok {
		h := schema.FilesystemHandle{Role: schema.RoleSwap, Filesystem: "swap", Label: b.Labels.Swap}
		if err := p.format(dm, &h, "swap"); err != nil {
			return sm, err
		}
		sm.Handles = append(sm.Handles, h)
	}

	roots, err := p.formatRoot(dm, b)
	if err != nil {
		return sm, err
	}
	sm.Handles = mountOrder(append(roots, sm.Handles...))
	return sm, nil
}

// mountOrder sorts handles parents first, /boot before /boot/efi. Handles without a mountpoint go last.
func mountOrder(handles []schema.FilesystemHandle) []schema.FilesystemHandle {
	depth := func(h schema.FilesystemHandle) int {
		if h.Mountpoint == "" {
			return math.MaxInt32
		}
		return strings.Count(strings.TrimRight(filepath.Clean(h.Mountpoint), "/"), "/")
	}
	sort.SliceStable(handles, func(i, j int) bool {
		return depth(handles[i]) < depth(handles[j])
	})
	return handles
}

func (p *Populator) formatRoot(dm schema.DeviceMap, b schema.SizeBudget) ([]schema.FilesystemHandle, error) {
	excludes := TableRootExcludes(p.table)
	root := schema.FilesystemHandle{Role: schema.RoleRoot, Filesystem: p.spec.Filesystem, Label: b.Labels.Root, Mountpoint: "/", Excludes: excludes}
	if e, ok := p.table.Entry(schema.RoleRoot); ok && e.Filesystem != "" {
		root.Filesystem = e.Filesystem
	}

	switch {
	case p.spec.OverlayRoot:
		d, ok := dm.Get(schema.RoleRoot)
		if !ok {
			return nil, fmt.Errorf("%w: no root device", schema.ErrMappedDevice)
		}
		root.Device = d.Path
		root.Filesystem = "squashfs"
		root.Source = b.ReadOnlyImage
		root.Excludes = ReadOnlyExcludes(excludes)
		return []schema.FilesystemHandle{root}, nil
	case dm.VolumeManager == schema.VolumeManagerLVM:
		return p.formatLVM(dm, root)
	case dm.VolumeManager == schema.VolumeManagerBtrfs:
		return p.btrfsHandles(dm, root)
	}
	if err := p.format(dm, &root, root.Filesystem); err != nil {
		return nil, err
	}
	return []schema.FilesystemHandle{root}, nil
}

func (p *Populator) formatLVM(dm schema.DeviceMap, root schema.FilesystemHandle) ([]schema.FilesystemHandle, error) {
	var handles []schema.FilesystemHandle
	var swap *schema.FilesystemHandle
	for _, v := range schema.SortedByPath(dm.VolumeList) {
		d, ok := dm.Volumes[v.Name]
		if !ok {
			return nil, fmt.Errorf("%w: volume %s not mapped", schema.ErrMappedDevice, v.Name)
		}
		h := schema.FilesystemHandle{Role: schema.RoleVolume, Volume: v.Name, Device: d.Path, Filesystem: root.Filesystem, Label: v.Label, Mountpoint: v.MountPath()}
		switch {
		case v.Root:
			h.Role = schema.RoleRoot
			h.Label = root.Label
			h.Excludes = root.Excludes
		case v.Swap:
			h.Role = schema.RoleSwap
			h.Filesystem = "swap"
		}
		if err := p.mkfs(h); err != nil {
			return nil, err
		}
		if v.Swap {
			swap = &h
			continue
		}
		handles = append(handles, h)
	}
	if swap != nil {
		handles = append(handles, *swap)
	}
	return handles, nil
}

func (p *Populator) btrfsHandles(dm schema.DeviceMap, root schema.FilesystemHandle) ([]schema.FilesystemHandle, error) {
	d, ok := dm.Get(schema.RoleRoot)
	if !ok {
		return nil, fmt.Errorf("%w: no root device", schema.ErrMappedDevice)
	}
	root.Device = d.Path
	root.Filesystem = "btrfs"
	root.Volume = constants.RootVolumeName
	root.Subvolume = constants.BtrfsRootVolume
	handles := []schema.FilesystemHandle{root}
	for _, v := range schema.SortedByPath(dm.VolumeList) {
		if v.Root || v.Swap {
			continue
		}
		subvolume := filepath.Join(constants.BtrfsRootVolume, v.Path())
		handles = append(handles, schema.FilesystemHandle{
			Role:         schema.RoleVolume,
			Volume:       v.Name,
			Device:       d.Path,
			Filesystem:   "btrfs",
			Mountpoint:   v.MountPath(),
			Subvolume:    subvolume,
			MountOptions: []string{"subvol=" + subvolume},
			FstabOptions: "subvol=" + subvolume,
		})
	}
	return handles, nil
}

func (p *Populator) format(dm schema.DeviceMap, h *schema.FilesystemHandle, fs string) error {
	d, ok := dm.Get(h.Role)
	if !ok {
		return fmt.Errorf("%w: no device mapped for %s", schema.ErrMappedDevice, h.Role)
	}
	h.Device = d.Path
	return p.mkfsAs(*h, fs)
}

func (p *Populator) mkfs(h schema.FilesystemHandle) error {
	return p.mkfsAs(h, h.Filesystem)
}

func (p *Populator) mkfsAs(h schema.FilesystemHandle, fs string) error {
	cmd, args, err := mkfsCommand(fs, h.Label, h.Device)
	if err != nil {
		return fmt.Errorf("%w: %s on %s: %s", schema.ErrDiskConfig, h.Role, h.Device, err)
	}
	internalUtils.Log.Info().Str("role", string(h.Role)).Str("device", h.Device).Str("fs", fs).Msg("creating filesystem")
	if _, err = p.runner.Run(cmd, args...); err != nil {
		return fmt.Errorf("formatting %s (%s) as %s: %w", h.Role, h.Device, fs, err)
	}
	return nil
}

func mountpointOr(e schema.PartitionTableEntry, def string) string {
	if e.Mountpoint != "" {
		return e.Mountpoint
	}
	return def
}

// custom reports operator declared partitions that are neither a fixed role nor the spare.
func custom(e schema.PartitionTableEntry) bool {
	return e.Role != schema.RoleSpare && separateMount(e)
}
