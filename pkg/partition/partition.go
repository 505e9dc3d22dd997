package partition

import (
	"fmt"
	"path"
	"strings"

	internalUtils "github.com/kairos-io/diskbuilder/internal/utils"
	"github.com/kairos-io/diskbuilder/pkg/schema"
)

const (
	NameLegacy   = "p.legacy"
	NameEFI      = "p.UEFI"
	NamePrep     = "p.prep"
	NameBoot     = "p.lxboot"
	NameSwap     = "p.swap"
	NameSpare    = "p.spare"
	NameRoot     = "p.lxroot"
	NameLVM      = "p.lxlvm"
	NameRaid     = "p.lxraid"
	NameReadOnly = "p.lxreadonly"

	LabelGPT   = "gpt"
	LabelMSDOS = "msdos"

	maxMSDOSPartitions = 4
)

// Validate rejects configurations that can never produce a disk, before any work is done.
func Validate(spec schema.BuildSpec) error {
	if !spec.Firmware.Valid() {
		return fmt.Errorf("%w: unsupported firmware %q", schema.ErrDiskConfig, spec.Firmware)
	}
	if spec.OverlayRoot && spec.VolumeManager != schema.VolumeManagerNone {
		return fmt.Errorf("%w: overlay root can't be used together with the %s volume manager", schema.ErrVolumeManagerSetup, spec.VolumeManager)
	}
	switch spec.VolumeManager {
	case schema.VolumeManagerNone, schema.VolumeManagerLVM, schema.VolumeManagerBtrfs:
	default:
		return fmt.Errorf("%w: unsupported volume manager %q", schema.ErrVolumeManagerSetup, spec.VolumeManager)
	}
	if spec.VolumeManager == schema.VolumeManagerBtrfs && spec.Filesystem != "btrfs" {
		return fmt.Errorf("%w: btrfs volumes need a btrfs root filesystem, got %s", schema.ErrVolumeManagerSetup, spec.Filesystem)
	}
	switch spec.RaidLevel {
	case schema.RaidNone, schema.RaidMirroring, schema.RaidStriping:
	default:
		return fmt.Errorf("%w: unsupported raid level %q", schema.ErrRaidSetup, spec.RaidLevel)
	}
	if spec.CustomPartitionControl {
		return validateCustomControl(spec)
	}
	return validateAutoPartitions(spec)
}

// validateAutoPartitions keeps declared partitions apart from the ones the layout adds on its own.
func validateAutoPartitions(spec schema.BuildSpec) error {
	seen := map[string]bool{}
	for _, p := range spec.Partitions {
		if p.Root || path.Clean(p.Mountpoint) == "/" {
			return fmt.Errorf("%w: partition %s can only hold the root under custom partition control", schema.ErrDiskConfig, p.Name)
		}
		switch schema.Role(p.Name) {
		case schema.RoleBiosBoot, schema.RoleEFI, schema.RoleBoot, schema.RoleSwap, schema.RolePrep,
			schema.RoleSpare, schema.RoleRoot, schema.RoleRaid, schema.RoleLvmPV, schema.RoleVolume:
			return fmt.Errorf("%w: partition name %s is reserved by the disk layout", schema.ErrDiskConfig, p.Name)
		}
		if seen[p.Name] {
			return fmt.Errorf("%w: partition %s declared twice", schema.ErrDiskConfig, p.Name)
		}
		seen[p.Name] = true
	}
	return nil
}

func validateCustomControl(spec schema.BuildSpec) error {
	attributes := []struct {
		name string
		set  bool
	}{
		{"bootpartsize", spec.BootPartSize > 0},
		{"bootpartname", spec.BootPartName != ""},
		{"efipartsize", spec.EfiPartSize > 0},
		{"spare_part", spec.SparePart != nil},
	}
	for _, a := range attributes {
		if a.set {
			return fmt.Errorf("%w: %s can't be used with custom partition control", schema.ErrDiskConfig, a.name)
		}
	}
	roots := 0
	for i, p := range spec.Partitions {
		if p.Root {
			roots++
		}
		if p.AllFree() && i != len(spec.Partitions)-1 {
			return fmt.Errorf("%w: only the last partition can take all free space, %s is not last", schema.ErrDiskConfig, p.Name)
		}
	}
	if roots != 1 {
		return fmt.Errorf("%w: custom partition control needs exactly one root partition, found %d", schema.ErrDiskConfig, roots)
	}
	return nil
}

// Plan orders the partitions of the disk.
func Plan(spec schema.BuildSpec, platform schema.Platform, b schema.SizeBudget) (schema.PartitionTable, error) {
	if err := Validate(spec); err != nil {
		return schema.PartitionTable{}, err
	}
	table := schema.PartitionTable{
		Label:     tableLabel(spec),
		HybridMBR: spec.HybridMBR && spec.Firmware.IsEFI(),
	}

	var err error
	if spec.CustomPartitionControl {
		table.Entries, err = customEntries(spec)
	} else {
		table.Entries, err = autoEntries(spec, platform, b)
	}
	if err != nil {
		return schema.PartitionTable{}, err
	}
	if table.Label == LabelMSDOS && len(table.Entries) > maxMSDOSPartitions {
		return schema.PartitionTable{}, fmt.Errorf("%w: msdos table supports %d primary partitions, %d planned, use an efi firmware for a gpt table", schema.ErrDiskConfig, maxMSDOSPartitions, len(table.Entries))
	}
	table.Active = activeRole(spec, table)

	l := internalUtils.Log.With().Str("label", table.Label).Logger()
	for i, e := range table.Entries {
		l.Debug().Int("number", i+1).Str("role", string(e.Role)).Str("name", e.Name).Int("mbytes", e.MBytes).Bool("all_free", e.AllFree).Msg("planned partition")
	}
	return table, nil
}

func tableLabel(spec schema.BuildSpec) string {
	if spec.Firmware.IsEFI() {
		return LabelGPT
	}
	return LabelMSDOS
}

func activeRole(spec schema.BuildSpec, table schema.PartitionTable) schema.Role {
	if spec.Firmware == schema.FirmwareOFW {
		if _, ok := table.Entry(schema.RolePrep); ok {
			return schema.RolePrep
		}
	}
	if spec.Firmware.IsEFI() && !table.HybridMBR {
		return ""
	}
	if _, ok := table.Entry(schema.RoleBoot); ok {
		return schema.RoleBoot
	}
	for _, e := range table.Entries {
		switch e.Role {
		case schema.RoleRoot, schema.RoleRaid, schema.RoleLvmPV:
			return e.Role
		}
	}
	return ""
}

// BootFilesystem is the filesystem of a separate boot partition.
func BootFilesystem(spec schema.BuildSpec) string {
	if strings.HasPrefix(spec.Filesystem, "ext") {
		return spec.Filesystem
	}
	return "ext3"
}

func autoEntries(spec schema.BuildSpec, platform schema.Platform, b schema.SizeBudget) ([]schema.PartitionTableEntry, error) {
	var entries []schema.PartitionTableEntry
	if b.LegacyBios > 0 {
		entries = append(entries, schema.PartitionTableEntry{Role: schema.RoleBiosBoot, Name: NameLegacy, MBytes: b.LegacyBios, Type: schema.TypeBiosBoot})
	}
	if b.EfiBoot > 0 {
		entries = append(entries, schema.PartitionTableEntry{Role: schema.RoleEFI, Name: NameEFI, MBytes: b.EfiBoot, Type: schema.TypeEFI, Filesystem: "vfat", Mountpoint: "/boot/efi"})
	}
	if b.NeedsBoot {
		name := NameBoot
		if spec.BootPartName != "" {
			name = spec.BootPartName
		}
		entries = append(entries, schema.PartitionTableEntry{Role: schema.RoleBoot, Name: name, MBytes: b.BootPartition, Type: schema.TypeLinux, Filesystem: BootFilesystem(spec), Mountpoint: "/boot"})
	}
	if b.Swap > 0 {
		entries = append(entries, schema.PartitionTableEntry{Role: schema.RoleSwap, Name: NameSwap, MBytes: b.Swap, Type: schema.TypeSwap, Filesystem: "swap"})
	}
	if b.Prep > 0 && platform.IsPPC() {
		entries = append(entries, schema.PartitionTableEntry{Role: schema.RolePrep, Name: NamePrep, MBytes: b.Prep, Type: schema.TypePrep})
	}
	for _, p := range spec.Partitions {
		if p.AllFree() {
			return nil, fmt.Errorf("%w: partition %s needs a size, all free space belongs to the root", schema.ErrDiskConfig, p.Name)
		}
		mb, err := p.MBytes()
		if err != nil {
			return nil, err
		}
		entries = append(entries, customEntry(spec, p, mb))
	}

	var spare *schema.PartitionTableEntry
	if spec.SparePart != nil && b.Spare > 0 {
		fs := spec.SparePart.Filesystem
		if fs == "" {
			fs = spec.Filesystem
		}
		spare = &schema.PartitionTableEntry{Role: schema.RoleSpare, Name: NameSpare, MBytes: b.Spare, Type: schema.TypeLinux, Filesystem: fs, Mountpoint: spec.SparePart.Mountpoint}
		if spec.SparePart.Placement != schema.SpareLast {
			entries = append(entries, *spare)
			spare = nil
		}
	}

	root := rootEntry(spec, b)
	if spare != nil && !root.AllFree {
		spare.MBytes = 0
		spare.AllFree = true
		return append(entries, root, *spare), nil
	}
	if spare != nil {
		used := 0
		for _, e := range entries {
			used += e.MBytes
		}
		root.AllFree = false
		root.MBytes = b.Total() - b.TableOverhead - used - spare.MBytes
		if root.MBytes <= 0 {
			return nil, fmt.Errorf("%w: no space left for the root partition", schema.ErrDiskConfig)
		}
		spare.MBytes = 0
		spare.AllFree = true
		return append(entries, root, *spare), nil
	}
	return append(entries, root), nil
}

// rootEntry is the single root bearing partition. RAID wins over LVM since the array sits below the volume group.
func rootEntry(spec schema.BuildSpec, b schema.SizeBudget) schema.PartitionTableEntry {
	switch {
	case spec.OverlayRoot:
		return schema.PartitionTableEntry{Role: schema.RoleRoot, Name: NameReadOnly, MBytes: b.RootContent, Type: schema.TypeLinux, Filesystem: "squashfs", Mountpoint: "/"}
	case spec.RaidLevel != schema.RaidNone:
		return schema.PartitionTableEntry{Role: schema.RoleRaid, Name: NameRaid, AllFree: true, Type: schema.TypeRaid, Filesystem: spec.Filesystem, Mountpoint: "/"}
	case spec.UsesLVM():
		return schema.PartitionTableEntry{Role: schema.RoleLvmPV, Name: NameLVM, AllFree: true, Type: schema.TypeLVM, Filesystem: spec.Filesystem, Mountpoint: "/"}
	default:
		return schema.PartitionTableEntry{Role: schema.RoleRoot, Name: NameRoot, AllFree: true, Type: schema.TypeLinux, Filesystem: spec.Filesystem, Mountpoint: "/"}
	}
}

func customEntry(spec schema.BuildSpec, p schema.CustomPartition, mb int) schema.PartitionTableEntry {
	name := p.PartitionName
	if name == "" {
		name = "p.lx" + p.Name
	}
	t := p.Type
	if t == "" {
		t = roleType(p.RoleName())
	}
	fs := p.Filesystem
	switch {
	case fs != "":
	case t == schema.TypeEFI:
		fs = "vfat"
	case t == schema.TypeSwap:
		fs = "swap"
	case t == schema.TypeLinux:
		fs = spec.Filesystem
	}
	mountpoint := p.Mountpoint
	if p.Root {
		mountpoint = "/"
	}
	return schema.PartitionTableEntry{
		Role:       p.RoleName(),
		Name:       name,
		MBytes:     mb,
		AllFree:    p.AllFree(),
		Type:       t,
		Filesystem: fs,
		Mountpoint: mountpoint,
	}
}

func customEntries(spec schema.BuildSpec) ([]schema.PartitionTableEntry, error) {
	var entries []schema.PartitionTableEntry
	for _, p := range spec.Partitions {
		mb, err := p.MBytes()
		if err != nil {
			return nil, err
		}
		entries = append(entries, customEntry(spec, p, mb))
	}
	return entries, nil
}

func roleType(role schema.Role) schema.PartitionType {
	switch role {
	case schema.RoleEFI:
		return schema.TypeEFI
	case schema.RoleBiosBoot:
		return schema.TypeBiosBoot
	case schema.RoleSwap:
		return schema.TypeSwap
	case schema.RolePrep:
		return schema.TypePrep
	case schema.RoleRaid:
		return schema.TypeRaid
	case schema.RoleLvmPV:
		return schema.TypeLVM
	}
	return schema.TypeLinux
}
