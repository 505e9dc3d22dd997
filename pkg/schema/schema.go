package schema

import (
	"fmt"
	"path/filepath"

	"github.com/deniswernert/go-fstab"
	"github.com/kairos-io/diskbuilder/internal/constants"
	"github.com/twpayne/go-vfs/v4"
	"gopkg.in/yaml.v3"
)

type Firmware string

const (
	FirmwareBIOS Firmware = "bios"
	FirmwareEFI  Firmware = "efi"
	FirmwareUEFI Firmware = "uefi"
	FirmwareEC2  Firmware = "ec2"
	FirmwareOFW  Firmware = "ofw"
	FirmwareOPAL Firmware = "opal"
)

// IsEFI reports firmwares that need an EFI system partition.
func (f Firmware) IsEFI() bool {
	switch f {
	case FirmwareEFI, FirmwareUEFI:
		return true
	case FirmwareBIOS, FirmwareEC2, FirmwareOFW, FirmwareOPAL, "":
		return false
	}
	return false
}

func (f Firmware) Valid() bool {
	switch f {
	case FirmwareBIOS, FirmwareEFI, FirmwareUEFI, FirmwareEC2, FirmwareOFW, FirmwareOPAL:
		return true
	}
	return false
}

type VolumeManager string

const (
	VolumeManagerNone  VolumeManager = ""
	VolumeManagerLVM   VolumeManager = "lvm"
	VolumeManagerBtrfs VolumeManager = "btrfs"
)

type RaidLevel string

const (
	RaidNone      RaidLevel = ""
	RaidMirroring RaidLevel = "mirroring"
	RaidStriping  RaidLevel = "striping"
)

// MdadmLevel maps the raid level to the mdadm --level value.
func (r RaidLevel) MdadmLevel() string {
	switch r {
	case RaidMirroring:
		return "1"
	case RaidStriping:
		return "0"
	case RaidNone:
		return ""
	}
	return ""
}

type Persistency string

const (
	ByUUID     Persistency = "by-uuid"
	ByLabel    Persistency = "by-label"
	ByPartUUID Persistency = "by-partuuid"
)

type BuildType string

const (
	BuildTypeOEM  BuildType = "oem"
	BuildTypeDisk BuildType = "disk"
)

type Bootloader string

const (
	BootloaderGrub2  Bootloader = "grub2"
	BootloaderCustom Bootloader = "custom"
)

type SparePlacement string

const (
	SpareEarly SparePlacement = "early"
	SpareLast  SparePlacement = "last"
)

// Platform is the architecture the image is built for, never read from the host by the components.
type Platform struct {
	Arch string
}

func NewPlatform(arch string) Platform {
	if arch == "" {
		arch = "x86_64"
	}
	return Platform{Arch: arch}
}

func (p Platform) IsPPC() bool {
	return p.Arch == "ppc64" || p.Arch == "ppc64le"
}

func (p Platform) IsS390() bool {
	return p.Arch == "s390x" || p.Arch == "s390"
}

func (p Platform) IsX86() bool {
	return p.Arch == "x86_64" || p.Arch == "i686" || p.Arch == "i586"
}

type SparePartition struct {
	Size       int            `yaml:"size"`
	Mountpoint string         `yaml:"mountpoint,omitempty"`
	Filesystem string         `yaml:"filesystem,omitempty"`
	Placement  SparePlacement `yaml:"placement,omitempty"`
}

// DiskSizeOverride is the operator requested disk size in mbytes.
type DiskSizeOverride struct {
	MBytes   int  `yaml:"mbytes"`
	Additive bool `yaml:"additive,omitempty"`
}

// BuildSpec is the resolved build description of one disk image.
type BuildSpec struct {
	ImageName string    `yaml:"image_name"`
	Version   string    `yaml:"version,omitempty"`
	RootTree  string    `yaml:"root_tree"`
	TargetDir string    `yaml:"target_dir"`
	BuildType BuildType `yaml:"build_type,omitempty"`
	Arch      string    `yaml:"arch,omitempty"`

	Firmware   Firmware `yaml:"firmware"`
	Filesystem string   `yaml:"filesystem"`
	RootLabel  string   `yaml:"rootfs_label,omitempty"`

	Volumes         []Volume          `yaml:"volumes,omitempty"`
	VolumeManager   VolumeManager     `yaml:"volume_manager,omitempty"`
	VolumeGroupName string            `yaml:"volume_group_name,omitempty"`
	Partitions      []CustomPartition `yaml:"partitions,omitempty"`

	CustomPartitionControl bool              `yaml:"custom_partition_control,omitempty"`
	RaidLevel              RaidLevel         `yaml:"raid_level,omitempty"`
	Luks                   string            `yaml:"luks,omitempty"`
	LuksVersion            string            `yaml:"luks_version,omitempty"`
	OverlayRoot            bool              `yaml:"overlay_root,omitempty"`
	HybridMBR              bool              `yaml:"hybrid_mbr,omitempty"`
	SparePart              *SparePartition   `yaml:"spare_part,omitempty"`
	DiskSize               *DiskSizeOverride `yaml:"disk_size,omitempty"`

	BootPartition *bool  `yaml:"bootpartition,omitempty"`
	BootPartSize  int    `yaml:"bootpartsize,omitempty"`
	BootPartName  string `yaml:"bootpartname,omitempty"`
	EfiPartSize   int    `yaml:"efipartsize,omitempty"`
	SwapSize      int    `yaml:"swapsize,omitempty"`

	Persistency        Persistency       `yaml:"devicepersistency,omitempty"`
	UnpartitionedBytes int64             `yaml:"unpartitioned_bytes,omitempty"`
	Format             string            `yaml:"format,omitempty"`
	FormatOptions      map[string]string `yaml:"format_options,omitempty"`

	XenServer    bool       `yaml:"xen_server,omitempty"`
	SecureBoot   bool       `yaml:"secure_boot,omitempty"`
	InstallIso   bool       `yaml:"installiso,omitempty"`
	InstallPxe   bool       `yaml:"installpxe,omitempty"`
	InstallStick bool       `yaml:"installstick,omitempty"`
	Bootloader   Bootloader `yaml:"bootloader,omitempty"`
	TargetDevice string     `yaml:"target_device,omitempty"`

	BootPartitionFilesystems []string `yaml:"boot_partition_filesystems,omitempty"`
}

// ReadBuildSpec loads a build description from yaml and fills the defaults.
func ReadBuildSpec(fs vfs.FS, path string) (BuildSpec, error) {
	var spec BuildSpec
	data, err := fs.ReadFile(path)
	if err != nil {
		return spec, err
	}
	if err = yaml.Unmarshal(data, &spec); err != nil {
		return spec, fmt.Errorf("%w: parsing %s: %s", ErrDiskConfig, path, err)
	}
	return spec.WithDefaults(), nil
}

// WithDefaults returns a copy with the unset values filled.
func (s BuildSpec) WithDefaults() BuildSpec {
	if s.Firmware == "" {
		s.Firmware = FirmwareBIOS
	}
	if s.Filesystem == "" {
		s.Filesystem = "ext4"
	}
	if s.BuildType == "" {
		s.BuildType = BuildTypeOEM
	}
	if s.Bootloader == "" {
		s.Bootloader = BootloaderGrub2
	}
	if s.Persistency == "" {
		s.Persistency = ByUUID
	}
	if s.VolumeGroupName == "" {
		s.VolumeGroupName = constants.VolumeGroupName
	}
	if s.SparePart != nil && s.SparePart.Placement == "" {
		s.SparePart.Placement = SpareEarly
	}
	return s
}

// InstallMedia reports whether any install media was requested.
func (s BuildSpec) InstallMedia() bool {
	return s.InstallIso || s.InstallPxe || s.InstallStick
}

// UsesLVM reports whether the root is managed by LVM.
func (s BuildSpec) UsesLVM() bool {
	return s.VolumeManager == VolumeManagerLVM
}

// ImagePath is the raw disk file produced by the build.
func (s BuildSpec) ImagePath() string {
	name := s.ImageName
	if s.Version != "" {
		name = fmt.Sprintf("%s.%s", name, s.Version)
	}
	return filepath.Join(s.TargetDir, name+".raw")
}

type FsTabs []*fstab.Mount
