package constants

import "errors"

// DefaultRootExcludes are the paths never synced from the root tree into the root filesystem.
func DefaultRootExcludes() []string {
	return []string{
		"image", ".profile", ".kconfig", ".buildenv",
		"run/*", "tmp/*", "var/cache/kiwi",
	}
}

// TreeSizerSkipDirs are the top level directories ignored when measuring a root tree.
func TreeSizerSkipDirs() []string {
	return []string{"proc", "sys", "dev"}
}

var ErrAlreadyMounted = errors.New("already mounted")

const (
	OpValidateConfig      = "validate-config"
	OpBuildReadOnlyImage  = "build-readonly-image"
	OpComputeSize         = "compute-size"
	OpPlanPartitions      = "plan-partitions"
	OpMaterializeDisk     = "materialize-disk"
	OpLayerDevices        = "layer-devices"
	OpFormatFilesystems   = "format-filesystems"
	OpWriteMetadata       = "write-metadata"
	OpPopulateFilesystems = "populate-filesystems"
	OpInstallBootloader   = "install-bootloader"
	OpReleaseDevices      = "release-devices"
	OpAppendUnpartitioned = "append-unpartitioned"
	OpConvertFormat       = "convert-format"
	OpWriteResult         = "write-result"

	LogDir = "/var/log/diskbuilder"

	// Sizes in mbytes
	LegacyBiosSize       = 2
	DefaultEfiSize       = 200
	DefaultBootSize      = 200
	PrepSize             = 8
	MinVolumeSize        = 30
	MinPartitionMargin   = 10
	LvmExtentOverhead    = 4
	DefaultInodeSize     = 256
	DiskStartSector      = 2048
	MinRootSize          = 30
	TableOverhead        = 2 // start alignment and backup gpt header, rounded up
	LuksKeyfileSize      = 4096
	TreeSizeMultiplier   = 1.5
	GceRoundUpBoundaryMB = 1024

	VolumeGroupName = "systemVG"
	RootVolumeName  = "LVRoot"
	SwapVolumeName  = "LVSwap"
	BtrfsRootVolume = "@"
	LuksName        = "luksRoot"
	MaxRaidDevices  = 9

	RootLabel  = "ROOT"
	BootLabel  = "BOOT"
	ZiplLabel  = "ZIPL"
	EfiLabel   = "EFI"
	SwapLabel  = "SWAP"
	SpareLabel = "SPARE"

	PartitionIDsFile   = "config.partids"
	BootOptionsFile    = "config.bootoptions"
	MbrIDFile          = "boot/mbrid"
	FstabFile          = "etc/fstab"
	CrypttabFile       = "etc/crypttab"
	MdadmConfFile      = "etc/mdadm.conf"
	LuksKeyfile        = ".root.keyfile"
	LuksBootKeyfile    = "root/.root.keyfile"
	DracutOverlayConf  = "etc/dracut.conf.d/02-kiwi.conf"
	DracutLuksConf     = "etc/dracut.conf.d/99-luks-boot.conf"
	EditBootConfigHook = "image/edit_boot_config.sh"
	EditBootInstall    = "image/edit_boot_install.sh"
	MbrIDOffset        = 440

	EnvWorkdir             = "DISKBUILDER_WORKDIR"
	EnvDebug               = "DISKBUILDER_DEBUG"
	EnvBootPartitionFSList = "DISKBUILDER_BOOT_PARTITION_FILESYSTEMS"
	DefaultConfigEnv       = "/etc/diskbuilder/diskbuilder.env"
)
