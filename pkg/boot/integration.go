package boot

import (
	"context"
	"fmt"
	"path/filepath"

	"github.com/kairos-io/diskbuilder/internal/constants"
	internalUtils "github.com/kairos-io/diskbuilder/internal/utils"
	"github.com/kairos-io/diskbuilder/pkg/schema"
	"github.com/twpayne/go-vfs/v4"
)

// Integration writes the boot metadata into the root tree and drives the bootloader.
type Integration struct {
	fs        vfs.FS
	runner    internalUtils.Runner
	spec      schema.BuildSpec
	platform  schema.Platform
	rootTree  string
	bootImage BootImage
}

func NewIntegration(fs vfs.FS, runner internalUtils.Runner, spec schema.BuildSpec, platform schema.Platform, rootTree string, bootImage BootImage) *Integration {
	return &Integration{
		fs:        fs,
		runner:    runner,
		spec:      spec,
		platform:  platform,
		rootTree:  rootTree,
		bootImage: bootImage,
	}
}

// ValidateInstallMedia rejects install media on builds that can't produce them.
func ValidateInstallMedia(spec schema.BuildSpec) error {
	if spec.InstallMedia() && spec.BuildType != schema.BuildTypeOEM {
		return fmt.Errorf("%w: install media requires the oem build type, got %s", schema.ErrInstallMedia, spec.BuildType)
	}
	return nil
}

// CheckInstallMediaArtifact verifies the raw image handed to the install media builders exists.
func CheckInstallMediaArtifact(fs vfs.FS, path string) error {
	if !internalUtils.Exists(fs, path) {
		return fmt.Errorf("%w: raw disk image %s not found", schema.ErrInstallMedia, path)
	}
	return nil
}

// InstallBootloader configures and installs the bootloader on the finished layout.
// The image edit hooks run right before and right after the installation.
func (i *Integration) InstallBootloader(ctx context.Context, config BootLoaderConfig, installer BootLoaderInstall, dm schema.DeviceMap, sm schema.StorageMap) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if i.spec.XenServer {
		if err := i.checkXen(); err != nil {
			return err
		}
	}
	if i.spec.SecureBoot && i.spec.Firmware.IsEFI() {
		if err := i.checkSignedLoaders(); err != nil {
			return err
		}
	}

	options, err := i.bootOptions(dm, sm)
	if err != nil {
		return err
	}
	l := internalUtils.Log.With().Str("disk", options.Disk).Str("boot role", string(options.BootRole)).Logger()
	l.Info().Msg("configuring bootloader")
	if err = config.SetupBootImages(options.BootRole); err != nil {
		return fmt.Errorf("setting up boot images: %w", err)
	}
	if err = config.WriteMetaData(options); err != nil {
		return fmt.Errorf("writing bootloader metadata: %w", err)
	}
	if err = config.SetupImageConfig(options); err != nil {
		return fmt.Errorf("writing bootloader config: %w", err)
	}

	bootHandle, ok := sm.Get(options.BootRole)
	if !ok {
		return fmt.Errorf("%w: no filesystem for %s", schema.ErrDiskBootImage, options.BootRole)
	}
	if err = i.runHook(constants.EditBootConfigHook, bootHandle.Filesystem, fmt.Sprintf("%d", dm.PartitionNumbers[partitionRole(dm, options.BootRole)])); err != nil {
		return err
	}

	l.Info().Msg("installing bootloader")
	if err = installer.Install(); err != nil {
		return fmt.Errorf("installing bootloader: %w", err)
	}

	disk := dm.Image
	if disk == "" {
		disk = dm.Disk
	}
	return i.runHook(constants.EditBootInstall, disk, options.Devices[options.BootRole])
}

func (i *Integration) bootOptions(dm schema.DeviceMap, sm schema.StorageMap) (BootOptions, error) {
	rootSpec, cmdline, err := i.rootSpec(dm)
	if err != nil {
		return BootOptions{}, err
	}
	options := BootOptions{
		Firmware:  i.spec.Firmware,
		Disk:      dm.Disk,
		Devices:   map[schema.Role]string{},
		RootSpec:  rootSpec,
		CmdLine:   cmdline,
		MountRoot: sm.MountRoot,
		BootRole:  schema.RoleRoot,
	}
	for role, d := range dm.Devices {
		options.Devices[role] = d.Path
	}
	if _, ok := dm.Devices[schema.RoleBoot]; ok {
		options.BootRole = schema.RoleBoot
	}
	return options, nil
}

// partitionRole maps a role to the role of the partition carrying it.
func partitionRole(dm schema.DeviceMap, role schema.Role) schema.Role {
	if _, ok := dm.PartitionNumbers[role]; ok {
		return role
	}
	for _, r := range []schema.Role{schema.RoleRaid, schema.RoleLvmPV} {
		if _, ok := dm.PartitionNumbers[r]; ok {
			return r
		}
	}
	return role
}

func (i *Integration) runHook(hook string, args ...string) error {
	if !internalUtils.Exists(i.fs, filepath.Join(i.rootTree, hook)) {
		return nil
	}
	cmd := fmt.Sprintf("cd %s && bash --norc %s", i.rootTree, hook)
	for _, a := range args {
		cmd = fmt.Sprintf("%s %s", cmd, a)
	}
	internalUtils.Log.Info().Str("hook", hook).Strs("args", args).Msg("running image hook")
	if _, err := i.runner.Run("bash", "--norc", "-c", cmd); err != nil {
		return fmt.Errorf("running %s: %w", hook, err)
	}
	return nil
}

func (i *Integration) checkXen() error {
	pattern := filepath.Join(i.bootImage.BootRoot(), "boot", "xen*.gz")
	matches, err := i.fs.Glob(pattern)
	if err != nil || len(matches) == 0 {
		return fmt.Errorf("%w: xen hypervisor %s not found", schema.ErrDiskBootImage, pattern)
	}
	return nil
}

func (i *Integration) checkSignedLoaders() error {
	for name, candidates := range map[string][]string{
		"shim": shimCandidates(i.platform),
		"grub": signedGrubCandidates(i.platform),
	} {
		found := false
		for _, c := range candidates {
			if internalUtils.Exists(i.fs, filepath.Join(i.rootTree, c)) {
				found = true
				break
			}
		}
		if !found {
			return fmt.Errorf("%w: signed %s loader not found in %s, looked for %v", schema.ErrBootLoaderTargetMissing, name, i.rootTree, candidates)
		}
	}
	return nil
}
