package boot

import (
	"fmt"
	"path/filepath"
	"strings"

	internalUtils "github.com/kairos-io/diskbuilder/internal/utils"
	"github.com/kairos-io/diskbuilder/pkg/schema"
	"github.com/twpayne/go-vfs/v4"
)

const (
	grubDefaults = "etc/default/grub"
	grubConfig   = "/boot/grub2/grub.cfg"
)

// Grub2 configures and installs grub2 from inside the populated image.
type Grub2 struct {
	fs        vfs.FS
	runner    internalUtils.Runner
	mounter   internalUtils.Mounter
	platform  schema.Platform
	spec      schema.BuildSpec
	bootImage BootImage
	options   BootOptions
}

func NewGrub2(fs vfs.FS, runner internalUtils.Runner, mounter internalUtils.Mounter, platform schema.Platform, spec schema.BuildSpec, bootImage BootImage) *Grub2 {
	return &Grub2{fs: fs, runner: runner, mounter: mounter, platform: platform, spec: spec, bootImage: bootImage}
}

// SetupBootImages checks the kernel and initrd made it into the mounted boot directory.
func (g *Grub2) SetupBootImages(_ schema.Role) error {
	if g.bootImage.KernelName() == "" || g.bootImage.InitrdName() == "" {
		return fmt.Errorf("%w: no kernel or initrd in %s", schema.ErrDiskBootImage, g.bootImage.BootRoot())
	}
	return nil
}

// WriteMetaData sets the kernel command line in the grub defaults of the image.
func (g *Grub2) WriteMetaData(options BootOptions) error {
	g.options = options
	path := filepath.Join(options.MountRoot, grubDefaults)
	env := map[string]string{}
	if internalUtils.Exists(g.fs, path) {
		current, err := internalUtils.ReadEnv(g.fs, path)
		if err != nil {
			return fmt.Errorf("reading %s: %w", path, err)
		}
		env = current
	}
	cmdline := strings.TrimSpace(options.RootSpec + " " + options.CmdLine)
	if existing := env["GRUB_CMDLINE_LINUX_DEFAULT"]; existing != "" {
		cmdline = cmdline + " " + existing
	}
	env["GRUB_CMDLINE_LINUX_DEFAULT"] = cmdline
	env["GRUB_DISABLE_LINUX_UUID"] = "true"
	if err := internalUtils.CreateIfNotExists(g.fs, filepath.Dir(path)); err != nil {
		return err
	}
	return internalUtils.WriteEnv(g.fs, path, env)
}

func (g *Grub2) SetupImageConfig(options BootOptions) error {
	_, err := g.chroot(options.MountRoot, "grub2-mkconfig", "-o", grubConfig)
	return err
}

// Install writes grub2 to the disk for the configured firmware.
func (g *Grub2) Install() error {
	options := g.options
	if g.platform.IsS390() {
		return fmt.Errorf("%w: grub2 install is not supported on %s", schema.ErrBootLoaderTargetMissing, g.platform.Arch)
	}
	switch {
	case g.platform.IsPPC():
		prep, ok := options.Devices[schema.RolePrep]
		if !ok {
			return fmt.Errorf("%w: no prep partition", schema.ErrBootLoaderTargetMissing)
		}
		_, err := g.chroot(options.MountRoot, "grub2-install", "--target=powerpc-ieee1275", "--no-nvram", prep)
		return err
	case options.Firmware.IsEFI():
		target, short := efiArch(g.platform)
		if _, err := g.chroot(options.MountRoot, "grub2-install", "--target="+target, "--efi-directory=/boot/efi", "--removable", "--no-nvram"); err != nil {
			return err
		}
		if g.spec.SecureBoot {
			if err := g.installSigned(options.MountRoot, short); err != nil {
				return err
			}
		}
		if _, hybrid := options.Devices[schema.RoleBiosBoot]; !hybrid {
			return nil
		}
	}
	if g.platform.IsX86() {
		_, err := g.chroot(options.MountRoot, "grub2-install", "--target=i386-pc", options.Disk)
		return err
	}
	return nil
}

// installSigned places the signed shim in front of the signed grub in the removable media path.
func (g *Grub2) installSigned(root, short string) error {
	dir := filepath.Join(root, "boot/efi/EFI/BOOT")
	if err := internalUtils.CreateIfNotExists(g.fs, dir); err != nil {
		return err
	}
	copies := map[string]string{
		fmt.Sprintf("boot%s.efi", short): firstExisting(g.fs, root, shimCandidates(g.platform)),
		"grub.efi":                       firstExisting(g.fs, root, signedGrubCandidates(g.platform)),
	}
	for name, src := range copies {
		if src == "" {
			return fmt.Errorf("%w: signed loader for %s not found", schema.ErrBootLoaderTargetMissing, name)
		}
		data, err := g.fs.ReadFile(src)
		if err != nil {
			return err
		}
		if err = g.fs.WriteFile(filepath.Join(dir, name), data, 0o644); err != nil {
			return err
		}
	}
	return nil
}

func firstExisting(fs vfs.FS, root string, candidates []string) string {
	for _, c := range candidates {
		p := filepath.Join(root, c)
		if internalUtils.Exists(fs, p) {
			return p
		}
	}
	return ""
}

func (g *Grub2) chroot(root, command string, args ...string) ([]byte, error) {
	c := internalUtils.NewChroot(g.fs, g.mounter, g.runner, root)
	if err := c.Prepare(); err != nil {
		return nil, err
	}
	defer func() {
		_ = c.Close()
	}()
	out, err := c.Run(command, args...)
	if err != nil {
		internalUtils.Log.Err(err).Str("command", command).Str("output", string(out)).Msg("grub2")
		return out, err
	}
	return out, nil
}

// Noop is the collaborator for custom bootloaders managed by image hooks.
type Noop struct{}

func (Noop) SetupBootImages(schema.Role) error  { return nil }
func (Noop) WriteMetaData(BootOptions) error    { return nil }
func (Noop) SetupImageConfig(BootOptions) error { return nil }
func (Noop) Install() error                     { return nil }

// Collaborators picks the bootloader implementation for the build.
func Collaborators(fs vfs.FS, runner internalUtils.Runner, mounter internalUtils.Mounter, platform schema.Platform, spec schema.BuildSpec, bootImage BootImage) (BootLoaderConfig, BootLoaderInstall) {
	if spec.Bootloader == schema.BootloaderCustom {
		return Noop{}, Noop{}
	}
	g := NewGrub2(fs, runner, mounter, platform, spec, bootImage)
	return g, g
}
