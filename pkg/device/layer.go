package device

import (
	"context"
	"crypto/rand"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/containerd/containerd/mount"
	"github.com/kairos-io/diskbuilder/internal/constants"
	internalUtils "github.com/kairos-io/diskbuilder/internal/utils"
	"github.com/kairos-io/diskbuilder/pkg/op"
	"github.com/kairos-io/diskbuilder/pkg/schema"
)

// Layer stacks RAID, LUKS and the volume manager on the root bearing partition, in that order.
// Afterwards the root filesystem device is always under the root role.
func (m *Mapper) Layer(ctx context.Context, dm schema.DeviceMap, spec schema.BuildSpec, b schema.SizeBudget) (schema.DeviceMap, error) {
	if err := ctx.Err(); err != nil {
		return dm, err
	}
	if spec.OverlayRoot && spec.VolumeManager != schema.VolumeManagerNone {
		return dm, fmt.Errorf("%w: overlay root can't be used together with a volume manager", schema.ErrVolumeManagerSetup)
	}
	out := dm.Copy()
	var err error

	if spec.RaidLevel != schema.RaidNone {
		if out, err = m.layerRaid(out, spec.RaidLevel); err != nil {
			return out, err
		}
	}
	if spec.Luks != "" {
		if out, err = m.layerLuks(out, spec); err != nil {
			return out, err
		}
	}
	switch spec.VolumeManager {
	case schema.VolumeManagerLVM:
		out, err = m.layerLVM(out, spec, b)
	case schema.VolumeManagerBtrfs:
		out, err = m.layerBtrfs(out, spec, b)
	case schema.VolumeManagerNone:
	}
	return out, err
}

// rootBearing is the device the next layer is stacked on.
func rootBearing(dm schema.DeviceMap) (schema.MappedDevice, error) {
	for _, role := range []schema.Role{schema.RoleRoot, schema.RoleRaid, schema.RoleLvmPV} {
		if d, ok := dm.Devices[role]; ok {
			return d, nil
		}
	}
	return schema.MappedDevice{}, fmt.Errorf("%w: no root bearing device mapped", schema.ErrMappedDevice)
}

func (m *Mapper) layerRaid(dm schema.DeviceMap, level schema.RaidLevel) (schema.DeviceMap, error) {
	member, ok := dm.Devices[schema.RoleRaid]
	if !ok {
		return dm, fmt.Errorf("%w: no raid partition mapped", schema.ErrRaidSetup)
	}
	var md string
	for i := 0; i < constants.MaxRaidDevices; i++ {
		candidate := fmt.Sprintf("/dev/md%d", i)
		if !internalUtils.Exists(m.fs, candidate) {
			md = candidate
			break
		}
	}
	if md == "" {
		return dm, fmt.Errorf("%w: no free /dev/md device", schema.ErrRaidSetup)
	}
	_, err := m.runner.Run("mdadm", "--create", "--run", md, "--level", level.MdadmLevel(), "--raid-disks", "2", member.Path, "missing")
	if err != nil {
		return dm, fmt.Errorf("%w: creating %s on %s: %s", schema.ErrRaidSetup, md, member.Path, err)
	}
	m.session.Acquire("raid "+md, func() error {
		_, err := m.runner.Run("mdadm", "--stop", md)
		return err
	})
	internalUtils.Log.Info().Str("device", md).Str("member", member.Path).Str("level", string(level)).Msg("raid array created")
	dm.Raid = &schema.RaidDevice{Device: md, Level: level, Member: member.Path}
	dm.Devices[schema.RoleRoot] = schema.MappedDevice{Path: md, Parent: member.Path}
	return dm, nil
}

func (m *Mapper) layerLuks(dm schema.DeviceMap, spec schema.BuildSpec) (schema.DeviceMap, error) {
	member, err := rootBearing(dm)
	if err != nil {
		return dm, err
	}
	if err = internalUtils.CreateIfNotExists(m.fs, m.workdir); err != nil {
		return dm, err
	}
	passfile := filepath.Join(m.workdir, ".luks.passphrase")
	if err = m.fs.WriteFile(passfile, []byte(spec.Luks), 0o600); err != nil {
		return dm, err
	}
	defer func() { _ = m.fs.Remove(passfile) }()

	args := []string{"-q", "--key-file", passfile}
	if spec.LuksVersion != "" {
		args = append(args, "--type", spec.LuksVersion)
	}
	args = append(args, "luksFormat", member.Path)
	if _, err = m.runner.Run("cryptsetup", args...); err != nil {
		return dm, fmt.Errorf("%w: formatting luks on %s: %s", schema.ErrMappedDevice, member.Path, err)
	}

	key := make([]byte, constants.LuksKeyfileSize)
	if _, err = rand.Read(key); err != nil {
		return dm, err
	}
	keyfile := m.keyfilePath()
	if err = m.fs.WriteFile(keyfile, key, 0o600); err != nil {
		return dm, err
	}
	// released with the devices, after the metadata stage copied it into the image
	m.session.Acquire("keyfile "+keyfile, func() error {
		return m.fs.Remove(keyfile)
	})
	if _, err = m.runner.Run("cryptsetup", "--key-file", passfile, "luksAddKey", member.Path, keyfile); err != nil {
		return dm, fmt.Errorf("%w: adding keyfile to %s: %s", schema.ErrMappedDevice, member.Path, err)
	}
	if _, err = m.runner.Run("cryptsetup", "--key-file", passfile, "luksOpen", member.Path, constants.LuksName); err != nil {
		return dm, fmt.Errorf("%w: opening luks on %s: %s", schema.ErrMappedDevice, member.Path, err)
	}
	m.session.Acquire("luks "+constants.LuksName, func() error {
		_, err := m.runner.Run("cryptsetup", "luksClose", constants.LuksName)
		return err
	})

	device := "/dev/mapper/" + constants.LuksName
	dm.Luks = &schema.LuksDevice{Device: device, Member: member.Path, Keyfile: keyfile}
	dm.Devices[schema.RoleRoot] = schema.MappedDevice{Path: device, Parent: member.Path}
	return dm, nil
}

func (m *Mapper) layerLVM(dm schema.DeviceMap, spec schema.BuildSpec, b schema.SizeBudget) (schema.DeviceMap, error) {
	pv, err := rootBearing(dm)
	if err != nil {
		return dm, err
	}
	vg := spec.VolumeGroupName
	out, err := m.runner.Run("vgs", "--noheadings", "-o", "vg_name")
	if err != nil {
		return dm, fmt.Errorf("%w: listing volume groups: %s", schema.ErrVolumeManagerSetup, err)
	}
	for _, line := range strings.Split(string(out), "\n") {
		if strings.TrimSpace(line) == vg {
			return dm, fmt.Errorf("%w: volume group %s is in use on the host", schema.ErrVolumeGroupConflict, vg)
		}
	}
	// Leftovers of a previous failed build, not an error when there are none.
	_, _ = m.runner.Run("vgremove", "--force", vg)

	if _, err = m.runner.Run("pvcreate", pv.Path); err != nil {
		return dm, fmt.Errorf("%w: creating physical volume on %s: %s", schema.ErrVolumeManagerSetup, pv.Path, err)
	}
	if _, err = m.runner.Run("vgcreate", vg, pv.Path); err != nil {
		return dm, fmt.Errorf("%w: creating volume group %s: %s", schema.ErrVolumeManagerSetup, vg, err)
	}
	m.session.Acquire("volume group "+vg, func() error {
		_, err := m.runner.Run("vgchange", "-an", vg)
		return err
	})

	volumes, err := schema.VolumeList(spec)
	if err != nil {
		return dm, err
	}
	var full *schema.Volume
	for _, v := range schema.SortedByPath(volumes) {
		size, err := v.ParsedSize()
		if err != nil {
			return dm, err
		}
		if size.Policy == schema.SizeFull {
			fv := v
			full = &fv
			continue
		}
		mbytes := size.MBytes
		if size.Policy == schema.SizeFreespace {
			mbytes += b.VolumeContent[v.Name]
		}
		if _, err = m.runner.Run("lvcreate", "-L", fmt.Sprintf("%d", mbytes), "-n", v.Name, vg); err != nil {
			return dm, fmt.Errorf("%w: creating volume %s: %s", schema.ErrVolumeManagerSetup, v.Name, err)
		}
		m.mapVolume(&dm, v, fmt.Sprintf("/dev/%s/%s", vg, v.Name), pv.Path)
	}
	if full != nil {
		if _, err = m.runner.Run("lvcreate", "-l", "+100%FREE", "-n", full.Name, vg); err != nil {
			return dm, fmt.Errorf("%w: creating volume %s: %s", schema.ErrVolumeManagerSetup, full.Name, err)
		}
		m.mapVolume(&dm, *full, fmt.Sprintf("/dev/%s/%s", vg, full.Name), pv.Path)
	}

	dm.VolumeManager = schema.VolumeManagerLVM
	dm.VolumeGroup = vg
	dm.VolumeList = volumes
	internalUtils.Log.Info().Str("volume group", vg).Int("volumes", len(volumes)).Msg("lvm layout created")
	return dm, nil
}

func (m *Mapper) mapVolume(dm *schema.DeviceMap, v schema.Volume, path, parent string) {
	dm.Volumes[v.Name] = schema.MappedDevice{Path: path, Parent: parent}
	switch {
	case v.Root:
		dm.Devices[schema.RoleRoot] = schema.MappedDevice{Path: path, Parent: parent}
	case v.Swap:
		dm.Devices[schema.RoleSwap] = schema.MappedDevice{Path: path, Parent: parent}
	}
}

func (m *Mapper) layerBtrfs(dm schema.DeviceMap, spec schema.BuildSpec, b schema.SizeBudget) (schema.DeviceMap, error) {
	root, err := rootBearing(dm)
	if err != nil {
		return dm, err
	}
	volumes, err := schema.VolumeList(spec)
	if err != nil {
		return dm, err
	}
	if _, err = m.runner.Run("mkfs.btrfs", "-f", "-L", b.Labels.Root, root.Path); err != nil {
		return dm, fmt.Errorf("%w: creating btrfs on %s: %s", schema.ErrVolumeManagerSetup, root.Path, err)
	}

	toplevel := filepath.Join(m.workdir, "btrfs-toplevel")
	mountOp := op.MountOperation{
		MountOption:     mount.Mount{Type: "btrfs", Source: root.Path},
		Target:          toplevel,
		PrepareCallback: func() error { return internalUtils.CreateIfNotExists(m.fs, toplevel) },
	}
	if err = mountOp.Run(m.mounter, m.session); err != nil {
		return dm, fmt.Errorf("%w: %s", schema.ErrVolumeManagerSetup, err)
	}

	rootVolume := filepath.Join(toplevel, constants.BtrfsRootVolume)
	if _, err = m.runner.Run("btrfs", "subvolume", "create", rootVolume); err != nil {
		return dm, fmt.Errorf("%w: creating root subvolume: %s", schema.ErrVolumeManagerSetup, err)
	}
	for _, v := range schema.SortedByPath(volumes) {
		if v.Root || v.Swap {
			continue
		}
		subvolume := filepath.Join(rootVolume, v.Path())
		if err = internalUtils.CreateIfNotExists(m.fs, filepath.Dir(subvolume)); err != nil {
			return dm, err
		}
		if _, err = m.runner.Run("btrfs", "subvolume", "create", subvolume); err != nil {
			return dm, fmt.Errorf("%w: creating subvolume %s: %s", schema.ErrVolumeManagerSetup, v.Name, err)
		}
		if v.NoCopyOnWrite {
			if _, err = m.runner.Run("chattr", "+C", subvolume); err != nil {
				return dm, fmt.Errorf("%w: disabling copy on write for %s: %s", schema.ErrVolumeManagerSetup, v.Name, err)
			}
		}
		dm.Volumes[v.Name] = schema.MappedDevice{Path: root.Path, Parent: root.Path}
	}
	if _, err = m.runner.Run("btrfs", "subvolume", "set-default", rootVolume); err != nil {
		return dm, fmt.Errorf("%w: setting default subvolume: %s", schema.ErrVolumeManagerSetup, err)
	}
	if err = m.session.Release(op.UnmountResource(toplevel)); err != nil {
		return dm, fmt.Errorf("%w: unmounting %s: %s", schema.ErrVolumeManagerSetup, toplevel, err)
	}

	dm.Volumes[constants.RootVolumeName] = schema.MappedDevice{Path: root.Path, Parent: root.Path}
	dm.Devices[schema.RoleRoot] = root
	dm.VolumeManager = schema.VolumeManagerBtrfs
	dm.VolumeList = volumes
	return dm, nil
}
