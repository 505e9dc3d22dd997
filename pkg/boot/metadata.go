package boot

import (
	"bufio"
	"bytes"
	"context"
	"encoding/binary"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/deniswernert/go-fstab"
	"github.com/gofrs/uuid"
	"github.com/kairos-io/diskbuilder/internal/constants"
	internalUtils "github.com/kairos-io/diskbuilder/internal/utils"
	"github.com/kairos-io/diskbuilder/pkg/schema"
)

// WriteMetadata writes partition ids, the mbr id, the boot options, fstab and the
// layering configs (crypttab, mdadm.conf) into the root tree before it is synced.
func (i *Integration) WriteMetadata(ctx context.Context, dm schema.DeviceMap, sm schema.StorageMap) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := internalUtils.WriteEnv(i.fs, filepath.Join(i.rootTree, constants.PartitionIDsFile), PartitionIDs(dm, i.spec.OverlayRoot)); err != nil {
		return fmt.Errorf("writing partition ids: %w", err)
	}
	if err := i.writeMbrID(dm); err != nil {
		return err
	}
	rootSpec, cmdline, err := i.rootSpec(dm)
	if err != nil {
		return err
	}
	options := strings.TrimSpace(rootSpec + " " + cmdline)
	if err = i.fs.WriteFile(filepath.Join(i.rootTree, constants.BootOptionsFile), []byte(options+"\n"), 0o644); err != nil {
		return fmt.Errorf("writing boot options: %w", err)
	}
	if err = i.writeFstab(i.FstabEntries(dm, sm)); err != nil {
		return fmt.Errorf("writing fstab: %w", err)
	}
	if dm.Luks != nil {
		if err = i.writeCrypttab(dm.Luks); err != nil {
			return err
		}
	}
	if dm.Raid != nil {
		out, err := i.runner.Run("mdadm", "-Db", dm.Raid.Device)
		if err != nil {
			return fmt.Errorf("%w: reading array config of %s: %s", schema.ErrRaidSetup, dm.Raid.Device, err)
		}
		if err = i.writeTreeFile(constants.MdadmConfFile, out, 0o644); err != nil {
			return err
		}
	}
	return nil
}

// PartitionIDs maps the kiwi_<Role>Part keys to partition numbers.
func PartitionIDs(dm schema.DeviceMap, overlay bool) map[string]string {
	ids := map[string]string{}
	keys := map[schema.Role]string{
		schema.RoleBiosBoot: "kiwi_BiosGrub",
		schema.RoleEFI:      "kiwi_EfiPart",
		schema.RolePrep:     "kiwi_PrepPart",
		schema.RoleBoot:     "kiwi_BootPart",
		schema.RoleSwap:     "kiwi_SwapPart",
		schema.RoleSpare:    "kiwi_SparePart",
		schema.RoleRoot:     "kiwi_RootPart",
		schema.RoleRaid:     "kiwi_RaidPart",
	}
	for role, n := range dm.PartitionNumbers {
		if key, ok := keys[role]; ok {
			ids[key] = fmt.Sprintf("%d", n)
		}
	}
	if n, ok := dm.PartitionNumbers[schema.RoleLvmPV]; ok {
		ids["kiwi_RootPart"] = fmt.Sprintf("%d", n)
	}
	if n, ok := dm.PartitionNumbers[schema.RoleRaid]; ok {
		ids["kiwi_RootPart"] = fmt.Sprintf("%d", n)
	}
	if dm.VolumeManager == schema.VolumeManagerLVM {
		ids["kiwi_RootPartVol"] = constants.RootVolumeName
	}
	if dm.Raid != nil {
		ids["kiwi_RaidDev"] = dm.Raid.Device
	}
	if n, ok := dm.PartitionNumbers[schema.RoleRoot]; ok && overlay {
		ids["kiwi_ROPart"] = fmt.Sprintf("%d", n)
	}
	return ids
}

// writeMbrID stores a random disk identifier in boot/mbrid and in the mbr at offset 440.
func (i *Integration) writeMbrID(dm schema.DeviceMap) error {
	id := binary.LittleEndian.Uint32(uuid.Must(uuid.NewV4()).Bytes()[:4])
	if err := i.writeTreeFile(constants.MbrIDFile, []byte(fmt.Sprintf("0x%08x\n", id)), 0o644); err != nil {
		return err
	}
	disk := dm.Image
	if disk == "" {
		disk = dm.Disk
	}
	f, err := i.fs.OpenFile(disk, os.O_WRONLY, 0)
	if err != nil {
		return fmt.Errorf("opening %s to write the mbr id: %w", disk, err)
	}
	defer f.Close()
	buf := make([]byte, 4)
	binary.LittleEndian.PutUint32(buf, id)
	if _, err = f.WriteAt(buf, constants.MbrIDOffset); err != nil {
		return fmt.Errorf("writing mbr id to %s: %w", disk, err)
	}
	return nil
}

// rootSpec returns the root= kernel argument and the extra arguments the layering needs.
func (i *Integration) rootSpec(dm schema.DeviceMap) (string, string, error) {
	root, ok := dm.Get(schema.RoleRoot)
	if !ok {
		return "", "", fmt.Errorf("%w: no root device", schema.ErrMappedDevice)
	}
	var extra []string
	if dm.Raid != nil {
		extra = append(extra, "rd.auto")
	}
	if dm.VolumeManager == schema.VolumeManagerBtrfs {
		extra = append(extra, "rootflags=subvol="+constants.BtrfsRootVolume)
	}
	switch {
	case dm.VolumeManager == schema.VolumeManagerLVM:
		return "root=" + root.Path, strings.Join(extra, " "), nil
	case i.spec.OverlayRoot:
		return "root=overlay:PARTUUID=" + internalUtils.BlockID(i.runner, root.Path, "PARTUUID"), strings.Join(extra, " "), nil
	}
	return "root=" + i.deviceSpec(root.Path, i.spec.Persistency), strings.Join(extra, " "), nil
}

// deviceSpec probes the live device for its identity according to the persistency.
func (i *Integration) deviceSpec(device string, persistency schema.Persistency) string {
	tag := "UUID"
	switch persistency {
	case schema.ByLabel:
		tag = "LABEL"
	case schema.ByPartUUID:
		tag = "PARTUUID"
	case schema.ByUUID:
	}
	value := internalUtils.BlockID(i.runner, device, tag)
	if value == "" {
		internalUtils.Log.Warn().Str("device", device).Str("tag", tag).Msg("no identity found, using the device path")
		return device
	}
	return fmt.Sprintf("%s=%s", tag, value)
}

// FstabEntries builds the mount table: volume manager entries first, then root, boot, efi, spare, swap and custom partitions.
func (i *Integration) FstabEntries(dm schema.DeviceMap, sm schema.StorageMap) schema.FsTabs {
	var entries schema.FsTabs
	rootHandled := false

	for _, h := range sm.Handles {
		if h.Volume == "" {
			continue
		}
		switch dm.VolumeManager {
		case schema.VolumeManagerLVM:
			e := &fstab.Mount{Spec: h.Device, File: h.Mountpoint, VfsType: h.Filesystem, MntOps: internalUtils.FstabOptions(h.FstabOptions), Freq: 1, PassNo: 2}
			if h.Role == schema.RoleRoot {
				e.Freq, e.PassNo = 0, 1
				rootHandled = true
			}
			if h.Role == schema.RoleSwap {
				e.File, e.Freq, e.PassNo = "swap", 0, 0
			}
			entries = append(entries, e)
		case schema.VolumeManagerBtrfs:
			e := &fstab.Mount{Spec: i.deviceSpec(h.Device, i.spec.Persistency), File: h.Mountpoint, VfsType: "btrfs", MntOps: internalUtils.FstabOptions(h.FstabOptions)}
			if h.Role == schema.RoleRoot {
				e.PassNo = 1
				rootHandled = true
			}
			entries = append(entries, e)
		case schema.VolumeManagerNone:
		}
	}

	order := []schema.Role{schema.RoleRoot, schema.RoleBoot, schema.RoleEFI, schema.RoleSpare, schema.RoleSwap}
	for _, role := range order {
		if role == schema.RoleRoot && rootHandled {
			continue
		}
		h, ok := sm.Get(role)
		if !ok || h.Volume != "" {
			continue
		}
		if e := i.partitionEntry(h); e != nil {
			entries = append(entries, e)
		}
	}
	for _, h := range sm.Handles {
		if !customRole(h.Role) || h.Volume != "" {
			continue
		}
		if e := i.partitionEntry(h); e != nil {
			entries = append(entries, e)
		}
	}
	return entries
}

func (i *Integration) partitionEntry(h schema.FilesystemHandle) *fstab.Mount {
	if h.Mountpoint == "" && h.Filesystem != "swap" {
		return nil
	}
	persistency := i.spec.Persistency
	if h.Filesystem == "squashfs" {
		persistency = schema.ByPartUUID
	}
	e := &fstab.Mount{
		Spec:    i.deviceSpec(h.Device, persistency),
		File:    h.Mountpoint,
		VfsType: h.Filesystem,
		MntOps:  internalUtils.FstabOptions(h.FstabOptions),
	}
	switch h.Role {
	case schema.RoleRoot:
		e.PassNo = 1
	case schema.RoleSwap:
		e.File = "swap"
	}
	return e
}

func customRole(role schema.Role) bool {
	switch role {
	case schema.RoleRoot, schema.RoleBoot, schema.RoleEFI, schema.RoleSpare, schema.RoleSwap, schema.RoleVolume,
		schema.RoleBiosBoot, schema.RolePrep, schema.RoleRaid, schema.RoleLvmPV:
		return false
	}
	return true
}

// writeFstab writes the entries first and keeps the lines of an existing fstab for other mountpoints.
func (i *Integration) writeFstab(entries schema.FsTabs) error {
	var b bytes.Buffer
	written := map[string]bool{}
	for _, e := range entries {
		internalUtils.Log.Debug().Str("what", internalUtils.FstabLine(e)).Msg("Adding line to fstab")
		b.WriteString(internalUtils.FstabLine(e) + "\n")
		written[e.File] = true
	}
	path := filepath.Join(i.rootTree, constants.FstabFile)
	if existing, err := i.fs.ReadFile(path); err == nil {
		scanner := bufio.NewScanner(bytes.NewReader(existing))
		for scanner.Scan() {
			line := strings.TrimSpace(scanner.Text())
			if line == "" || strings.HasPrefix(line, "#") {
				continue
			}
			m, err := fstab.ParseLine(line)
			if err != nil || written[m.File] {
				continue
			}
			b.WriteString(line + "\n")
		}
	}
	return i.writeTreeFile(constants.FstabFile, b.Bytes(), 0o644)
}

func (i *Integration) writeCrypttab(luks *schema.LuksDevice) error {
	key, err := i.fs.ReadFile(luks.Keyfile)
	if err != nil {
		return fmt.Errorf("reading luks keyfile: %w", err)
	}
	if err = i.writeTreeFile(constants.LuksBootKeyfile, key, 0o600); err != nil {
		return err
	}
	uuidValue := internalUtils.BlockID(i.runner, luks.Member, "UUID")
	line := fmt.Sprintf("luks UUID=%s /%s\n", uuidValue, constants.LuksBootKeyfile)
	if err = i.writeTreeFile(constants.CrypttabFile, []byte(line), 0o644); err != nil {
		return err
	}
	// the initrd unlocks the root with the same keyfile
	conf := fmt.Sprintf("install_items+=\" /%s \"\n", constants.LuksBootKeyfile)
	return i.writeTreeFile(constants.DracutLuksConf, []byte(conf), 0o644)
}

func (i *Integration) writeTreeFile(name string, data []byte, perm os.FileMode) error {
	path := filepath.Join(i.rootTree, name)
	if err := internalUtils.CreateIfNotExists(i.fs, filepath.Dir(path)); err != nil {
		return err
	}
	if err := i.fs.WriteFile(path, data, perm); err != nil {
		return fmt.Errorf("writing %s: %w", path, err)
	}
	return nil
}
