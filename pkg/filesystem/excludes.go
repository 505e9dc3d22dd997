package filesystem

import (
	"strings"

	"github.com/kairos-io/diskbuilder/internal/constants"
	internalUtils "github.com/kairos-io/diskbuilder/internal/utils"
	"github.com/kairos-io/diskbuilder/pkg/budget"
	"github.com/kairos-io/diskbuilder/pkg/schema"
)

// RootExcludes are the paths of the root tree kept out of the root filesystem,
// either build metadata or subtrees living on their own partition.
func RootExcludes(boot, efi bool, mountpoints []string) []string {
	excludes := constants.DefaultRootExcludes()
	if boot {
		excludes = append(excludes, "boot/*", "boot/.*")
	}
	if efi {
		excludes = append(excludes, "boot/efi/*", "boot/efi/.*")
	}
	for _, mp := range mountpoints {
		mp = strings.Trim(mp, "/")
		if mp == "" {
			continue
		}
		excludes = append(excludes, mp+"/*", mp+"/.*")
	}
	return internalUtils.UniqueSlice(excludes)
}

// TableRootExcludes derives the root excludes from a planned table.
func TableRootExcludes(table schema.PartitionTable) []string {
	_, boot := table.Entry(schema.RoleBoot)
	_, efi := table.Entry(schema.RoleEFI)
	var mountpoints []string
	for _, e := range table.Entries {
		if separateMount(e) {
			mountpoints = append(mountpoints, e.Mountpoint)
		}
	}
	return RootExcludes(boot, efi, mountpoints)
}

// SpecRootExcludes derives the root excludes from the spec alone, for work done before planning.
func SpecRootExcludes(spec schema.BuildSpec) []string {
	var mountpoints []string
	if spec.SparePart != nil {
		mountpoints = append(mountpoints, spec.SparePart.Mountpoint)
	}
	for _, p := range spec.Partitions {
		if !p.Root {
			mountpoints = append(mountpoints, p.Mountpoint)
		}
	}
	return RootExcludes(budget.NeedsBootPartition(spec), spec.Firmware.IsEFI(), mountpoints)
}

// ReadOnlyExcludes turns root excludes into overlay image excludes, the image directory itself is kept.
func ReadOnlyExcludes(excludes []string) []string {
	var out []string
	for _, e := range excludes {
		if e == "image" {
			e = "image/*"
		}
		out = append(out, e)
	}
	return out
}

// separateMount reports spare and custom partitions mounted below the root.
func separateMount(e schema.PartitionTableEntry) bool {
	switch e.Role {
	case schema.RoleRoot, schema.RoleBoot, schema.RoleEFI, schema.RoleSwap, schema.RoleBiosBoot, schema.RolePrep, schema.RoleRaid, schema.RoleLvmPV:
		return false
	}
	return strings.Trim(e.Mountpoint, "/") != ""
}
