package schema

import (
	"fmt"
	"strconv"
	"strings"
)

// Role is the logical name a partition, device or filesystem is addressed by.
type Role string

const (
	RoleBiosBoot Role = "bios_boot"
	RoleEFI      Role = "efi"
	RoleBoot     Role = "boot"
	RoleSwap     Role = "swap"
	RolePrep     Role = "prep"
	RoleSpare    Role = "spare"
	RoleRoot     Role = "root"
	RoleRaid     Role = "raid"
	RoleLvmPV    Role = "lvm_pv"
	RoleVolume   Role = "volume"
)

// PartitionType is the content type of a partition, mapped to a GPT GUID or an MBR id.
type PartitionType string

const (
	TypeLinux    PartitionType = "linux"
	TypeEFI      PartitionType = "efi"
	TypeBiosBoot PartitionType = "bios_boot"
	TypeSwap     PartitionType = "swap"
	TypePrep     PartitionType = "prep"
	TypeLVM      PartitionType = "lvm"
	TypeRaid     PartitionType = "raid"
)

// GPTGUID returns the GPT partition type GUID.
func (t PartitionType) GPTGUID() string {
	switch t {
	case TypeEFI:
		return "C12A7328-F81F-11D2-BA4B-00A0C93EC93B"
	case TypeBiosBoot:
		return "21686148-6449-6E6F-744E-656564454649"
	case TypeSwap:
		return "0657FD6D-A4AB-43C4-84E5-0933C84B4F4F"
	case TypePrep:
		return "9E1A2D38-C612-4316-AA26-8B49521E5A8B"
	case TypeLVM:
		return "E6D6D379-F507-44C2-A23C-238F2A3DF928"
	case TypeRaid:
		return "A19D880F-05FC-4D3B-A006-743F0F84911E"
	case TypeLinux:
		return "0FC63DAF-8483-4772-8E79-3D69D8477DE4"
	}
	return "0FC63DAF-8483-4772-8E79-3D69D8477DE4"
}

// MBRType returns the msdos partition id.
func (t PartitionType) MBRType() byte {
	switch t {
	case TypeEFI:
		return 0xef
	case TypeSwap:
		return 0x82
	case TypePrep:
		return 0x41
	case TypeLVM:
		return 0x8e
	case TypeRaid:
		return 0xfd
	case TypeLinux, TypeBiosBoot:
		return 0x83
	}
	return 0x83
}

// CustomPartition is an operator declared partition.
type CustomPartition struct {
	Name          string        `yaml:"name"`
	Size          string        `yaml:"size"`
	Mountpoint    string        `yaml:"mountpoint,omitempty"`
	Filesystem    string        `yaml:"filesystem,omitempty"`
	PartitionName string        `yaml:"partition_name,omitempty"`
	Type          PartitionType `yaml:"type,omitempty"`
	Root          bool          `yaml:"root,omitempty"`
}

// AllFree reports whether the partition takes the remaining space.
func (c CustomPartition) AllFree() bool {
	return c.Size == "all_free" || c.Size == ""
}

// MBytes returns the declared size, zero for all_free.
func (c CustomPartition) MBytes() (int, error) {
	if c.AllFree() {
		return 0, nil
	}
	n, err := strconv.Atoi(strings.TrimSuffix(c.Size, "M"))
	if err != nil || n <= 0 {
		return 0, fmt.Errorf("%w: invalid size %q for partition %s", ErrDiskConfig, c.Size, c.Name)
	}
	return n, nil
}

// RoleName is the role the partition is addressed by downstream.
func (c CustomPartition) RoleName() Role {
	if c.Root {
		return RoleRoot
	}
	return Role(c.Name)
}

// PartitionTableEntry is a planned partition.
type PartitionTableEntry struct {
	Role       Role
	Name       string
	MBytes     int
	AllFree    bool
	Type       PartitionType
	Filesystem string
	Mountpoint string
}

// PartitionTable is the ordered plan of a disk.
type PartitionTable struct {
	Label     string
	HybridMBR bool
	Active    Role
	Entries   []PartitionTableEntry
}

// Roles lists the planned roles in table order.
func (t PartitionTable) Roles() []Role {
	var roles []Role
	for _, e := range t.Entries {
		roles = append(roles, e.Role)
	}
	return roles
}

// Entry returns the entry with the given role.
func (t PartitionTable) Entry(role Role) (PartitionTableEntry, bool) {
	for _, e := range t.Entries {
		if e.Role == role {
			return e, true
		}
	}
	return PartitionTableEntry{}, false
}
