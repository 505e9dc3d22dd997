package schema

import "sort"

// MappedDevice is a block device and the device it sits on, empty for partitions.
type MappedDevice struct {
	Path   string
	Parent string
}

type RaidDevice struct {
	Device string
	Level  RaidLevel
	Member string
}

type LuksDevice struct {
	Device  string
	Member  string
	Keyfile string
}

// DeviceMap maps roles to the live block devices of the image.
type DeviceMap struct {
	Image string
	Disk  string

	Devices          map[Role]MappedDevice
	PartitionNumbers map[Role]int

	VolumeManager VolumeManager
	VolumeGroup   string
	Volumes       map[string]MappedDevice
	VolumeList    []Volume

	Raid *RaidDevice
	Luks *LuksDevice
}

func NewDeviceMap(image, disk string) DeviceMap {
	return DeviceMap{
		Image:            image,
		Disk:             disk,
		Devices:          map[Role]MappedDevice{},
		PartitionNumbers: map[Role]int{},
		Volumes:          map[string]MappedDevice{},
	}
}

// Get returns the device of a role.
func (d DeviceMap) Get(role Role) (MappedDevice, bool) {
	m, ok := d.Devices[role]
	return m, ok
}

// Roles returns the mapped roles, sorted.
func (d DeviceMap) Roles() []Role {
	var roles []Role
	for r := range d.Devices {
		roles = append(roles, r)
	}
	sort.Slice(roles, func(i, j int) bool { return roles[i] < roles[j] })
	return roles
}

// Copy returns a deep copy, layering never mutates its input.
func (d DeviceMap) Copy() DeviceMap {
	c := d
	c.Devices = map[Role]MappedDevice{}
	for k, v := range d.Devices {
		c.Devices[k] = v
	}
	c.PartitionNumbers = map[Role]int{}
	for k, v := range d.PartitionNumbers {
		c.PartitionNumbers[k] = v
	}
	c.Volumes = map[string]MappedDevice{}
	for k, v := range d.Volumes {
		c.Volumes[k] = v
	}
	c.VolumeList = append([]Volume(nil), d.VolumeList...)
	return c
}
