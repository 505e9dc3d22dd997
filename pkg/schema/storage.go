package schema

// FilesystemHandle is a formatted filesystem of the image.
type FilesystemHandle struct {
	Role         Role
	Volume       string
	Device       string
	Filesystem   string
	Label        string
	Mountpoint   string
	Source       string
	MountOptions []string
	Excludes     []string
	FstabOptions string
	Subvolume    string
}

// StorageMap holds the filesystems in mount order, parents before children.
type StorageMap struct {
	MountRoot string
	Handles   []FilesystemHandle
}

// Get returns the first handle of a role.
func (s StorageMap) Get(role Role) (FilesystemHandle, bool) {
	for _, h := range s.Handles {
		if h.Role == role {
			return h, true
		}
	}
	return FilesystemHandle{}, false
}

// VolumeHandles returns the handles contributed by the volume manager.
func (s StorageMap) VolumeHandles() []FilesystemHandle {
	var handles []FilesystemHandle
	for _, h := range s.Handles {
		if h.Volume != "" {
			handles = append(handles, h)
		}
	}
	return handles
}
