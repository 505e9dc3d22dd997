package schema

import "errors"

// Error kinds of a build. Callers wrap them with fmt.Errorf("%w: ...") and match with errors.Is.
var (
	ErrDiskConfig              = errors.New("disk configuration error")
	ErrVolumeManagerSetup      = errors.New("volume manager setup error")
	ErrVolumeTooSmall          = errors.New("volume too small")
	ErrDiskBootImage           = errors.New("disk boot image error")
	ErrInstallMedia            = errors.New("install media error")
	ErrBootLoaderTargetMissing = errors.New("bootloader target missing")
	ErrMappedDevice            = errors.New("mapped device error")
	ErrVolumeGroupConflict     = errors.New("volume group conflict")
	ErrRaidSetup               = errors.New("raid setup error")
	ErrDiskFormat              = errors.New("disk format error")
)
