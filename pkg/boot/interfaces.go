package boot

import "github.com/kairos-io/diskbuilder/pkg/schema"

// BootImage describes the boot content prepared for the image.
type BootImage interface {
	KernelName() string
	InitrdName() string
	// BootRoot is the directory holding the boot tree, boot/ is below it.
	BootRoot() string
}

// BootOptions are handed to the bootloader configuration.
type BootOptions struct {
	Firmware  schema.Firmware
	Disk      string
	Devices   map[schema.Role]string
	RootSpec  string
	CmdLine   string
	MountRoot string
	BootRole  schema.Role
}

type BootLoaderConfig interface {
	SetupBootImages(role schema.Role) error
	WriteMetaData(options BootOptions) error
	SetupImageConfig(options BootOptions) error
}

type BootLoaderInstall interface {
	Install() error
}
