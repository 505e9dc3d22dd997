package budget

import (
	"fmt"
	"path/filepath"
	"strings"

	"github.com/kairos-io/diskbuilder/internal/constants"
	internalUtils "github.com/kairos-io/diskbuilder/internal/utils"
	"github.com/kairos-io/diskbuilder/pkg/schema"
)

type options struct {
	readOnlyImage       string
	readOnlyImageMBytes int
}

type Option func(*options)

// WithReadOnlyImage passes the pre-built overlay root image.
func WithReadOnlyImage(path string, mbytes int) Option {
	return func(o *options) {
		o.readOnlyImage = path
		o.readOnlyImageMBytes = mbytes
	}
}

// NeedsBootPartition decides whether the disk gets a separate boot partition.
// It only looks at the spec, call it once per build and keep the result.
func NeedsBootPartition(spec schema.BuildSpec) bool {
	if spec.CustomPartitionControl {
		for _, p := range spec.Partitions {
			if p.RoleName() == schema.RoleBoot {
				return true
			}
		}
		return false
	}
	if spec.BootPartition != nil {
		return *spec.BootPartition
	}
	if spec.RaidLevel != schema.RaidNone || spec.UsesLVM() || spec.OverlayRoot {
		return true
	}
	for _, fs := range spec.BootPartitionFilesystems {
		if fs == spec.Filesystem {
			return true
		}
	}
	return false
}

// Labels returns the filesystem labels of the image.
func Labels(spec schema.BuildSpec, platform schema.Platform) schema.Labels {
	l := schema.Labels{
		Root:  constants.RootLabel,
		Boot:  constants.BootLabel,
		EFI:   constants.EfiLabel,
		Swap:  constants.SwapLabel,
		Spare: constants.SpareLabel,
	}
	if spec.RootLabel != "" {
		l.Root = spec.RootLabel
	}
	if platform.IsS390() {
		l.Boot = constants.ZiplLabel
	}
	return l
}

// Compute accounts every partition and volume of the disk. Declared sizes smaller than their content fail here,
// before any disk is touched.
func Compute(spec schema.BuildSpec, platform schema.Platform, rootTree string, sizer RootTreeSizer, opts ...Option) (schema.SizeBudget, error) {
	o := &options{}
	for _, opt := range opts {
		opt(o)
	}
	b := schema.SizeBudget{
		Volumes:          map[string]int{},
		VolumeContent:    map[string]int{},
		CustomPartitions: map[string]int{},
		NeedsBoot:        NeedsBootPartition(spec),
		Labels:           Labels(spec, platform),
		Override:         spec.DiskSize,
		TableOverhead:    constants.TableOverhead,
	}

	if spec.CustomPartitionControl {
		if err := customPartitionsSize(&b, spec, rootTree, sizer, true); err != nil {
			return b, err
		}
	} else {
		fixedOverheads(&b, spec, platform)
		if err := customPartitionsSize(&b, spec, rootTree, sizer, false); err != nil {
			return b, err
		}
		if err := rootSize(&b, spec, rootTree, sizer, o); err != nil {
			return b, err
		}
	}

	for _, v := range []int{b.LegacyBios, b.EfiBoot, b.BootPartition, b.Swap, b.Prep, b.Spare, b.RootContent, b.LvmOverhead, b.TableOverhead} {
		if v < 0 {
			return b, fmt.Errorf("%w: negative size contribution", schema.ErrDiskConfig)
		}
	}

	calculated := b.Calculated()
	if spec.DiskSize != nil && !spec.DiskSize.Additive && spec.DiskSize.MBytes > 0 && spec.DiskSize.MBytes < calculated {
		internalUtils.Log.Warn().Int("requested", spec.DiskSize.MBytes).Int("calculated", calculated).Msg("requested disk size is smaller than the calculated minimum, using it anyway")
	}
	internalUtils.Log.Info().Int("calculated", calculated).Int("total", b.Total()).Bool("boot partition", b.NeedsBoot).Msg("disk size")
	return b, nil
}

func fixedOverheads(b *schema.SizeBudget, spec schema.BuildSpec, platform schema.Platform) {
	if spec.HybridMBR && spec.Firmware.IsEFI() {
		b.LegacyBios = constants.LegacyBiosSize
	}
	if spec.Firmware.IsEFI() {
		b.EfiBoot = constants.DefaultEfiSize
		if spec.EfiPartSize > 0 {
			b.EfiBoot = spec.EfiPartSize
		}
	}
	if platform.IsPPC() && spec.Firmware == schema.FirmwareOFW {
		b.Prep = constants.PrepSize
	}
	if b.NeedsBoot {
		b.BootPartition = constants.DefaultBootSize
		if spec.BootPartSize > 0 {
			b.BootPartition = spec.BootPartSize
		}
	}
	if spec.SwapSize > 0 && !spec.UsesLVM() {
		b.Swap = spec.SwapSize
	}
	if spec.SparePart != nil {
		b.Spare = spec.SparePart.Size
	}
}

func customPartitionsSize(b *schema.SizeBudget, spec schema.BuildSpec, rootTree string, sizer RootTreeSizer, control bool) error {
	rootAllFree := false
	for _, p := range spec.Partitions {
		mb, err := p.MBytes()
		if err != nil {
			return err
		}
		if p.AllFree() {
			if p.Root {
				rootAllFree = true
			}
			continue
		}
		source := rootTree
		if !p.Root && p.Mountpoint != "" {
			source = filepath.Join(rootTree, p.Mountpoint)
		}
		if p.Root || p.Mountpoint != "" {
			content, err := sizer.Size(source)
			if err != nil {
				return fmt.Errorf("sizing %s: %w", source, err)
			}
			if mb < content {
				return fmt.Errorf("%w: partition %s has %d MB but its content requires %d MB", schema.ErrVolumeTooSmall, p.Name, mb, content)
			}
		}
		b.CustomPartitions[p.Name] = mb
	}
	if control && rootAllFree {
		content, err := sizer.Size(rootTree)
		if err != nil {
			return fmt.Errorf("sizing %s: %w", rootTree, err)
		}
		b.RootContent = max(content, constants.MinRootSize)
	}
	return nil
}

func rootSize(b *schema.SizeBudget, spec schema.BuildSpec, rootTree string, sizer RootTreeSizer, o *options) error {
	if spec.OverlayRoot {
		b.ReadOnlyImage = o.readOnlyImage
		b.ReadOnlyImageMBytes = o.readOnlyImageMBytes
		b.RootContent = o.readOnlyImageMBytes + constants.MinPartitionMargin
		return nil
	}

	var excludes []string
	for _, p := range spec.Partitions {
		if p.Mountpoint != "" {
			excludes = append(excludes, filepath.Join(rootTree, p.Mountpoint))
		}
	}
	if spec.VolumeManager == schema.VolumeManagerNone {
		content, err := sizer.Size(rootTree, excludes...)
		if err != nil {
			return fmt.Errorf("sizing %s: %w", rootTree, err)
		}
		b.RootContent = max(content, constants.MinRootSize)
		return nil
	}

	volumes, err := schema.VolumeList(spec)
	if err != nil {
		return err
	}
	content, err := sizer.Size(rootTree, excludes...)
	if err != nil {
		return fmt.Errorf("sizing %s: %w", rootTree, err)
	}
	b.RootContent = max(content, constants.MinRootSize)

	for _, v := range volumes {
		size, err := v.ParsedSize()
		if err != nil {
			return err
		}
		if v.Swap {
			b.Volumes[v.Name] = size.MBytes
			continue
		}
		volumeContent, err := volumeContentSize(v, volumes, rootTree, sizer)
		if err != nil {
			return err
		}
		b.VolumeContent[v.Name] = volumeContent
		switch size.Policy {
		case schema.SizeFixed:
			if size.MBytes < volumeContent {
				return fmt.Errorf("%w: volume %s has %d MB but %s requires %d MB", schema.ErrVolumeTooSmall, v.Name, size.MBytes, v.Path(), volumeContent)
			}
			b.Volumes[v.Name] = size.MBytes - volumeContent
		case schema.SizeFreespace:
			b.Volumes[v.Name] = size.MBytes + constants.MinVolumeSize
		case schema.SizeFull:
			b.Volumes[v.Name] = 0
		}
	}
	if spec.UsesLVM() {
		b.LvmOverhead = constants.LvmExtentOverhead * len(volumes)
	}
	return nil
}

// volumeContentSize sizes the tree of a volume without the volumes nested below it.
func volumeContentSize(v schema.Volume, volumes []schema.Volume, rootTree string, sizer RootTreeSizer) (int, error) {
	path := filepath.Join(rootTree, v.Path())
	var excludes []string
	for _, other := range volumes {
		if other.Name == v.Name || other.Swap {
			continue
		}
		otherPath := filepath.Join(rootTree, other.Path())
		if strings.HasPrefix(otherPath, internalUtils.AppendSlash(path)) {
			excludes = append(excludes, otherPath)
		}
	}
	content, err := sizer.Size(path, excludes...)
	if err != nil {
		return 0, fmt.Errorf("sizing volume %s: %w", v.Name, err)
	}
	return content, nil
}
