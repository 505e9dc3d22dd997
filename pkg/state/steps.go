package state

import (
	"context"
	"fmt"
	"path/filepath"

	cnst "github.com/kairos-io/diskbuilder/internal/constants"
	internalUtils "github.com/kairos-io/diskbuilder/internal/utils"
	"github.com/kairos-io/diskbuilder/pkg/boot"
	"github.com/kairos-io/diskbuilder/pkg/budget"
	"github.com/kairos-io/diskbuilder/pkg/device"
	"github.com/kairos-io/diskbuilder/pkg/diskformat"
	"github.com/kairos-io/diskbuilder/pkg/filesystem"
	"github.com/kairos-io/diskbuilder/pkg/partition"
	"github.com/kairos-io/diskbuilder/pkg/schema"
	"github.com/spectrocloud-labs/herd"
)

// Register adds the disk build stages to the graph, each one depending on the previous.
func (s *State) Register(g *herd.Graph) error {
	steps := []func(*herd.Graph, ...string) (string, error){
		s.ValidateConfigDagStep,
	}
	if s.Spec.OverlayRoot {
		steps = append(steps, s.BuildReadOnlyImageDagStep)
	}
	steps = append(steps,
		s.ComputeSizeDagStep,
		s.PlanPartitionsDagStep,
		s.MaterializeDiskDagStep,
		s.LayerDevicesDagStep,
		s.FormatFilesystemsDagStep,
		s.WriteMetadataDagStep,
		s.PopulateFilesystemsDagStep,
		s.InstallBootloaderDagStep,
		s.ReleaseDevicesDagStep,
		s.AppendUnpartitionedDagStep,
		s.ConvertFormatDagStep,
		s.WriteResultDagStep,
	)

	var deps []string
	for _, add := range steps {
		name, err := add(g, deps...)
		if err != nil {
			return s.LogIfErrorAndReturn(err, "registering "+name)
		}
		deps = []string{name}
	}
	return nil
}

func (s *State) image() string {
	if s.Spec.TargetDevice != "" {
		return ""
	}
	return s.Spec.ImagePath()
}

func (s *State) rootTree() string {
	return s.Spec.RootTree
}

// ValidateConfigDagStep rejects invalid descriptions before anything is touched.
func (s *State) ValidateConfigDagStep(g *herd.Graph, deps ...string) (string, error) {
	return cnst.OpValidateConfig, g.Add(cnst.OpValidateConfig,
		herd.WithDeps(deps...),
		herd.WithCallback(s.step(cnst.OpValidateConfig, func(_ context.Context) error {
			if err := boot.ValidateInstallMedia(s.Spec); err != nil {
				return err
			}
			if err := partition.Validate(s.Spec); err != nil {
				return err
			}
			if s.Spec.VolumeManager != schema.VolumeManagerNone {
				if _, err := schema.VolumeList(s.Spec); err != nil {
					return err
				}
			}
			return nil
		})),
	)
}

func (s *State) populator(table schema.PartitionTable) *filesystem.Populator {
	return filesystem.NewPopulator(s.Fs, s.Runner, s.Mounter, s.Session(), s.Spec, table, s.Workdir)
}

// BuildReadOnlyImageDagStep packs the root tree into the squashfs of an overlay root.
func (s *State) BuildReadOnlyImageDagStep(g *herd.Graph, deps ...string) (string, error) {
	return cnst.OpBuildReadOnlyImage, g.Add(cnst.OpBuildReadOnlyImage,
		herd.WithDeps(deps...),
		herd.WithCallback(s.step(cnst.OpBuildReadOnlyImage, func(ctx context.Context) (err error) {
			s.ReadOnlyImage, s.ReadOnlyMBytes, err = s.populator(schema.PartitionTable{}).BuildReadOnlyImage(ctx, s.rootTree())
			return err
		})),
	)
}

// ComputeSizeDagStep computes the disk size budget from the root tree.
func (s *State) ComputeSizeDagStep(g *herd.Graph, deps ...string) (string, error) {
	return cnst.OpComputeSize, g.Add(cnst.OpComputeSize,
		herd.WithDeps(deps...),
		herd.WithCallback(s.step(cnst.OpComputeSize, func(_ context.Context) (err error) {
			sizer := s.Sizer
			if sizer == nil {
				sizer = budget.NewTreeSizer(s.Fs, s.Spec.Filesystem)
			}
			var opts []budget.Option
			if s.ReadOnlyImage != "" {
				opts = append(opts, budget.WithReadOnlyImage(s.ReadOnlyImage, s.ReadOnlyMBytes))
			}
			s.budget, err = budget.Compute(s.Spec, s.Platform, s.rootTree(), sizer, opts...)
			if err == nil {
				internalUtils.Log.Info().Int("mbytes", s.budget.Total()).Msg("disk size computed")
			}
			return err
		})),
	)
}

// PlanPartitionsDagStep orders the partitions of the disk.
func (s *State) PlanPartitionsDagStep(g *herd.Graph, deps ...string) (string, error) {
	return cnst.OpPlanPartitions, g.Add(cnst.OpPlanPartitions,
		herd.WithDeps(deps...),
		herd.WithCallback(s.step(cnst.OpPlanPartitions, func(_ context.Context) (err error) {
			s.table, err = partition.Plan(s.Spec, s.Platform, s.budget)
			if err == nil {
				for i, e := range s.table.Entries {
					internalUtils.Log.Debug().Int("number", i+1).Str("role", string(e.Role)).Str("name", e.Name).Int("mbytes", e.MBytes).Bool("all_free", e.AllFree).Msg("planned partition")
				}
			}
			return err
		})),
	)
}

func (s *State) mapper() *device.Mapper {
	opts := []device.MapperOption{device.WithWorkdir(s.Workdir)}
	if s.Spec.TargetDevice != "" {
		opts = append(opts, device.WithTargetDevice(s.Spec.TargetDevice))
	}
	return device.NewMapper(s.Fs, s.Runner, s.Mounter, s.Session(), append(opts, s.MapperOptions...)...)
}

// MaterializeDiskDagStep creates the disk and maps its partitions.
func (s *State) MaterializeDiskDagStep(g *herd.Graph, deps ...string) (string, error) {
	return cnst.OpMaterializeDisk, g.Add(cnst.OpMaterializeDisk,
		herd.WithDeps(deps...),
		herd.WithCallback(s.step(cnst.OpMaterializeDisk, func(ctx context.Context) (err error) {
			s.devices, err = s.mapper().Materialize(ctx, s.Spec.ImagePath(), s.budget, s.table)
			return err
		})),
	)
}

// LayerDevicesDagStep stacks raid, luks and the volume manager on the root partition.
func (s *State) LayerDevicesDagStep(g *herd.Graph, deps ...string) (string, error) {
	return cnst.OpLayerDevices, g.Add(cnst.OpLayerDevices,
		herd.WithDeps(deps...),
		herd.WithCallback(s.step(cnst.OpLayerDevices, func(ctx context.Context) error {
			dm, err := s.mapper().Layer(ctx, s.devices, s.Spec, s.budget)
			if err != nil {
				return err
			}
			s.devices = dm
			return nil
		})),
	)
}

// FormatFilesystemsDagStep creates the filesystems of every role.
func (s *State) FormatFilesystemsDagStep(g *herd.Graph, deps ...string) (string, error) {
	return cnst.OpFormatFilesystems, g.Add(cnst.OpFormatFilesystems,
		herd.WithDeps(deps...),
		herd.WithCallback(s.step(cnst.OpFormatFilesystems, func(ctx context.Context) (err error) {
			s.storage, err = s.populator(s.table).Format(ctx, s.devices, s.budget)
			return err
		})),
	)
}

func (s *State) integration() *boot.Integration {
	return boot.NewIntegration(s.Fs, s.Runner, s.Spec, s.Platform, s.rootTree(), s.bootImage())
}

func (s *State) bootImage() boot.BootImage {
	if s.BootImage == nil {
		s.BootImage = boot.NewTreeBootImage(s.Fs, s.rootTree())
	}
	return s.BootImage
}

// WriteMetadataDagStep writes partids, mbrid, boot options and fstab into the root tree.
func (s *State) WriteMetadataDagStep(g *herd.Graph, deps ...string) (string, error) {
	return cnst.OpWriteMetadata, g.Add(cnst.OpWriteMetadata,
		herd.WithDeps(deps...),
		herd.WithCallback(s.step(cnst.OpWriteMetadata, func(ctx context.Context) error {
			return s.integration().WriteMetadata(ctx, s.devices, s.storage)
		})),
	)
}

// PopulateFilesystemsDagStep mounts the filesystems and syncs the root tree into them.
func (s *State) PopulateFilesystemsDagStep(g *herd.Graph, deps ...string) (string, error) {
	return cnst.OpPopulateFilesystems, g.Add(cnst.OpPopulateFilesystems,
		herd.WithDeps(deps...),
		herd.WithCallback(s.step(cnst.OpPopulateFilesystems, func(ctx context.Context) error {
			return s.populator(s.table).Populate(ctx, s.storage, s.rootTree())
		})),
	)
}

// InstallBootloaderDagStep configures and installs the bootloader.
func (s *State) InstallBootloaderDagStep(g *herd.Graph, deps ...string) (string, error) {
	return cnst.OpInstallBootloader, g.Add(cnst.OpInstallBootloader,
		herd.WithDeps(deps...),
		herd.WithCallback(s.step(cnst.OpInstallBootloader, func(ctx context.Context) error {
			config, installer := s.BootLoader, s.BootInstaller
			if config == nil || installer == nil {
				config, installer = boot.Collaborators(s.Fs, s.Runner, s.Mounter, s.Platform, s.Spec, s.bootImage())
			}
			return s.integration().InstallBootloader(ctx, config, installer, s.devices, s.storage)
		})),
	)
}

// ReleaseDevicesDagStep unmounts and detaches everything so the disk file can be grown and converted.
func (s *State) ReleaseDevicesDagStep(g *herd.Graph, deps ...string) (string, error) {
	return cnst.OpReleaseDevices, g.Add(cnst.OpReleaseDevices,
		herd.WithDeps(deps...),
		herd.WithCallback(s.step(cnst.OpReleaseDevices, func(_ context.Context) error {
			return s.Session().Close()
		})),
	)
}

// AppendUnpartitionedDagStep grows the raw disk by the requested unpartitioned space.
func (s *State) AppendUnpartitionedDagStep(g *herd.Graph, deps ...string) (string, error) {
	return cnst.OpAppendUnpartitioned, g.Add(cnst.OpAppendUnpartitioned,
		herd.WithDeps(deps...),
		herd.WithCallback(s.step(cnst.OpAppendUnpartitioned, func(ctx context.Context) error {
			if s.image() == "" || s.Spec.UnpartitionedBytes == 0 {
				return nil
			}
			return diskformat.NewConverter(s.Fs, s.Runner).AppendUnpartitioned(ctx, s.image(), s.Spec.UnpartitionedBytes)
		})),
	)
}

// ConvertFormatDagStep writes the requested disk format next to the raw disk.
func (s *State) ConvertFormatDagStep(g *herd.Graph, deps ...string) (string, error) {
	return cnst.OpConvertFormat, g.Add(cnst.OpConvertFormat,
		herd.WithDeps(deps...),
		herd.WithCallback(s.step(cnst.OpConvertFormat, func(ctx context.Context) (err error) {
			if s.image() == "" {
				s.output = s.Spec.TargetDevice
				return nil
			}
			s.output, err = diskformat.NewConverter(s.Fs, s.Runner).Convert(ctx, s.image(), s.Spec.Format, s.Spec.FormatOptions)
			return err
		})),
	)
}

// WriteResultDagStep records the artifacts and checks the install media handoff.
func (s *State) WriteResultDagStep(g *herd.Graph, deps ...string) (string, error) {
	return cnst.OpWriteResult, g.Add(cnst.OpWriteResult,
		herd.WithDeps(deps...),
		herd.WithCallback(s.step(cnst.OpWriteResult, func(_ context.Context) error {
			s.result = schema.NewBuildResult(s.Spec.ImageName, s.Spec.Version)
			if s.image() == "" {
				s.result.Add("disk_device", schema.ResultFile{Filename: s.Spec.TargetDevice})
			} else {
				s.result.Add("disk_image", schema.ResultFile{Filename: s.image(), UseForBundle: s.output == s.image(), Compress: true, Shasum: true})
				if s.output != s.image() {
					s.result.Add("disk_format_image", schema.ResultFile{Filename: s.output, UseForBundle: true, Shasum: true})
				}
				if s.Spec.InstallMedia() {
					if err := boot.CheckInstallMediaArtifact(s.Fs, s.image()); err != nil {
						return err
					}
					s.result.Add("installation_image", schema.ResultFile{Filename: s.image()})
				}
			}
			s.result.Add("partition_ids", schema.ResultFile{Filename: filepath.Join(s.rootTree(), cnst.PartitionIDsFile)})
			if err := internalUtils.CreateIfNotExists(s.Fs, s.Spec.TargetDir); err != nil {
				return err
			}
			path, err := s.result.Write(s.Fs, s.Spec.TargetDir)
			if err != nil {
				return fmt.Errorf("writing build result: %w", err)
			}
			internalUtils.Log.Info().Str("result", path).Str("output", s.output).Msg("build finished")
			return nil
		})),
	)
}
