package filesystem

import (
	"context"
	"fmt"
	"path/filepath"

	"github.com/containerd/containerd/mount"
	internalUtils "github.com/kairos-io/diskbuilder/internal/utils"
	"github.com/kairos-io/diskbuilder/pkg/op"
	"github.com/kairos-io/diskbuilder/pkg/schema"
)

// Populate mounts the image layout below the mount root and syncs the root tree into it.
// Mounts stay registered in the session, the bootloader installation runs on the mounted layout.
func (p *Populator) Populate(ctx context.Context, sm schema.StorageMap, rootTree string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	var synced []schema.FilesystemHandle
	for _, h := range sm.Handles {
		if h.Filesystem == "swap" || h.Mountpoint == "" {
			continue
		}
		if h.Role == schema.RoleRoot && h.Filesystem == "squashfs" {
			if err := p.copyReadOnlyImage(h); err != nil {
				return err
			}
			continue
		}
		if err := p.mount(sm.MountRoot, h); err != nil {
			return err
		}
		if h.Volume == "" || h.Role == schema.RoleRoot {
			synced = append(synced, h)
		}
	}

	for _, h := range synced {
		source := filepath.Join(rootTree, h.Source)
		target := filepath.Join(sm.MountRoot, h.Mountpoint)
		internalUtils.Log.Info().Str("role", string(h.Role)).Str("source", source).Str("target", target).Msg("syncing")
		if err := internalUtils.SyncTree(p.runner, source, target, h.Excludes); err != nil {
			return fmt.Errorf("syncing %s into %s (%s): %w", source, h.Role, h.Device, err)
		}
	}
	return nil
}

func (p *Populator) mount(mountRoot string, h schema.FilesystemHandle) error {
	target := filepath.Join(mountRoot, h.Mountpoint)
	m := op.MountOperation{
		MountOption: mount.Mount{Type: h.Filesystem, Source: h.Device, Options: h.MountOptions},
		Target:      target,
		PrepareCallback: func() error {
			return internalUtils.CreateIfNotExists(p.fs, target)
		},
	}
	if err := m.Run(p.mounter, p.session); err != nil {
		return fmt.Errorf("mounting %s (%s): %w", h.Role, h.Device, err)
	}
	return nil
}

func (p *Populator) copyReadOnlyImage(h schema.FilesystemHandle) error {
	if h.Source == "" || !internalUtils.Exists(p.fs, h.Source) {
		return fmt.Errorf("%w: read-only root image %q not found", schema.ErrDiskConfig, h.Source)
	}
	internalUtils.Log.Info().Str("image", h.Source).Str("device", h.Device).Msg("copying read-only root")
	if _, err := p.runner.Run("dd", "if="+h.Source, "of="+h.Device, "bs=1M", "conv=fsync"); err != nil {
		return fmt.Errorf("copying read-only root onto %s: %w", h.Device, err)
	}
	return nil
}
