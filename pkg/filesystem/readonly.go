package filesystem

import (
	"context"
	"fmt"
	"path/filepath"

	"github.com/kairos-io/diskbuilder/internal/constants"
	internalUtils "github.com/kairos-io/diskbuilder/internal/utils"
)

// BuildReadOnlyImage creates the squashfs overlay root image of the tree and returns its path and size in mbytes.
// The tree is told to include the overlay dracut module first, so the initrd built from it can boot the image.
func (p *Populator) BuildReadOnlyImage(ctx context.Context, rootTree string) (string, int, error) {
	if err := ctx.Err(); err != nil {
		return "", 0, err
	}
	conf := filepath.Join(rootTree, constants.DracutOverlayConf)
	if err := internalUtils.CreateIfNotExists(p.fs, filepath.Dir(conf)); err != nil {
		return "", 0, err
	}
	if err := p.fs.WriteFile(conf, []byte("add_dracutmodules+=\" kiwi-overlay \"\n"), 0o644); err != nil {
		return "", 0, err
	}

	if err := internalUtils.CreateIfNotExists(p.fs, p.workdir); err != nil {
		return "", 0, err
	}
	image := filepath.Join(p.workdir, p.spec.ImageName+".squashfs")
	if internalUtils.Exists(p.fs, image) {
		if err := p.fs.Remove(image); err != nil {
			return "", 0, err
		}
	}
	args := []string{rootTree, image, "-noappend", "-b", "1M", "-comp", "xz", "-wildcards"}
	for _, e := range ReadOnlyExcludes(SpecRootExcludes(p.spec)) {
		args = append(args, "-e", e)
	}
	if _, err := p.runner.Run("mksquashfs", args...); err != nil {
		return "", 0, fmt.Errorf("creating read-only root image: %w", err)
	}
	info, err := p.fs.Stat(image)
	if err != nil {
		return "", 0, fmt.Errorf("read-only root image not created: %w", err)
	}
	mbytes := int((info.Size() + 1024*1024 - 1) / (1024 * 1024))
	internalUtils.Log.Info().Str("image", image).Int("mbytes", mbytes).Msg("read-only root image created")
	return image, mbytes, nil
}
