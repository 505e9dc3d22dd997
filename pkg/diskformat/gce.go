package diskformat

import (
	"archive/tar"
	"fmt"
	"io"

	"github.com/kairos-io/diskbuilder/internal/constants"
	internalUtils "github.com/kairos-io/diskbuilder/internal/utils"
	"github.com/kairos-io/diskbuilder/pkg/schema"
	"github.com/klauspost/pgzip"
)

const gb = int64(constants.GceRoundUpBoundaryMB) * 1024 * 1024

// Gce packs the disk as the disk.raw member of a gzipped GNU tar, sized to whole GB.
type Gce struct {
	*Raw
}

func (g *Gce) CreateImageFormat() (string, error) {
	info, err := g.fs.Stat(g.path)
	if err != nil {
		return "", fmt.Errorf("%w: %s", schema.ErrDiskFormat, err)
	}
	if rest := info.Size() % gb; rest != 0 {
		if err = growRaw(g.fs, g.path, info.Size()+gb-rest, false); err != nil {
			return "", err
		}
	}

	target := g.targetPath("tar.gz")
	internalUtils.Log.Info().Str("image", g.path).Str("target", target).Msg("compressing raw image into a tar.gz")
	if err = g.pack(target); err != nil {
		return "", fmt.Errorf("%w: packing %s: %s", schema.ErrDiskFormat, target, err)
	}
	return target, nil
}

func (g *Gce) pack(target string) (err error) {
	file, err := g.fs.Create(target)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := file.Close(); err == nil {
			err = cerr
		}
	}()
	gz, err := pgzip.NewWriterLevel(file, pgzip.BestSpeed)
	if err != nil {
		return err
	}
	tw := tar.NewWriter(gz)

	source, err := g.fs.Open(g.path)
	if err != nil {
		return err
	}
	defer source.Close()
	info, err := source.Stat()
	if err != nil {
		return err
	}
	header := &tar.Header{
		Name:    "disk.raw",
		Size:    info.Size(),
		Mode:    0o644,
		ModTime: info.ModTime(),
		Format:  tar.FormatGNU,
	}
	if err = tw.WriteHeader(header); err != nil {
		return err
	}
	if _, err = io.Copy(tw, source); err != nil {
		return err
	}
	if err = tw.Close(); err != nil {
		return err
	}
	return gz.Close()
}
