package budget

import (
	"errors"
	"math"
	"os"
	"path/filepath"
	"strings"

	"github.com/kairos-io/diskbuilder/internal/constants"
	"github.com/twpayne/go-vfs/v4"
)

// RootTreeSizer reports the mbytes a tree needs once stored on the target filesystem.
// Paths listed in exclude are not accounted.
type RootTreeSizer interface {
	Size(path string, exclude ...string) (int, error)
}

// TreeSizer walks a tree on a vfs.FS and applies the filesystem overhead multiplier.
type TreeSizer struct {
	fs         vfs.FS
	filesystem string
}

func NewTreeSizer(fs vfs.FS, filesystem string) TreeSizer {
	return TreeSizer{fs: fs, filesystem: filesystem}
}

func (t TreeSizer) Size(path string, exclude ...string) (int, error) {
	if _, err := t.fs.Lstat(path); errors.Is(err, os.ErrNotExist) {
		return 0, nil
	}
	var bytes int64
	var files int64
	skip := map[string]bool{}
	for _, d := range constants.TreeSizerSkipDirs() {
		skip[filepath.Join(path, d)] = true
	}
	for _, e := range exclude {
		skip[filepath.Clean(e)] = true
	}

	err := vfs.Walk(t.fs, path, func(p string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if p != path && skip[filepath.Clean(p)] {
			if info.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		files++
		if info.Mode().IsRegular() {
			bytes += info.Size()
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	mbytes := float64(bytes) / (1024 * 1024)
	return int(math.Ceil(t.customize(mbytes, files))), nil
}

func (t TreeSizer) customize(mbytes float64, files int64) float64 {
	switch {
	case strings.HasPrefix(t.filesystem, "ext"):
		mbytes *= constants.TreeSizeMultiplier
		inodeMbytes := float64(files*constants.DefaultInodeSize) / (1024 * 1024)
		mbytes += 2 * inodeMbytes
	case t.filesystem == "xfs", strings.HasPrefix(t.filesystem, "btrfs"):
		mbytes *= constants.TreeSizeMultiplier
	}
	return mbytes
}
