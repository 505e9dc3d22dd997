package diskformat

import (
	"fmt"
	"os"
	"sort"
	"strings"

	internalUtils "github.com/kairos-io/diskbuilder/internal/utils"
	"github.com/kairos-io/diskbuilder/pkg/schema"
	"github.com/twpayne/go-vfs/v4"
)

// DiskFormat turns the raw disk into a deliverable format.
type DiskFormat interface {
	// CreateImageFormat writes the converted image and returns its path.
	CreateImageFormat() (string, error)
	// ResizeRawDisk sets the raw disk to bytes, or grows it by bytes when appending.
	ResizeRawDisk(bytes int64, append bool) error
}

type qemuFormat struct {
	driver    string
	extension string
	options   []string
}

var qemuFormats = map[string]qemuFormat{
	"qcow2":    {driver: "qcow2", extension: "qcow2"},
	"vmdk":     {driver: "vmdk", extension: "vmdk"},
	"vhd":      {driver: "vpc", extension: "vhd"},
	"vhdfixed": {driver: "vpc", extension: "vhdfixed", options: []string{"force_size", "subformat=fixed"}},
	"vhdx":     {driver: "vhdx", extension: "vhdx"},
	"vdi":      {driver: "vdi", extension: "vdi"},
}

// New returns the DiskFormat for the named format, raw when empty.
func New(fs vfs.FS, runner internalUtils.Runner, rawImage, format string, options map[string]string) (DiskFormat, error) {
	raw := &Raw{fs: fs, path: rawImage}
	switch format {
	case "", "raw":
		return raw, nil
	case "gce":
		return &Gce{Raw: raw}, nil
	}
	q, ok := qemuFormats[format]
	if !ok {
		return nil, fmt.Errorf("%w: unsupported disk format %q", schema.ErrDiskFormat, format)
	}
	return &Qemu{Raw: raw, runner: runner, format: q, options: options}, nil
}

// Raw is the plain disk file.
type Raw struct {
	fs   vfs.FS
	path string
}

func NewRaw(fs vfs.FS, path string) *Raw {
	return &Raw{fs: fs, path: path}
}

func (r *Raw) CreateImageFormat() (string, error) {
	return r.path, nil
}

func (r *Raw) ResizeRawDisk(bytes int64, append bool) error {
	f, err := r.fs.OpenFile(r.path, os.O_RDWR, 0)
	if err != nil {
		return fmt.Errorf("%w: opening %s: %s", schema.ErrDiskFormat, r.path, err)
	}
	defer f.Close()
	info, err := f.Stat()
	if err != nil {
		return err
	}
	size := bytes
	if append {
		size = info.Size() + bytes
	}
	if size < info.Size() {
		return fmt.Errorf("%w: refusing to shrink %s from %d to %d bytes", schema.ErrDiskFormat, r.path, info.Size(), size)
	}
	internalUtils.Log.Debug().Str("image", r.path).Int64("from", info.Size()).Int64("to", size).Msg("resizing raw disk")
	return f.Truncate(size)
}

// targetPath replaces the .raw suffix of the disk with the extension.
func (r *Raw) targetPath(extension string) string {
	return fmt.Sprintf("%s.%s", strings.TrimSuffix(r.path, ".raw"), extension)
}

// Qemu converts with qemu-img.
type Qemu struct {
	*Raw
	runner  internalUtils.Runner
	format  qemuFormat
	options map[string]string
}

func (q *Qemu) CreateImageFormat() (string, error) {
	target := q.targetPath(q.format.extension)
	args := []string{"convert", "-f", "raw", q.path, "-O", q.format.driver}
	if opts := q.formatOptions(); opts != "" {
		args = append(args, "-o", opts)
	}
	args = append(args, target)
	if _, err := q.runner.Run("qemu-img", args...); err != nil {
		return "", fmt.Errorf("%w: converting %s to %s: %s", schema.ErrDiskFormat, q.path, q.format.extension, err)
	}
	return target, nil
}

// formatOptions renders the fixed options of the format followed by the requested ones, sorted.
func (q *Qemu) formatOptions() string {
	var opts []string
	for k, v := range q.options {
		if v == "" {
			opts = append(opts, k)
			continue
		}
		opts = append(opts, fmt.Sprintf("%s=%s", k, v))
	}
	sort.Strings(opts)
	return strings.Join(append(append([]string{}, q.format.options...), opts...), ",")
}
