package diskformat

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/diskfs/go-diskfs"
	"github.com/diskfs/go-diskfs/partition/gpt"
	internalUtils "github.com/kairos-io/diskbuilder/internal/utils"
	"github.com/kairos-io/diskbuilder/pkg/schema"
	"github.com/twpayne/go-vfs/v4"
)

const (
	bootCodeSize   = 446
	mbrEntriesEnd  = 510
	mbrEntrySize   = 16
	mbrEntryType   = 4
	gptProtectType = 0xEE
)

// Converter grows and converts finished raw disks.
type Converter struct {
	fs     vfs.FS
	runner internalUtils.Runner
}

func NewConverter(fs vfs.FS, runner internalUtils.Runner) *Converter {
	return &Converter{fs: fs, runner: runner}
}

// AppendUnpartitioned grows the raw disk by extraBytes of unpartitioned space.
func (c *Converter) AppendUnpartitioned(ctx context.Context, rawImage string, extraBytes int64) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if extraBytes <= 0 {
		return nil
	}
	if err := growRaw(c.fs, rawImage, extraBytes, true); err != nil {
		return err
	}
	internalUtils.Log.Info().Str("image", rawImage).Int64("bytes", extraBytes).Msg("appended unpartitioned space")
	return nil
}

// growRaw resizes the raw disk. A GPT is rewritten so the backup header lands at the new end,
// partition data stays untouched.
func growRaw(fs vfs.FS, rawImage string, bytes int64, append bool) error {
	sector0, err := readSector0(fs, rawImage)
	if err != nil && !errors.Is(err, io.EOF) && !errors.Is(err, io.ErrUnexpectedEOF) {
		return fmt.Errorf("%w: reading mbr of %s: %s", schema.ErrDiskFormat, rawImage, err)
	}
	if err = NewRaw(fs, rawImage).ResizeRawDisk(bytes, append); err != nil {
		return err
	}
	if sector0 == nil || !protectiveMBR(sector0) {
		return nil
	}
	return relocateBackupGPT(fs, rawImage, sector0)
}

func relocateBackupGPT(fs vfs.FS, rawImage string, sector0 []byte) error {
	raw, err := fs.RawPath(rawImage)
	if err != nil {
		return err
	}
	d, err := diskfs.Open(raw)
	if err != nil {
		return fmt.Errorf("%w: opening %s: %s", schema.ErrDiskFormat, rawImage, err)
	}
	defer d.File.Close()
	table, err := d.GetPartitionTable()
	if err != nil {
		return fmt.Errorf("%w: reading partition table of %s: %s", schema.ErrDiskFormat, rawImage, err)
	}
	t, ok := table.(*gpt.Table)
	if !ok {
		return nil
	}
	relocated := &gpt.Table{
		ProtectiveMBR:      t.ProtectiveMBR,
		GUID:               t.GUID,
		LogicalSectorSize:  t.LogicalSectorSize,
		PhysicalSectorSize: t.PhysicalSectorSize,
	}
	for _, p := range t.Partitions {
		if p == nil || p.Type == gpt.Unused {
			continue
		}
		relocated.Partitions = append(relocated.Partitions, &gpt.Partition{
			Start:      p.Start,
			End:        p.End,
			Size:       p.Size,
			Type:       p.Type,
			Name:       p.Name,
			GUID:       p.GUID,
			Attributes: p.Attributes,
		})
	}
	if err = d.Partition(relocated); err != nil {
		return fmt.Errorf("%w: relocating gpt of %s: %s", schema.ErrDiskFormat, rawImage, err)
	}
	return restoreSector0(d.File, sector0)
}

// Convert writes the requested format next to the raw disk and returns its path.
func (c *Converter) Convert(ctx context.Context, rawImage, format string, options map[string]string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	f, err := New(c.fs, c.runner, rawImage, format, options)
	if err != nil {
		return "", err
	}
	return f.CreateImageFormat()
}

func readSector0(fs vfs.FS, path string) ([]byte, error) {
	f, err := fs.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	buf := make([]byte, 512)
	if _, err = io.ReadFull(f, buf); err != nil {
		return nil, err
	}
	return buf, nil
}

// restoreSector0 puts back the boot code and mbr id overwritten by the protective mbr,
// and the partition entries of a hybrid mbr.
func restoreSector0(f *os.File, sector0 []byte) error {
	end := bootCodeSize
	if hybridMBR(sector0) {
		end = mbrEntriesEnd
	}
	if _, err := f.WriteAt(sector0[:end], 0); err != nil {
		return fmt.Errorf("%w: restoring mbr: %s", schema.ErrDiskFormat, err)
	}
	return nil
}

// protectiveMBR reports a gpt protective entry in the mbr.
func protectiveMBR(sector0 []byte) bool {
	for i := 0; i < 4; i++ {
		if sector0[bootCodeSize+i*mbrEntrySize+mbrEntryType] == gptProtectType {
			return true
		}
	}
	return false
}

// hybridMBR reports mbr entries other than the gpt protective one.
func hybridMBR(sector0 []byte) bool {
	for i := 0; i < 4; i++ {
		t := sector0[bootCodeSize+i*mbrEntrySize+mbrEntryType]
		if t != 0 && t != gptProtectType {
			return true
		}
	}
	return false
}
