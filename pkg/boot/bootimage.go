package boot

import (
	"path/filepath"
	"sort"

	"github.com/twpayne/go-vfs/v4"
)

// TreeBootImage finds the kernel and initrd in the boot directory of a tree.
type TreeBootImage struct {
	root   string
	kernel string
	initrd string
}

func NewTreeBootImage(fs vfs.FS, root string) TreeBootImage {
	return TreeBootImage{
		root:   root,
		kernel: firstMatch(fs, root, "vmlinuz", "vmlinuz-*", "Image", "Image-*", "vmlinux-*"),
		initrd: firstMatch(fs, root, "initrd", "initrd-*", "initramfs-*"),
	}
}

func (t TreeBootImage) KernelName() string { return t.kernel }
func (t TreeBootImage) InitrdName() string { return t.initrd }
func (t TreeBootImage) BootRoot() string   { return t.root }

func firstMatch(fs vfs.FS, root string, patterns ...string) string {
	for _, p := range patterns {
		matches, err := fs.Glob(filepath.Join(root, "boot", p))
		if err != nil || len(matches) == 0 {
			continue
		}
		sort.Strings(matches)
		return filepath.Base(matches[0])
	}
	return ""
}
