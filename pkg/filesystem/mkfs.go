package filesystem

import (
	"fmt"
	"strings"
)

// mkfsCommand returns the tool and arguments creating fs on device.
func mkfsCommand(fs, label, device string) (string, []string, error) {
	switch {
	case strings.HasPrefix(fs, "ext"):
		args := []string{"-F", "-I", "256"}
		if label != "" {
			args = append(args, "-L", label)
		}
		return "mkfs." + fs, append(args, device), nil
	case fs == "xfs", fs == "btrfs":
		args := []string{"-f"}
		if label != "" {
			args = append(args, "-L", label)
		}
		return "mkfs." + fs, append(args, device), nil
	case fs == "vfat", fs == "fat16", fs == "fat32":
		fat := "-F16"
		if fs == "fat32" {
			fat = "-F32"
		}
		args := []string{fat, "-I"}
		if label != "" {
			args = append(args, "-n", label)
		}
		return "mkdosfs", append(args, device), nil
	case fs == "swap":
		args := []string{}
		if label != "" {
			args = append(args, "-L", label)
		}
		return "mkswap", append(args, device), nil
	}
	return "", nil, fmt.Errorf("unsupported filesystem %q", fs)
}
