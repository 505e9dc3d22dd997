package utils

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/avast/retry-go"
	"github.com/containerd/containerd/mount"
	"github.com/deniswernert/go-fstab"
	"github.com/moby/sys/mountinfo"
)

// Mounter mounts and unmounts filesystems of the image under construction.
type Mounter interface {
	Mount(source, target, fsType string, options []string) error
	Unmount(target string) error
	IsMounted(target string) (bool, error)
}

type RealMounter struct{}

func (m RealMounter) Mount(source, target, fsType string, options []string) error {
	mounted, err := m.IsMounted(target)
	if err != nil {
		return err
	}
	if mounted {
		return fmt.Errorf("%w: %s", ErrAlreadyMounted, target)
	}
	return mount.All([]mount.Mount{{Type: fsType, Source: source, Options: options}}, target)
}

// Unmount retries for a while, devices may stay busy right after a sync.
func (m RealMounter) Unmount(target string) error {
	return retry.Do(
		func() error { return mount.UnmountAll(target, 0) },
		retry.Attempts(5),
		retry.Delay(500*time.Millisecond),
		retry.LastErrorOnly(true),
	)
}

func (m RealMounter) IsMounted(target string) (bool, error) {
	return mountinfo.Mounted(target)
}

// MountToFstab transforms a mount.Mount into a fstab.Mount so we can transform existing mounts into the fstab format.
func MountToFstab(m mount.Mount) *fstab.Mount {
	opts := map[string]string{}
	for _, o := range m.Options {
		if strings.Contains(o, "=") {
			dat := strings.SplitN(o, "=", 2)
			opts[dat[0]] = dat[1]
		} else {
			opts[o] = ""
		}
	}
	return &fstab.Mount{
		Spec:    m.Source,
		VfsType: m.Type,
		MntOps:  opts,
		Freq:    0,
		PassNo:  0,
	}
}

// FstabOptions parses a comma separated option string into the fstab options map.
func FstabOptions(options string) map[string]string {
	if options == "" {
		options = "defaults"
	}
	return MountToFstab(mount.Mount{Options: strings.Split(options, ",")}).MntOps
}

// FstabLine renders an entry with its options sorted, fstab.Mount.String walks a map.
func FstabLine(m *fstab.Mount) string {
	var opts []string
	for k, v := range m.MntOps {
		if v != "" {
			opts = append(opts, fmt.Sprintf("%s=%s", k, v))
		} else {
			opts = append(opts, k)
		}
	}
	sort.Strings(opts)
	if len(opts) == 0 {
		opts = []string{"defaults"}
	}
	return fmt.Sprintf("%s %s %s %s %d %d", m.Spec, m.File, m.VfsType, strings.Join(opts, ","), m.Freq, m.PassNo)
}
