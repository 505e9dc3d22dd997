package schema

import (
	"fmt"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/kairos-io/diskbuilder/internal/constants"
)

type SizePolicy string

const (
	SizeFixed     SizePolicy = "size"
	SizeFreespace SizePolicy = "freespace"
	SizeFull      SizePolicy = "fullsize"
)

// VolumeSize is a parsed volume size declaration.
type VolumeSize struct {
	Policy SizePolicy
	MBytes int
}

// Volume is a logical volume or btrfs subvolume of the root device.
type Volume struct {
	Name          string `yaml:"name"`
	Size          string `yaml:"size,omitempty"`
	RealPath      string `yaml:"realpath,omitempty"`
	Mountpoint    string `yaml:"mountpoint,omitempty"`
	NoCopyOnWrite bool   `yaml:"nocow,omitempty"`
	Label         string `yaml:"label,omitempty"`
	Root          bool   `yaml:"root,omitempty"`
	Swap          bool   `yaml:"-"`
}

// ParseVolumeSize understands fullsize, all, freespace:N, size:N and plain sizes with an optional M or G suffix.
func ParseVolumeSize(s string) (VolumeSize, error) {
	s = strings.TrimSpace(s)
	switch {
	case s == "":
		return VolumeSize{Policy: SizeFreespace, MBytes: constants.MinVolumeSize}, nil
	case s == "fullsize", s == "all":
		return VolumeSize{Policy: SizeFull}, nil
	case strings.HasPrefix(s, "freespace:"):
		mb, err := parseMBytes(strings.TrimPrefix(s, "freespace:"))
		return VolumeSize{Policy: SizeFreespace, MBytes: mb}, err
	case strings.HasPrefix(s, "size:"):
		mb, err := parseMBytes(strings.TrimPrefix(s, "size:"))
		return VolumeSize{Policy: SizeFixed, MBytes: mb}, err
	default:
		mb, err := parseMBytes(s)
		return VolumeSize{Policy: SizeFixed, MBytes: mb}, err
	}
}

func parseMBytes(s string) (int, error) {
	multiplier := 1
	switch {
	case strings.HasSuffix(s, "G"):
		multiplier = 1024
		s = strings.TrimSuffix(s, "G")
	case strings.HasSuffix(s, "M"):
		s = strings.TrimSuffix(s, "M")
	}
	n, err := strconv.Atoi(s)
	if err != nil || n < 0 {
		return 0, fmt.Errorf("%w: invalid size %q", ErrVolumeManagerSetup, s)
	}
	return n * multiplier, nil
}

// ParsedSize returns the size policy, a parse error is a configuration error.
func (v Volume) ParsedSize() (VolumeSize, error) {
	return ParseVolumeSize(v.Size)
}

// Path is the path of the volume inside the root tree.
func (v Volume) Path() string {
	if v.Root {
		return "/"
	}
	if v.RealPath != "" {
		return filepath.Join("/", v.RealPath)
	}
	return filepath.Join("/", strings.ReplaceAll(v.Name, "_", "/"))
}

// MountPath is where the volume is mounted in the image, empty for swap.
func (v Volume) MountPath() string {
	if v.Swap {
		return ""
	}
	if v.Mountpoint != "" {
		return v.Mountpoint
	}
	return v.Path()
}

// VolumeList returns the canonical volume list of the build: the declared volumes,
// exactly one root volume and the swap volume when swap lives in LVM.
func VolumeList(spec BuildSpec) ([]Volume, error) {
	var volumes []Volume
	var root *Volume
	fullsize := 0
	for _, v := range spec.Volumes {
		if v.Name == "@root" || v.RealPath == "/" {
			v.Root = true
		}
		size, err := v.ParsedSize()
		if err != nil {
			return nil, err
		}
		if size.Policy == SizeFull {
			fullsize++
		}
		if v.Root {
			if root != nil {
				return nil, fmt.Errorf("%w: more than one root volume declared", ErrVolumeManagerSetup)
			}
			v.Name = constants.RootVolumeName
			r := v
			root = &r
			continue
		}
		if v.Name == "" {
			return nil, fmt.Errorf("%w: volume without a name", ErrVolumeManagerSetup)
		}
		volumes = append(volumes, v)
	}
	if fullsize > 1 {
		return nil, fmt.Errorf("%w: only one volume can be fullsize", ErrVolumeManagerSetup)
	}
	if root == nil {
		size := "fullsize"
		if fullsize > 0 {
			size = fmt.Sprintf("freespace:%d", constants.MinVolumeSize)
		}
		root = &Volume{Name: constants.RootVolumeName, Size: size, Root: true}
	}
	volumes = append([]Volume{*root}, volumes...)
	if spec.UsesLVM() && spec.SwapSize > 0 {
		volumes = append(volumes, Volume{
			Name:  constants.SwapVolumeName,
			Size:  fmt.Sprintf("size:%d", spec.SwapSize),
			Label: constants.SwapLabel,
			Swap:  true,
		})
	}
	return volumes, nil
}

// SortedByPath orders volumes by path depth and name, root first, so parents are created and mounted before children.
func SortedByPath(volumes []Volume) []Volume {
	sorted := make([]Volume, len(volumes))
	copy(sorted, volumes)
	sort.SliceStable(sorted, func(i, j int) bool {
		iDepth := strings.Count(strings.TrimRight(sorted[i].Path(), "/"), "/")
		jDepth := strings.Count(strings.TrimRight(sorted[j].Path(), "/"), "/")
		if iDepth == jDepth {
			return sorted[i].Path() < sorted[j].Path()
		}
		return iDepth < jDepth
	})
	return sorted
}
