package budget_test

import (
	"strings"

	"github.com/kairos-io/diskbuilder/pkg/budget"
	"github.com/kairos-io/diskbuilder/pkg/schema"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/twpayne/go-vfs/v4/vfst"
)

type fakeSizer struct {
	sizes    map[string]int
	excludes map[string][]string
}

func (f *fakeSizer) Size(path string, exclude ...string) (int, error) {
	if f.excludes == nil {
		f.excludes = map[string][]string{}
	}
	f.excludes[path] = exclude
	return f.sizes[path], nil
}

func boolPtr(b bool) *bool { return &b }

var _ = Describe("NeedsBootPartition", func() {
	It("is off for a plain image", func() {
		Expect(budget.NeedsBootPartition(schema.BuildSpec{Filesystem: "ext4"})).To(BeFalse())
	})
	It("follows an explicit request", func() {
		Expect(budget.NeedsBootPartition(schema.BuildSpec{BootPartition: boolPtr(true)})).To(BeTrue())
		Expect(budget.NeedsBootPartition(schema.BuildSpec{BootPartition: boolPtr(false), VolumeManager: schema.VolumeManagerLVM})).To(BeFalse())
	})
	It("is required by lvm, raid and overlay roots", func() {
		Expect(budget.NeedsBootPartition(schema.BuildSpec{VolumeManager: schema.VolumeManagerLVM})).To(BeTrue())
		Expect(budget.NeedsBootPartition(schema.BuildSpec{RaidLevel: schema.RaidMirroring})).To(BeTrue())
		Expect(budget.NeedsBootPartition(schema.BuildSpec{OverlayRoot: true})).To(BeTrue())
	})
	It("is required by the configured root filesystems", func() {
		spec := schema.BuildSpec{Filesystem: "xfs", BootPartitionFilesystems: []string{"xfs", "btrfs"}}
		Expect(budget.NeedsBootPartition(spec)).To(BeTrue())
		spec.Filesystem = "ext4"
		Expect(budget.NeedsBootPartition(spec)).To(BeFalse())
	})
	It("follows the declared partitions under custom control", func() {
		spec := schema.BuildSpec{CustomPartitionControl: true, VolumeManager: schema.VolumeManagerLVM}
		Expect(budget.NeedsBootPartition(spec)).To(BeFalse())
		spec.Partitions = []schema.CustomPartition{{Name: "boot", Size: "300M", Mountpoint: "/boot"}}
		Expect(budget.NeedsBootPartition(spec)).To(BeTrue())
	})
	It("gives the same answer every time", func() {
		spec := schema.BuildSpec{Filesystem: "xfs", BootPartitionFilesystems: []string{"xfs"}}
		first := budget.NeedsBootPartition(spec)
		for i := 0; i < 5; i++ {
			Expect(budget.NeedsBootPartition(spec)).To(Equal(first))
		}
	})
})

var _ = Describe("Compute", func() {
	var sizer *fakeSizer
	x86 := schema.NewPlatform("x86_64")

	BeforeEach(func() {
		sizer = &fakeSizer{sizes: map[string]int{
			"/root":         1000,
			"/root/usr/lib": 300,
			"/root/home":    20,
			"/root/srv":     40,
		}}
	})

	It("accounts an efi image with a plain root", func() {
		spec := schema.BuildSpec{Firmware: schema.FirmwareEFI, Filesystem: "ext4"}
		b, err := budget.Compute(spec, x86, "/root", sizer)
		Expect(err).ToNot(HaveOccurred())
		Expect(b.EfiBoot).To(Equal(200))
		Expect(b.BootPartition).To(Equal(0))
		Expect(b.LegacyBios).To(Equal(0))
		Expect(b.RootContent).To(Equal(1000))
		Expect(b.TableOverhead).To(Equal(2))
		Expect(b.Total()).To(Equal(1202))
		Expect(b.Labels.Root).To(Equal("ROOT"))
	})

	It("adds the hybrid bios, boot, swap and spare partitions", func() {
		spec := schema.BuildSpec{
			Firmware:      schema.FirmwareUEFI,
			HybridMBR:     true,
			BootPartition: boolPtr(true),
			BootPartSize:  300,
			EfiPartSize:   100,
			SwapSize:      256,
			SparePart:     &schema.SparePartition{Size: 50},
		}
		b, err := budget.Compute(spec, x86, "/root", sizer)
		Expect(err).ToNot(HaveOccurred())
		Expect(b.LegacyBios).To(Equal(2))
		Expect(b.EfiBoot).To(Equal(100))
		Expect(b.BootPartition).To(Equal(300))
		Expect(b.Swap).To(Equal(256))
		Expect(b.Spare).To(Equal(50))
		Expect(b.Calculated()).To(Equal(2 + 100 + 300 + 256 + 50 + 1000 + 2))
	})

	It("adds a prep partition on ofw power machines", func() {
		spec := schema.BuildSpec{Firmware: schema.FirmwareOFW}
		b, err := budget.Compute(spec, schema.NewPlatform("ppc64le"), "/root", sizer)
		Expect(err).ToNot(HaveOccurred())
		Expect(b.Prep).To(Equal(8))
	})

	It("uses the zipl label on s390", func() {
		b, err := budget.Compute(schema.BuildSpec{}, schema.NewPlatform("s390x"), "/root", sizer)
		Expect(err).ToNot(HaveOccurred())
		Expect(b.Labels.Boot).To(Equal("ZIPL"))
	})

	It("accounts lvm volumes", func() {
		spec := schema.BuildSpec{
			VolumeManager: schema.VolumeManagerLVM,
			SwapSize:      512,
			Volumes: []schema.Volume{
				{Name: "usr_lib", Size: "1024M"},
				{Name: "home", Size: "freespace:100"},
			},
		}
		b, err := budget.Compute(spec, x86, "/root", sizer)
		Expect(err).ToNot(HaveOccurred())
		Expect(b.NeedsBoot).To(BeTrue())
		Expect(b.Swap).To(Equal(0))
		Expect(b.Volumes).To(Equal(map[string]int{
			"LVRoot":  0,
			"usr_lib": 724,
			"home":    130,
			"LVSwap":  512,
		}))
		Expect(b.VolumeContent["usr_lib"]).To(Equal(300))
		Expect(b.LvmOverhead).To(Equal(16))
		Expect(b.RootContent).To(Equal(1000))
		Expect(b.VolumeContent["LVRoot"]).To(Equal(1000))
		Expect(sizer.excludes["/root"]).To(ConsistOf("/root/usr/lib", "/root/home"))
	})

	It("fails when a fixed volume is smaller than its content", func() {
		spec := schema.BuildSpec{
			VolumeManager: schema.VolumeManagerLVM,
			Volumes:       []schema.Volume{{Name: "usr_lib", Size: "size:100"}},
		}
		_, err := budget.Compute(spec, x86, "/root", sizer)
		Expect(err).To(MatchError(schema.ErrVolumeTooSmall))
		Expect(err.Error()).To(ContainSubstring("usr_lib"))
	})

	It("reports malformed volume sizes", func() {
		spec := schema.BuildSpec{
			VolumeManager: schema.VolumeManagerBtrfs,
			Volumes:       []schema.Volume{{Name: "home", Size: "freespace:lots"}},
		}
		_, err := budget.Compute(spec, x86, "/root", sizer)
		Expect(err).To(MatchError(schema.ErrVolumeManagerSetup))
	})

	It("excludes partition mountpoints from the root", func() {
		spec := schema.BuildSpec{Partitions: []schema.CustomPartition{{Name: "srv", Size: "100M", Mountpoint: "/srv"}}}
		b, err := budget.Compute(spec, x86, "/root", sizer)
		Expect(err).ToNot(HaveOccurred())
		Expect(b.CustomPartitions).To(Equal(map[string]int{"srv": 100}))
		Expect(sizer.excludes["/root"]).To(ConsistOf("/root/srv"))
	})

	It("fails when a custom partition cannot hold its content", func() {
		spec := schema.BuildSpec{Partitions: []schema.CustomPartition{{Name: "srv", Size: "10M", Mountpoint: "/srv"}}}
		_, err := budget.Compute(spec, x86, "/root", sizer)
		Expect(err).To(MatchError(schema.ErrVolumeTooSmall))
	})

	It("only accounts declared partitions under custom control", func() {
		spec := schema.BuildSpec{
			Firmware:               schema.FirmwareEFI,
			CustomPartitionControl: true,
			SwapSize:               512,
			Partitions: []schema.CustomPartition{
				{Name: "efi", Size: "100M", Type: schema.TypeEFI, Mountpoint: "/boot/efi"},
				{Name: "p.lxroot", Root: true},
			},
		}
		b, err := budget.Compute(spec, x86, "/root", sizer)
		Expect(err).ToNot(HaveOccurred())
		Expect(b.EfiBoot).To(Equal(0))
		Expect(b.Swap).To(Equal(0))
		Expect(b.CustomPartitions).To(Equal(map[string]int{"efi": 100}))
		Expect(b.RootContent).To(Equal(1000))
	})

	It("takes the overlay root from the read-only image", func() {
		spec := schema.BuildSpec{OverlayRoot: true}
		b, err := budget.Compute(spec, x86, "/root", sizer, budget.WithReadOnlyImage("/work/root.squashfs", 400))
		Expect(err).ToNot(HaveOccurred())
		Expect(b.ReadOnlyImage).To(Equal("/work/root.squashfs"))
		Expect(b.RootContent).To(Equal(410))
		Expect(b.BootPartition).To(Equal(200))
	})

	It("never budgets an empty root", func() {
		b, err := budget.Compute(schema.BuildSpec{}, x86, "/empty", sizer)
		Expect(err).ToNot(HaveOccurred())
		Expect(b.RootContent).To(Equal(30))
		Expect(b.Total()).To(Equal(32))
	})

	It("applies the size override", func() {
		spec := schema.BuildSpec{DiskSize: &schema.DiskSizeOverride{MBytes: 500}}
		b, err := budget.Compute(spec, x86, "/root", sizer)
		Expect(err).ToNot(HaveOccurred())
		Expect(b.Calculated()).To(Equal(1002))
		Expect(b.Total()).To(Equal(500))

		spec.DiskSize.Additive = true
		b, err = budget.Compute(spec, x86, "/root", sizer)
		Expect(err).ToNot(HaveOccurred())
		Expect(b.Total()).To(Equal(1502))
	})
})

var _ = Describe("TreeSizer", func() {
	It("sums the regular files and skips excluded and virtual trees", func() {
		mb := strings.Repeat("x", 1024*1024)
		fs, cleanup, err := vfst.NewTestFS(map[string]interface{}{
			"/root/a":        mb,
			"/root/usr/b":    mb,
			"/root/srv/c":    mb,
			"/root/proc/big": mb + mb,
		})
		Expect(err).ToNot(HaveOccurred())
		defer cleanup()

		size, err := budget.NewTreeSizer(fs, "vfat").Size("/root", "/root/srv")
		Expect(err).ToNot(HaveOccurred())
		Expect(size).To(Equal(2))

		size, err = budget.NewTreeSizer(fs, "xfs").Size("/root", "/root/srv")
		Expect(err).ToNot(HaveOccurred())
		Expect(size).To(Equal(3))
	})
	It("rounds partial mbytes up", func() {
		fs, cleanup, err := vfst.NewTestFS(map[string]interface{}{"/root/etc/hostname": "tiny"})
		Expect(err).ToNot(HaveOccurred())
		defer cleanup()
		size, err := budget.NewTreeSizer(fs, "ext4").Size("/root")
		Expect(err).ToNot(HaveOccurred())
		Expect(size).To(Equal(1))
	})
	It("reports zero for a missing tree", func() {
		fs, cleanup, err := vfst.NewTestFS(map[string]interface{}{})
		Expect(err).ToNot(HaveOccurred())
		defer cleanup()
		size, err := budget.NewTreeSizer(fs, "ext4").Size("/missing")
		Expect(err).ToNot(HaveOccurred())
		Expect(size).To(Equal(0))
	})
})
