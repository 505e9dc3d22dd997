package partition_test

import (
	"github.com/kairos-io/diskbuilder/pkg/partition"
	"github.com/kairos-io/diskbuilder/pkg/schema"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

var _ = Describe("Validate", func() {
	It("accepts a plain build description", func() {
		Expect(partition.Validate(schema.BuildSpec{Firmware: schema.FirmwareBIOS})).To(Succeed())
	})
	It("rejects an unknown firmware", func() {
		Expect(partition.Validate(schema.BuildSpec{Firmware: "coreboot"})).To(MatchError(schema.ErrDiskConfig))
	})
	It("rejects overlay roots on a volume manager", func() {
		spec := schema.BuildSpec{Firmware: schema.FirmwareEFI, OverlayRoot: true, VolumeManager: schema.VolumeManagerLVM}
		Expect(partition.Validate(spec)).To(MatchError(schema.ErrVolumeManagerSetup))
	})
	It("rejects btrfs volumes on other filesystems", func() {
		spec := schema.BuildSpec{Firmware: schema.FirmwareEFI, VolumeManager: schema.VolumeManagerBtrfs, Filesystem: "xfs"}
		Expect(partition.Validate(spec)).To(MatchError(schema.ErrVolumeManagerSetup))
	})
	It("rejects unknown raid levels", func() {
		spec := schema.BuildSpec{Firmware: schema.FirmwareEFI, RaidLevel: "parity"}
		Expect(partition.Validate(spec)).To(MatchError(schema.ErrRaidSetup))
	})

	Context("custom partition control", func() {
		var spec schema.BuildSpec
		BeforeEach(func() {
			spec = schema.BuildSpec{
				Firmware:               schema.FirmwareEFI,
				CustomPartitionControl: true,
				Partitions: []schema.CustomPartition{
					{Name: "efi", Size: "100M", Type: schema.TypeEFI},
					{Name: "p.lxroot", Root: true},
				},
			}
		})
		It("accepts a single all free root", func() {
			Expect(partition.Validate(spec)).To(Succeed())
		})
		It("rejects the automatic layout attributes", func() {
			spec.BootPartSize = 300
			err := partition.Validate(spec)
			Expect(err).To(MatchError(schema.ErrDiskConfig))
			Expect(err.Error()).To(ContainSubstring("bootpartsize"))
		})
		It("rejects all free partitions that are not last", func() {
			spec.Partitions = append(spec.Partitions, schema.CustomPartition{Name: "data", Size: "100M"})
			Expect(partition.Validate(spec)).To(MatchError(schema.ErrDiskConfig))
		})
		It("needs exactly one root", func() {
			spec.Partitions[1].Root = false
			Expect(partition.Validate(spec)).To(MatchError(ContainSubstring("found 0")))
		})
	})
})

var _ = Describe("Plan", func() {
	x86 := schema.NewPlatform("x86_64")

	It("lays out an efi disk with a boot partition", func() {
		spec := schema.BuildSpec{Firmware: schema.FirmwareEFI, Filesystem: "xfs"}
		b := schema.SizeBudget{EfiBoot: 200, BootPartition: 200, NeedsBoot: true, RootContent: 1000}
		table, err := partition.Plan(spec, x86, b)
		Expect(err).ToNot(HaveOccurred())
		Expect(table.Label).To(Equal("gpt"))
		Expect(table.Roles()).To(Equal([]schema.Role{schema.RoleEFI, schema.RoleBoot, schema.RoleRoot}))
		Expect(table.Active).To(BeEmpty())

		boot, _ := table.Entry(schema.RoleBoot)
		Expect(boot.Filesystem).To(Equal("ext3"))
		Expect(boot.Name).To(Equal("p.lxboot"))
		root, _ := table.Entry(schema.RoleRoot)
		Expect(root.AllFree).To(BeTrue())
		Expect(root.Filesystem).To(Equal("xfs"))
		efi, _ := table.Entry(schema.RoleEFI)
		Expect(efi.Filesystem).To(Equal("vfat"))
		Expect(efi.MBytes).To(Equal(200))
	})

	It("orders every automatic partition", func() {
		spec := schema.BuildSpec{
			Firmware:     schema.FirmwareUEFI,
			HybridMBR:    true,
			Filesystem:   "ext4",
			BootPartName: "BOOT",
			SparePart:    &schema.SparePartition{Size: 50, Placement: schema.SpareEarly},
			Partitions:   []schema.CustomPartition{{Name: "var", Size: "500M", Mountpoint: "/var"}},
		}
		b := schema.SizeBudget{LegacyBios: 2, EfiBoot: 200, BootPartition: 200, NeedsBoot: true, Swap: 256, Spare: 50}
		table, err := partition.Plan(spec, x86, b)
		Expect(err).ToNot(HaveOccurred())
		var names []string
		for _, e := range table.Entries {
			names = append(names, e.Name)
		}
		Expect(names).To(Equal([]string{"p.legacy", "p.UEFI", "BOOT", "p.swap", "p.lxvar", "p.spare", "p.lxroot"}))
		Expect(table.HybridMBR).To(BeTrue())
		Expect(table.Active).To(Equal(schema.RoleBoot))
		boot, _ := table.Entry(schema.RoleBoot)
		Expect(boot.Filesystem).To(Equal("ext4"))
	})

	It("puts a last spare partition after a fixed size root", func() {
		spec := schema.BuildSpec{
			Firmware:   schema.FirmwareEFI,
			Filesystem: "ext4",
			SparePart:  &schema.SparePartition{Size: 100, Placement: schema.SpareLast},
		}
		b := schema.SizeBudget{EfiBoot: 200, Spare: 100, RootContent: 1000, TableOverhead: 2}
		table, err := partition.Plan(spec, x86, b)
		Expect(err).ToNot(HaveOccurred())
		Expect(table.Roles()).To(Equal([]schema.Role{schema.RoleEFI, schema.RoleRoot, schema.RoleSpare}))
		root, _ := table.Entry(schema.RoleRoot)
		Expect(root.AllFree).To(BeFalse())
		Expect(root.MBytes).To(Equal(b.RootContent))
		spare, _ := table.Entry(schema.RoleSpare)
		Expect(spare.AllFree).To(BeTrue())
		Expect(spare.Filesystem).To(Equal("ext4"))
	})

	It("uses a raid partition below lvm", func() {
		spec := schema.BuildSpec{Firmware: schema.FirmwareBIOS, RaidLevel: schema.RaidMirroring, VolumeManager: schema.VolumeManagerLVM}
		table, err := partition.Plan(spec, x86, schema.SizeBudget{BootPartition: 200, NeedsBoot: true})
		Expect(err).ToNot(HaveOccurred())
		Expect(table.Label).To(Equal("msdos"))
		Expect(table.Roles()).To(Equal([]schema.Role{schema.RoleBoot, schema.RoleRaid}))
		raid, _ := table.Entry(schema.RoleRaid)
		Expect(raid.Type).To(Equal(schema.TypeRaid))
	})

	It("uses an lvm physical volume", func() {
		spec := schema.BuildSpec{Firmware: schema.FirmwareBIOS, VolumeManager: schema.VolumeManagerLVM}
		table, err := partition.Plan(spec, x86, schema.SizeBudget{})
		Expect(err).ToNot(HaveOccurred())
		Expect(table.Roles()).To(Equal([]schema.Role{schema.RoleLvmPV}))
		Expect(table.Active).To(Equal(schema.RoleLvmPV))
	})

	It("stores the overlay root in a fixed size read-only partition", func() {
		spec := schema.BuildSpec{Firmware: schema.FirmwareEFI, OverlayRoot: true}
		table, err := partition.Plan(spec, x86, schema.SizeBudget{EfiBoot: 200, BootPartition: 200, NeedsBoot: true, RootContent: 410})
		Expect(err).ToNot(HaveOccurred())
		root, ok := table.Entry(schema.RoleRoot)
		Expect(ok).To(BeTrue())
		Expect(root.Name).To(Equal("p.lxreadonly"))
		Expect(root.Filesystem).To(Equal("squashfs"))
		Expect(root.MBytes).To(Equal(410))
		Expect(root.AllFree).To(BeFalse())
	})

	It("marks the prep partition active on ofw", func() {
		spec := schema.BuildSpec{Firmware: schema.FirmwareOFW}
		table, err := partition.Plan(spec, schema.NewPlatform("ppc64le"), schema.SizeBudget{Prep: 8})
		Expect(err).ToNot(HaveOccurred())
		Expect(table.Roles()).To(Equal([]schema.Role{schema.RolePrep, schema.RoleRoot}))
		Expect(table.Active).To(Equal(schema.RolePrep))
	})

	It("refuses more partitions than msdos can hold", func() {
		spec := schema.BuildSpec{
			Firmware: schema.FirmwareBIOS,
			Partitions: []schema.CustomPartition{
				{Name: "a", Size: "10M"}, {Name: "b", Size: "10M"}, {Name: "c", Size: "10M"},
			},
		}
		_, err := partition.Plan(spec, x86, schema.SizeBudget{BootPartition: 200, NeedsBoot: true})
		Expect(err).To(MatchError(schema.ErrDiskConfig))
		Expect(err.Error()).To(ContainSubstring("msdos table supports 4 primary partitions, 5 planned"))
	})

	It("refuses a second root outside custom control", func() {
		spec := schema.BuildSpec{Firmware: schema.FirmwareEFI, Partitions: []schema.CustomPartition{{Name: "sys", Size: "100M", Mountpoint: "/", Root: true}}}
		_, err := partition.Plan(spec, x86, schema.SizeBudget{EfiBoot: 200})
		Expect(err).To(MatchError(schema.ErrDiskConfig))
		Expect(err.Error()).To(ContainSubstring("custom partition control"))

		spec.Partitions[0].Root = false
		Expect(partition.Validate(spec)).To(MatchError(schema.ErrDiskConfig))
	})

	DescribeTable("refuses partition names the layout already uses",
		func(name string) {
			spec := schema.BuildSpec{Firmware: schema.FirmwareBIOS, Partitions: []schema.CustomPartition{{Name: name, Size: "100M", Mountpoint: "/data"}}}
			Expect(partition.Validate(spec)).To(MatchError(ContainSubstring("reserved")))
		},
		Entry("root", "root"),
		Entry("efi", "efi"),
		Entry("boot", "boot"),
		Entry("swap", "swap"),
	)

	It("refuses a partition declared twice", func() {
		spec := schema.BuildSpec{Firmware: schema.FirmwareBIOS, Partitions: []schema.CustomPartition{{Name: "data", Size: "10M"}, {Name: "data", Size: "20M"}}}
		Expect(partition.Validate(spec)).To(MatchError(ContainSubstring("declared twice")))
	})

	It("requires sizes on automatic custom partitions", func() {
		spec := schema.BuildSpec{Firmware: schema.FirmwareEFI, Partitions: []schema.CustomPartition{{Name: "data"}}}
		_, err := partition.Plan(spec, x86, schema.SizeBudget{})
		Expect(err).To(MatchError(schema.ErrDiskConfig))
	})

	It("keeps the declared order under custom control", func() {
		spec := schema.BuildSpec{
			Firmware:               schema.FirmwareEFI,
			Filesystem:             "ext4",
			CustomPartitionControl: true,
			SwapSize:               512,
			Partitions: []schema.CustomPartition{
				{Name: "efi", Size: "100M", Type: schema.TypeEFI, Mountpoint: "/boot/efi"},
				{Name: "swap", Size: "64M"},
				{Name: "home", Size: "300M", Mountpoint: "/home", Filesystem: "xfs"},
				{Name: "system", Root: true},
			},
		}
		table, err := partition.Plan(spec, x86, schema.SizeBudget{EfiBoot: 200, Swap: 512})
		Expect(err).ToNot(HaveOccurred())
		Expect(table.Roles()).To(Equal([]schema.Role{"efi", "swap", "home", schema.RoleRoot}))
		efi := table.Entries[0]
		Expect(efi.Filesystem).To(Equal("vfat"))
		Expect(efi.MBytes).To(Equal(100))
		swap := table.Entries[1]
		Expect(swap.Type).To(Equal(schema.TypeSwap))
		Expect(swap.Filesystem).To(Equal("swap"))
		home := table.Entries[2]
		Expect(home.Name).To(Equal("p.lxhome"))
		Expect(home.Filesystem).To(Equal("xfs"))
		root := table.Entries[3]
		Expect(root.AllFree).To(BeTrue())
		Expect(root.Mountpoint).To(Equal("/"))
		Expect(root.Filesystem).To(Equal("ext4"))
	})
})
