package device_test

import (
	"github.com/diskfs/go-diskfs/partition/gpt"
	"github.com/diskfs/go-diskfs/partition/mbr"
	"github.com/kairos-io/diskbuilder/pkg/budget"
	"github.com/kairos-io/diskbuilder/pkg/device"
	"github.com/kairos-io/diskbuilder/pkg/partition"
	"github.com/kairos-io/diskbuilder/pkg/schema"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/twpayne/go-vfs/v4/vfst"
)

func boolPtr(b bool) *bool { return &b }

type treeSizes map[string]int

func (t treeSizes) Size(path string, _ ...string) (int, error) {
	return t[path], nil
}

// sectorsOf returns the size in bytes of every partition of the built table.
func sectorsOf(spec schema.BuildSpec, sizes budget.RootTreeSizer) (schema.PartitionTable, schema.SizeBudget, []uint64) {
	spec = spec.WithDefaults()
	x86 := schema.NewPlatform("x86_64")
	b, err := budget.Compute(spec, x86, "/root", sizes)
	Expect(err).ToNot(HaveOccurred())
	Expect(b.Total()).To(BeNumerically(">", 0))
	table, err := partition.Plan(spec, x86, b)
	Expect(err).ToNot(HaveOccurred())
	built, err := device.BuildTable(table, int64(b.Total())*mib, 512, 512)
	Expect(err).ToNot(HaveOccurred())

	var bytes []uint64
	switch t := built.(type) {
	case *gpt.Table:
		for _, p := range t.Partitions {
			bytes = append(bytes, (p.End-p.Start+1)*512)
		}
	case *mbr.Table:
		for _, p := range t.Partitions {
			bytes = append(bytes, uint64(p.Size)*512)
		}
	}
	Expect(bytes).To(HaveLen(len(table.Entries)))
	return table, b, bytes
}

var _ = Describe("computed disk sizes", func() {
	sizes := treeSizes{"/root": 800, "/root/usr/lib": 300}

	It("holds the root content next to an efi and boot partition", func() {
		table, b, bytes := sectorsOf(schema.BuildSpec{Firmware: schema.FirmwareEFI, Filesystem: "ext4", BootPartition: boolPtr(true)}, sizes)
		Expect(table.Roles()).To(Equal([]schema.Role{schema.RoleEFI, schema.RoleBoot, schema.RoleRoot}))
		Expect(bytes[0]).To(Equal(uint64(b.EfiBoot) * mib))
		Expect(bytes[1]).To(Equal(uint64(b.BootPartition) * mib))
		Expect(bytes[2]).To(BeNumerically(">=", uint64(800)*mib))
	})
	It("holds the root content on a hybrid layout", func() {
		spec := schema.BuildSpec{
			Firmware:      schema.FirmwareUEFI,
			HybridMBR:     true,
			Filesystem:    "ext4",
			BootPartition: boolPtr(true),
			SwapSize:      128,
			SparePart:     &schema.SparePartition{Size: 50},
		}
		table, _, bytes := sectorsOf(spec, sizes)
		root := len(table.Entries) - 1
		Expect(table.Entries[root].Role).To(Equal(schema.RoleRoot))
		Expect(bytes[root]).To(BeNumerically(">=", uint64(800)*mib))
	})
	It("holds the root and its spare when the spare goes last", func() {
		spec := schema.BuildSpec{
			Filesystem: "ext4",
			SparePart:  &schema.SparePartition{Size: 50, Placement: schema.SpareLast},
		}
		table, _, bytes := sectorsOf(spec, sizes)
		Expect(table.Roles()).To(Equal([]schema.Role{schema.RoleRoot, schema.RoleSpare}))
		Expect(bytes[0]).To(BeNumerically(">=", uint64(800)*mib))
		Expect(bytes[1]).To(BeNumerically(">=", uint64(50)*mib))
	})
	It("holds the volume group of an lvm layout", func() {
		spec := schema.BuildSpec{
			Firmware:      schema.FirmwareEFI,
			Filesystem:    "ext4",
			VolumeManager: schema.VolumeManagerLVM,
			Volumes:       []schema.Volume{{Name: "usr_lib", Size: "1024M"}},
		}
		table, b, bytes := sectorsOf(spec, sizes)
		Expect(table.Roles()).To(Equal([]schema.Role{schema.RoleEFI, schema.RoleBoot, schema.RoleLvmPV}))
		need := b.RootContent + b.LvmOverhead
		for _, v := range b.Volumes {
			need += v
		}
		Expect(bytes[2]).To(BeNumerically(">=", uint64(need)*mib))
	})
	It("gives a tiny tree a usable disk", func() {
		fs, cleanup, err := vfst.NewTestFS(map[string]interface{}{"/root/etc/hostname": "tiny"})
		Expect(err).ToNot(HaveOccurred())
		defer cleanup()
		_, b, bytes := sectorsOf(schema.BuildSpec{Filesystem: "ext4"}, budget.NewTreeSizer(fs, "ext4"))
		Expect(b.Total()).To(BeNumerically(">", 0))
		Expect(bytes[0]).To(BeNumerically(">=", uint64(b.RootContent)*mib))
	})
})
