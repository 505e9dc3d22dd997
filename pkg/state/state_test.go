package state_test

import (
	"context"
	"fmt"
	"strings"

	"github.com/avast/retry-go"
	"github.com/kairos-io/diskbuilder/internal/mocks"
	"github.com/kairos-io/diskbuilder/pkg/boot"
	"github.com/kairos-io/diskbuilder/pkg/device"
	"github.com/kairos-io/diskbuilder/pkg/schema"
	"github.com/kairos-io/diskbuilder/pkg/state"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/spectrocloud-labs/herd"
	"github.com/twpayne/go-vfs/v4"
	"github.com/twpayne/go-vfs/v4/vfst"
)

var _ = Describe("build pipeline", func() {
	var g *herd.Graph
	var fs vfs.FS
	var cleanup func()
	var runner *mocks.FakeRunner
	var mounter *mocks.FakeMounter
	var spec schema.BuildSpec

	BeforeEach(func() {
		var err error
		g = herd.DAG()
		fs, cleanup, err = vfst.NewTestFS(map[string]interface{}{
			"/dev/loop0p1":        "",
			"/dev/loop0p2":        "",
			"/dev/loop0p3":        "",
			"/root/etc/fstab":     "",
			"/root/boot/vmlinuz":  "kernel",
			"/root/boot/initrd":   "initrd",
			"/root/usr/bin/bash":  "binary",
			"/root/home/user/.rc": "rc",
			"/work":               &vfst.Dir{Perm: 0o755},
			"/out":                &vfst.Dir{Perm: 0o755},
		})
		Expect(err).ToNot(HaveOccurred())
		runner = mocks.NewFakeRunner()
		runner.SideEffect = func(command string, args ...string) ([]byte, error) {
			switch command {
			case "losetup":
				if args[0] == "-f" {
					return []byte("/dev/loop0\n"), nil
				}
			case "blkid":
				return []byte(fmt.Sprintf("%s-%s\n", strings.ToLower(args[2]), strings.TrimPrefix(args[0], "/dev/"))), nil
			case "vgs":
				return []byte(""), nil
			}
			return []byte{}, nil
		}
		mounter = mocks.NewFakeMounter()
		spec = schema.BuildSpec{ImageName: "scenario", RootTree: "/root", TargetDir: "/out"}
	})
	AfterEach(func() {
		cleanup()
	})

	newState := func() *state.State {
		return &state.State{
			Spec:          spec.WithDefaults(),
			Platform:      schema.NewPlatform("x86_64"),
			Workdir:       "/work",
			Fs:            fs,
			Runner:        runner,
			Mounter:       mounter,
			BootLoader:    boot.Noop{},
			BootInstaller: boot.Noop{},
			MapperOptions: []device.MapperOption{device.WithSettleRetries(retry.Attempts(1), retry.LastErrorOnly(true))},
		}
	}

	Context("registering", func() {
		It("chains every stage after the previous one", func() {
			s := newState()
			Expect(s.Register(g)).To(Succeed())
			dag := g.Analyze()

			Expect(len(dag)).To(Equal(13), s.WriteDAG(g))
			for _, layer := range dag {
				Expect(len(layer)).To(Equal(1), s.WriteDAG(g))
			}
			Expect(dag[0][0].Name).To(Equal("validate-config"))
			Expect(dag[1][0].Name).To(Equal("compute-size"))
			Expect(dag[2][0].Name).To(Equal("plan-partitions"))
			Expect(dag[3][0].Name).To(Equal("materialize-disk"))
			Expect(dag[4][0].Name).To(Equal("layer-devices"))
			Expect(dag[5][0].Name).To(Equal("format-filesystems"))
			Expect(dag[6][0].Name).To(Equal("write-metadata"))
			Expect(dag[7][0].Name).To(Equal("populate-filesystems"))
			Expect(dag[8][0].Name).To(Equal("install-bootloader"))
			Expect(dag[9][0].Name).To(Equal("release-devices"))
			Expect(dag[10][0].Name).To(Equal("append-unpartitioned"))
			Expect(dag[11][0].Name).To(Equal("convert-format"))
			Expect(dag[12][0].Name).To(Equal("write-result"))
		})
		It("builds the read-only image before sizing an overlay root", func() {
			spec.OverlayRoot = true
			s := newState()
			Expect(s.Register(g)).To(Succeed())
			dag := g.Analyze()

			Expect(len(dag)).To(Equal(14), s.WriteDAG(g))
			Expect(dag[1][0].Name).To(Equal("build-readonly-image"))
			Expect(dag[2][0].Name).To(Equal("compute-size"))
		})
	})

	Context("building", func() {
		It("builds an efi disk with a boot partition", func() {
			bootPart := true
			spec.Firmware = schema.FirmwareEFI
			spec.BootPartition = &bootPart
			s := newState()
			Expect(s.Register(g)).To(Succeed())
			Expect(s.Build(context.Background(), g)).To(Succeed())

			Expect(s.Table().Label).To(Equal("gpt"))
			Expect(s.Table().Roles()).To(Equal([]schema.Role{schema.RoleEFI, schema.RoleBoot, schema.RoleRoot}))
			Expect(s.Table().Entries[2].AllFree).To(BeTrue())
			Expect(s.Devices().Roles()).To(Equal([]schema.Role{schema.RoleBoot, schema.RoleEFI, schema.RoleRoot}))

			fstab, err := fs.ReadFile("/root/etc/fstab")
			Expect(err).ToNot(HaveOccurred())
			lines := strings.Split(strings.TrimSpace(string(fstab)), "\n")
			Expect(lines).To(HaveLen(3))
			Expect(lines[0]).To(HavePrefix("UUID=uuid-loop0p3 / ext4"))
			Expect(lines[1]).To(HavePrefix("UUID=uuid-loop0p2 /boot ext4"))
			Expect(lines[2]).To(HavePrefix("UUID=uuid-loop0p1 /boot/efi vfat"))

			Expect(runner.MatchMilestones([][]string{
				{"losetup", "-f", "-P", "--show", "/out/scenario.raw"},
				{"mkdosfs"},
				{"mkfs.ext4"},
				{"blkid"},
				{"rsync"},
				{"losetup", "-d", "/dev/loop0"},
			})).To(Succeed())
			Expect(mounter.Mounts).To(BeEmpty())
			Expect(s.Session().Pending()).To(BeEmpty())

			_, err = fs.Stat("/out/scenario.raw")
			Expect(err).ToNot(HaveOccurred())
			Expect(s.Output()).To(Equal("/out/scenario.raw"))
			result, err := fs.ReadFile("/out/scenario.result.yaml")
			Expect(err).ToNot(HaveOccurred())
			Expect(string(result)).To(ContainSubstring("filename: /out/scenario.raw"))
		})
		It("replaces the root by lvm volumes", func() {
			spec.Firmware = schema.FirmwareEFI
			spec.VolumeManager = schema.VolumeManagerLVM
			spec.Volumes = []schema.Volume{{Name: "usr_lib", Size: "1024M"}}
			s := newState()
			Expect(s.Register(g)).To(Succeed())
			Expect(s.Build(context.Background(), g)).To(Succeed())

			Expect(s.Table().Roles()).To(Equal([]schema.Role{schema.RoleEFI, schema.RoleBoot, schema.RoleLvmPV}))
			root, ok := s.Devices().Get(schema.RoleRoot)
			Expect(ok).To(BeTrue())
			Expect(root.Path).To(Equal("/dev/systemVG/LVRoot"))

			Expect(runner.MatchMilestones([][]string{
				{"pvcreate", "/dev/loop0p3"},
				{"vgcreate", "systemVG", "/dev/loop0p3"},
				{"lvcreate", "-L"},
				{"lvcreate", "-l", "+100%FREE", "-n", "LVRoot", "systemVG"},
				{"vgchange", "-an", "systemVG"},
				{"losetup", "-d", "/dev/loop0"},
			})).To(Succeed())

			fstab, err := fs.ReadFile("/root/etc/fstab")
			Expect(err).ToNot(HaveOccurred())
			lines := strings.Split(strings.TrimSpace(string(fstab)), "\n")
			Expect(lines).To(HaveLen(4))
			Expect(lines[0]).To(HavePrefix("/dev/systemVG/LVRoot / "))
			Expect(lines[1]).To(HavePrefix("/dev/systemVG/usr_lib /usr/lib "))
			Expect(lines[2]).To(HavePrefix("UUID=uuid-loop0p2 /boot "))
			Expect(lines[3]).To(HavePrefix("UUID=uuid-loop0p1 /boot/efi "))
		})
		It("rejects an overlay root on a volume manager before creating any device", func() {
			spec.OverlayRoot = true
			spec.VolumeManager = schema.VolumeManagerLVM
			s := newState()
			Expect(s.Register(g)).To(Succeed())
			Expect(s.Build(context.Background(), g)).To(MatchError(schema.ErrVolumeManagerSetup))
			Expect(runner.Cmds).To(BeEmpty())
			_, err := fs.Stat("/out/scenario.raw")
			Expect(err).To(HaveOccurred())
		})
		It("names the offending attribute of custom partition control", func() {
			spec.CustomPartitionControl = true
			spec.BootPartSize = 500
			spec.Partitions = []schema.CustomPartition{{Name: "root", Size: "all_free", Mountpoint: "/", Filesystem: "ext4", Root: true}}
			s := newState()
			Expect(s.Register(g)).To(Succeed())
			err := s.Build(context.Background(), g)
			Expect(err).To(MatchError(schema.ErrDiskConfig))
			Expect(err.Error()).To(ContainSubstring("bootpartsize"))
			Expect(runner.Cmds).To(BeEmpty())
		})
		It("releases every resource when a stage fails", func() {
			runner.SideEffect = func(command string, args ...string) ([]byte, error) {
				switch command {
				case "losetup":
					if args[0] == "-f" {
						return []byte("/dev/loop0\n"), nil
					}
				case "rsync":
					return nil, fmt.Errorf("rsync failed")
				}
				return []byte{}, nil
			}
			s := newState()
			Expect(s.Register(g)).To(Succeed())
			err := s.Build(context.Background(), g)
			Expect(err).To(HaveOccurred())
			Expect(err.Error()).To(ContainSubstring("rsync failed"))
			Expect(mounter.Mounts).To(BeEmpty())
			Expect(runner.IncludesCmds([][]string{{"losetup", "-d", "/dev/loop0"}})).To(Succeed())
			Expect(s.Session().Pending()).To(BeEmpty())
			Expect(runner.IndexOf("qemu-img")).To(Equal(-1))
		})
		It("stops at a cancelled context", func() {
			ctx, cancel := context.WithCancel(context.Background())
			cancel()
			s := newState()
			Expect(s.Register(g)).To(Succeed())
			Expect(s.Build(ctx, g)).To(HaveOccurred())
			Expect(runner.Cmds).To(BeEmpty())
		})
	})
})
