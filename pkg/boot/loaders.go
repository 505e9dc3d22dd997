package boot

import (
	"fmt"

	"github.com/kairos-io/diskbuilder/pkg/schema"
)

func efiArch(platform schema.Platform) (grubTarget, shortName string) {
	switch platform.Arch {
	case "aarch64", "arm64":
		return "arm64-efi", "aa64"
	case "riscv64":
		return "riscv64-efi", "riscv64"
	default:
		return "x86_64-efi", "x64"
	}
}

func shimCandidates(platform schema.Platform) []string {
	_, short := efiArch(platform)
	return []string{
		fmt.Sprintf("usr/share/efi/%s/shim.efi", platform.Arch),
		"usr/lib64/efi/shim.efi",
		fmt.Sprintf("usr/lib/shim/shim%s.efi.signed", short),
		fmt.Sprintf("boot/efi/EFI/BOOT/boot%s.efi", short),
	}
}

func signedGrubCandidates(platform schema.Platform) []string {
	target, short := efiArch(platform)
	return []string{
		fmt.Sprintf("usr/share/efi/%s/grub.efi", platform.Arch),
		"usr/lib64/efi/grub.efi",
		fmt.Sprintf("usr/lib/grub/%s-signed/grub%s.efi.signed", target, short),
	}
}
