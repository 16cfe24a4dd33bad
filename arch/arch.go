package arch

import (
	"fmt"
	"sort"
	"strings"
)

// Architecture is the processor architecture name the deployment toolkit uses
// for its directory layout and command arguments.
type Architecture string

const (
	AMD64 Architecture = "amd64"
	X86   Architecture = "x86"
	ARM64 Architecture = "arm64"
)

// Supported returns the full list of supported architectures.
func Supported() []Architecture {
	return []Architecture{AMD64, X86, ARM64}
}

// IsValid reports whether a matches a supported architecture value.
func (a Architecture) IsValid() bool {
	switch a {
	case AMD64, X86, ARM64:
		return true
	default:
		return false
	}
}

// String returns the architecture as string.
func (a Architecture) String() string {
	return string(a)
}

// DefaultLoader is the file name firmware loads from EFI/Boot on this architecture.
func (a Architecture) DefaultLoader() string {
	switch a {
	case X86:
		return "bootia32.efi"
	case ARM64:
		return "bootaa64.efi"
	default:
		return "bootx64.efi"
	}
}

// Parse returns the canonical Architecture for the provided string or an error if unsupported.
func Parse(value string) (Architecture, error) {
	if arch := Normalize(value); arch != "" {
		return arch, nil
	}
	return "", fmt.Errorf("unsupported architecture %q (supported: %s)", value, strings.Join(supportedStrings(), ", "))
}

// MustParse is like Parse but panics on error.
func MustParse(value string) Architecture {
	arch, err := Parse(value)
	if err != nil {
		panic(err)
	}
	return arch
}

// Normalize maps common aliases onto a canonical Architecture. Returns ""
// when the string cannot be normalized.
func Normalize(value string) Architecture {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "amd64", "x86_64", "x86-64", "x64":
		return AMD64
	case "x86", "i386", "i686", "386", "ia32":
		return X86
	case "arm64", "aarch64":
		return ARM64
	default:
		return ""
	}
}

func supportedStrings() []string {
	all := Supported()
	out := make([]string, 0, len(all))
	for _, a := range all {
		out = append(out, a.String())
	}
	sort.Strings(out)
	return out
}
