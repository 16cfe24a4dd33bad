package media

import (
	"path/filepath"

	"github.com/cochaviz/peforge/internal/fsutil"
)

// BootRecord describes which firmware the media can boot under.
type BootRecord int

const (
	BootNone BootRecord = iota
	BootBIOS
	BootUEFI
	BootDual
)

func (b BootRecord) String() string {
	switch b {
	case BootBIOS:
		return "bios"
	case BootUEFI:
		return "uefi"
	case BootDual:
		return "dual"
	default:
		return "none"
	}
}

// BootSectors are the boot images found in a tree. Either may be empty.
type BootSectors struct {
	BIOS string
	UEFI string
}

// Record derives the boot record from the sectors present.
func (s BootSectors) Record() BootRecord {
	switch {
	case s.BIOS != "" && s.UEFI != "":
		return BootDual
	case s.BIOS != "":
		return BootBIOS
	case s.UEFI != "":
		return BootUEFI
	default:
		return BootNone
	}
}

// DetectBootSectors looks for the El Torito boot images of the tree rooted at
// imageDir. Kit releases place them in fwfiles/ or bootbins/; the media tree
// itself is checked last.
func DetectBootSectors(imageDir string) BootSectors {
	first := func(candidates ...string) string {
		for _, c := range candidates {
			if fsutil.NonEmptyFile(c) {
				return c
			}
		}
		return ""
	}
	return BootSectors{
		BIOS: first(
			filepath.Join(imageDir, "fwfiles", "etfsboot.com"),
			filepath.Join(imageDir, "bootbins", "etfsboot.com"),
			filepath.Join(imageDir, "media", "Boot", "etfsboot.com"),
		),
		UEFI: first(
			filepath.Join(imageDir, "fwfiles", "efisys.bin"),
			filepath.Join(imageDir, "bootbins", "efisys.bin"),
			filepath.Join(imageDir, "media", "EFI", "Microsoft", "Boot", "efisys.bin"),
		),
	}
}

// Encoding is one attempt at the mastering tool's command line.
type Encoding struct {
	Name    string
	Flags   []string
	BootArg string
}

var (
	fullFlags = []string{"-m", "-o", "-u2", "-udfver102"}
	// The UDF flags are rejected by some tool releases when combined with the
	// short boot-entry forms, so the simplified encodings drop them.
	reducedFlags = []string{"-m", "-o"}
)

// Plan lists at most three encodings to try, most capable first. A tree with
// only a BIOS sector never attempts a dual-boot encoding. A dual tree that
// falls back to the BIOS encodings loses UEFI boot.
func Plan(sectors BootSectors) []Encoding {
	etfs, efisys := sectors.BIOS, sectors.UEFI
	bios := []Encoding{
		{Name: "bios", Flags: fullFlags, BootArg: "-bootdata:1#p0,e,b" + etfs},
		{Name: "bios-simplified", Flags: reducedFlags, BootArg: "-bootdata:1#p0,b" + etfs},
		{Name: "bios-simplest", Flags: reducedFlags, BootArg: "-b" + etfs},
	}
	switch sectors.Record() {
	case BootDual:
		dual := Encoding{Name: "dual", Flags: fullFlags, BootArg: "-bootdata:2#p0,e,b" + etfs + "#pEF,e,b" + efisys}
		return append([]Encoding{dual}, bios[:2]...)
	case BootBIOS:
		return bios
	case BootUEFI:
		return []Encoding{
			{Name: "uefi", Flags: fullFlags, BootArg: "-bootdata:1#pEF,e,b" + efisys},
			{Name: "uefi-simplified", Flags: reducedFlags, BootArg: "-bootdata:1#pEF,e,b" + efisys},
		}
	default:
		return []Encoding{{Name: "plain", Flags: fullFlags}}
	}
}
