package arch

import "testing"

func TestNormalize(t *testing.T) {
	t.Parallel()

	cases := map[string]Architecture{
		"amd64":   AMD64,
		" X64 ":   AMD64,
		"x86_64":  AMD64,
		"i386":    X86,
		"aarch64": ARM64,
		"mips":    "",
	}
	for in, want := range cases {
		if got := Normalize(in); got != want {
			t.Fatalf("Normalize(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestParseRejectsUnknown(t *testing.T) {
	t.Parallel()

	if _, err := Parse("ppc64le"); err == nil {
		t.Fatalf("expected error for unsupported architecture")
	}
}

func TestDefaultLoader(t *testing.T) {
	t.Parallel()

	if AMD64.DefaultLoader() != "bootx64.efi" {
		t.Fatalf("unexpected amd64 loader %q", AMD64.DefaultLoader())
	}
	if ARM64.DefaultLoader() != "bootaa64.efi" {
		t.Fatalf("unexpected arm64 loader %q", ARM64.DefaultLoader())
	}
}
