package process

import (
	"runtime"
	"testing"

	"golang.org/x/text/encoding/simplifiedchinese"
	"golang.org/x/text/encoding/unicode"
)

func TestDecodeUTF8(t *testing.T) {
	t.Parallel()

	if got := Decode([]byte("Vorgang erfolgreich beendet.")); got != "Vorgang erfolgreich beendet." {
		t.Fatalf("Decode = %q", got)
	}
	if got := Decode(append([]byte{0xEF, 0xBB, 0xBF}, "ok"...)); got != "ok" {
		t.Fatalf("BOM not stripped: %q", got)
	}
}

func TestDecodeUTF16WithBOM(t *testing.T) {
	t.Parallel()

	encoded, err := unicode.UTF16(unicode.LittleEndian, unicode.UseBOM).NewEncoder().Bytes([]byte("Deployment Image"))
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if got := Decode(encoded); got != "Deployment Image" {
		t.Fatalf("Decode = %q", got)
	}
}

func TestDecodeGBK(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("locale code page takes precedence on windows")
	}
	t.Setenv("LC_ALL", "")
	t.Setenv("LC_CTYPE", "")
	t.Setenv("LANG", "")

	encoded, err := simplifiedchinese.GBK.NewEncoder().Bytes([]byte("操作成功完成"))
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if got := Decode(encoded); got != "操作成功完成" {
		t.Fatalf("Decode = %q", got)
	}
}

func TestDecodeNeverFails(t *testing.T) {
	t.Parallel()

	got := Decode([]byte{0xFF, 0x81, 0x00, 0xFE})
	if got == "" {
		t.Fatalf("lossy decode should always produce output")
	}
}

func TestCodePageEncoding(t *testing.T) {
	t.Parallel()

	if codePageEncoding(936) != simplifiedchinese.GBK {
		t.Fatalf("936 should map to GBK")
	}
	if codePageEncoding(12345) != nil {
		t.Fatalf("unknown code page should map to nil")
	}
}
