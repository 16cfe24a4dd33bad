package process

import (
	"bytes"
	"strings"
	"unicode/utf8"

	"golang.org/x/text/encoding"
	"golang.org/x/text/encoding/charmap"
	"golang.org/x/text/encoding/japanese"
	"golang.org/x/text/encoding/korean"
	"golang.org/x/text/encoding/simplifiedchinese"
	"golang.org/x/text/encoding/traditionalchinese"
	"golang.org/x/text/encoding/unicode"
)

var utf8BOM = []byte{0xEF, 0xBB, 0xBF}

// Decode turns raw tool output into a string. It tries UTF-8, the locale
// encoding, then GBK, and finally falls back to ISO-8859-1, which accepts any input.
func Decode(raw []byte) string {
	if len(raw) == 0 {
		return ""
	}
	if bytes.HasPrefix(raw, utf8BOM) {
		raw = raw[len(utf8BOM):]
	}
	if len(raw) >= 2 && raw[0] == 0xFF && raw[1] == 0xFE {
		if s, ok := strictDecode(unicode.UTF16(unicode.LittleEndian, unicode.ExpectBOM), raw); ok {
			return s
		}
	}
	if utf8.Valid(raw) {
		return string(raw)
	}
	if enc := localeEncoding(); enc != nil {
		if s, ok := strictDecode(enc, raw); ok {
			return s
		}
	}
	if s, ok := strictDecode(simplifiedchinese.GBK, raw); ok {
		return s
	}
	out, err := charmap.ISO8859_1.NewDecoder().Bytes(raw)
	if err != nil {
		return strings.ToValidUTF8(string(raw), "?")
	}
	return string(out)
}

func strictDecode(enc encoding.Encoding, raw []byte) (string, bool) {
	out, err := enc.NewDecoder().Bytes(raw)
	if err != nil || !utf8.Valid(out) || bytes.ContainsRune(out, utf8.RuneError) {
		return "", false
	}
	return string(out), true
}

// codePageEncoding maps a Windows code page identifier to its decoder.
func codePageEncoding(cp uint32) encoding.Encoding {
	switch cp {
	case 437:
		return charmap.CodePage437
	case 850:
		return charmap.CodePage850
	case 852:
		return charmap.CodePage852
	case 866:
		return charmap.CodePage866
	case 874:
		return charmap.Windows874
	case 932:
		return japanese.ShiftJIS
	case 936:
		return simplifiedchinese.GBK
	case 949:
		return korean.EUCKR
	case 950:
		return traditionalchinese.Big5
	case 1250:
		return charmap.Windows1250
	case 1251:
		return charmap.Windows1251
	case 1252:
		return charmap.Windows1252
	case 1253:
		return charmap.Windows1253
	case 1254:
		return charmap.Windows1254
	case 1255:
		return charmap.Windows1255
	case 1256:
		return charmap.Windows1256
	case 1257:
		return charmap.Windows1257
	case 1258:
		return charmap.Windows1258
	case 65001:
		return unicode.UTF8
	default:
		return nil
	}
}
