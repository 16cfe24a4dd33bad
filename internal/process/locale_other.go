//go:build !windows

package process

import (
	"os"
	"strings"

	"golang.org/x/text/encoding"
	"golang.org/x/text/encoding/ianaindex"
)

func localeEncoding() encoding.Encoding {
	for _, key := range []string{"LC_ALL", "LC_CTYPE", "LANG"} {
		value := os.Getenv(key)
		if value == "" {
			continue
		}
		return charsetEncoding(value)
	}
	return nil
}

// charsetEncoding extracts the charset from a POSIX locale such as "zh_CN.GB18030@euro".
func charsetEncoding(locale string) encoding.Encoding {
	_, charset, ok := strings.Cut(locale, ".")
	if !ok {
		return nil
	}
	charset, _, _ = strings.Cut(charset, "@")
	enc, err := ianaindex.IANA.Encoding(charset)
	if err != nil {
		return nil
	}
	return enc
}
