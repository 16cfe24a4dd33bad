//go:build windows

package process

import (
	"golang.org/x/sys/windows"
	"golang.org/x/text/encoding"
)

func localeEncoding() encoding.Encoding {
	return codePageEncoding(windows.GetACP())
}
