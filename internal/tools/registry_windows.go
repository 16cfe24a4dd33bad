//go:build windows

package tools

import (
	"strings"

	"golang.org/x/sys/windows"
	"golang.org/x/sys/windows/registry"
)

const installedRootsKey = `SOFTWARE\Microsoft\Windows Kits\Installed Roots`

func registryKitRoots() []string {
	var roots []string
	for _, access := range []uint32{registry.WOW64_32KEY, registry.WOW64_64KEY} {
		key, err := registry.OpenKey(registry.LOCAL_MACHINE, installedRootsKey, registry.QUERY_VALUE|access)
		if err != nil {
			continue
		}
		if value, _, err := key.GetStringValue("KitsRoot10"); err == nil && value != "" {
			roots = append(roots, strings.TrimRight(value, `\`))
		}
		key.Close()
	}
	return roots
}

// ShortPath returns the 8.3 form of path when the volume supports it.
// The kit's batch scripts break on long paths containing spaces.
func ShortPath(path string) string {
	long, err := windows.UTF16PtrFromString(path)
	if err != nil {
		return path
	}
	buf := make([]uint16, windows.MAX_LONG_PATH)
	n, err := windows.GetShortPathName(long, &buf[0], uint32(len(buf)))
	if err != nil || n == 0 || int(n) > len(buf) {
		return path
	}
	return windows.UTF16ToString(buf[:n])
}
