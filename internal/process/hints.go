package process

// Exit-code hints are attached to log records only. Nothing branches on them.
var exitHints = map[string]map[int64]string{
	"dism": {
		2:          "file not found; check the image, package or mount path",
		5:          "access denied; run from an elevated shell",
		50:         "request not supported; the mount directory may be in use",
		87:         "invalid parameter; check the argument syntax",
		740:        "elevation required",
		0x800f081f: "source files could not be found",
		0xc1420127: "image is already mounted",
	},
	"dismhost": {
		5: "access denied; run from an elevated shell",
	},
	"oscdimg": {
		1: "invalid arguments or unreadable boot sector file",
		2: "source directory not found",
		3: "output file could not be written",
	},
	"copype": {
		1: "deployment toolkit or preinstallation add-on missing or incomplete",
	},
	"makewinpemedia": {
		1: "invalid working directory or destination",
	},
	"bcdedit": {
		1: "store could not be created; requires elevation",
	},
}

// Hint returns a diagnostic for a tool's exit code, or "" if none is known.
func Hint(tool string, code int) string {
	if hints, ok := exitHints[tool]; ok {
		return hints[int64(code)]
	}
	return ""
}
