// Package privilege reports whether the process may service offline images.
package privilege

import "github.com/cochaviz/peforge/internal/fault"

// Checker answers whether the current process runs elevated.
type Checker interface {
	Elevated() (bool, error)
}

// CheckerFunc adapts a function to Checker.
type CheckerFunc func() (bool, error)

func (f CheckerFunc) Elevated() (bool, error) { return f() }

// Process checks the token of the running process.
var Process Checker = CheckerFunc(elevated)

// Require returns a Permission fault unless c reports elevation.
func Require(c Checker, op string) error {
	if c == nil {
		c = Process
	}
	ok, err := c.Elevated()
	if err != nil {
		return fault.Wrapf(fault.Permission, op, err, "query elevation")
	}
	if !ok {
		return fault.New(fault.Permission, op, "administrator privileges are required")
	}
	return nil
}
