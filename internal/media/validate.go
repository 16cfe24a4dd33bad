package media

import (
	"fmt"
	"os"

	"github.com/kdomanski/iso9660"
)

// ValidateISO checks that path carries a readable ISO 9660 volume. Images
// mastered as UDF-only still carry a bridge volume with a root directory.
func ValidateISO(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	image, err := iso9660.OpenImage(f)
	if err != nil {
		return fmt.Errorf("open iso image: %w", err)
	}
	root, err := image.RootDir()
	if err != nil {
		return fmt.Errorf("read iso root: %w", err)
	}
	if !root.IsDir() {
		return fmt.Errorf("iso root is not a directory")
	}
	if _, err := root.GetChildren(); err != nil {
		return fmt.Errorf("list iso root: %w", err)
	}
	return nil
}
