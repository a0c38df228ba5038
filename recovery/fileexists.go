package recovery

import (
	"os"
	"path/filepath"
)

func fileExists(dir, name string) bool {
	_, err := os.Stat(filepath.Join(dir, name))
	return err == nil
}
