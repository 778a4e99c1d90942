//go:build !unix

package storage

import "os"

// Advisory locking is only wired on unix; elsewhere the lock file is just held open.
func lockDirectory(path string) (*os.File, error) {
	return os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o600)
}

func unlockDirectory(f *os.File) error {
	return f.Close()
}

// Directory entries cannot be synced through os.File here.
func syncDirectory(dir string) error {
	return nil
}
