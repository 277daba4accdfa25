//go:build !unix

package fs

import "os"

// FileLock holds the lock file open. Platforms without flock get no
// exclusion.
type FileLock struct {
	f *os.File
}

// Lock opens path, creating it if needed.
func Lock(path string) (*FileLock, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0600)
	if err != nil {
		return nil, err
	}
	return &FileLock{f: f}, nil
}

// Release closes the lock file. It is safe to call twice.
func (l *FileLock) Release() error {
	if l == nil || l.f == nil {
		return nil
	}
	err := l.f.Close()
	l.f = nil
	return err
}
