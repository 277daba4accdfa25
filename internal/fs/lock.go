package fs

import "errors"

// ErrLocked is returned by Lock when another holder owns the lock file.
var ErrLocked = errors.New("fs: lock held by another process")
