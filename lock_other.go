//go:build !unix

package ufsck

import "os"

// Advisory locking is not available here; callers must make sure the
// image is not in use.
func lockFile(*os.File) error { return nil }

func unlockFile(*os.File) error { return nil }
