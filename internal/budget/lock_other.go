//go:build !unix

package budget

import "os"

// Advisory locking is unix-only; elsewhere writers rely on the atomic
// rename alone.
func lockFile(*os.File) error   { return nil }
func unlockFile(*os.File) error { return nil }
