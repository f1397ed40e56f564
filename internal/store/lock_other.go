//go:build !unix

package store

// lockFile is a no-op where flock is unavailable. Writers in one process are
// still serialized by Store.mu.
func lockFile(path string) (func(), error) {
	return func() {}, nil
}
