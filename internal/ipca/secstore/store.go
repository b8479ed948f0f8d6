// Package secstore implements the PersistentStorage capability (§6) as a
// plain-file-backed store under a configured directory, plus a watcher that
// reacts to an externally rotated credential file (e.g. a provisioning tool
// re-writing the security database out of band). Grounded on
// internal/aidiscovery's encrypted file store idiom (store.go), simplified
// here to cleartext os.File operations since encryption-at-rest is outside
// this package's §6 contract — the provisioning engine owns the on-disk
// format, this package only opens/reads/writes/removes byte streams for it.
package secstore

import (
	"errors"
	"os"
	"path/filepath"

	"github.com/devicecore/ipca/internal/ipca"
)

// ErrInvalidMode is returned by Open for any mode other than "r", "w", or "rw".
var ErrInvalidMode = errors.New("secstore: invalid mode")

// FileStore implements ipca.PersistentStorage against files rooted at Dir.
type FileStore struct {
	Dir string
}

// New returns a FileStore rooted at dir, creating it if necessary.
func New(dir string) (*FileStore, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, err
	}
	return &FileStore{Dir: dir}, nil
}

// Open satisfies ipca.PersistentStorage.Open. path is joined under Dir so a
// caller can never escape the configured root via "..".
func (s *FileStore) Open(path string, mode string) (ipca.StorageHandle, error) {
	full := filepath.Join(s.Dir, filepath.Clean("/"+path))

	var flags int
	switch mode {
	case "r":
		flags = os.O_RDONLY
	case "w":
		flags = os.O_WRONLY | os.O_CREATE | os.O_TRUNC
	case "rw":
		flags = os.O_RDWR | os.O_CREATE
	default:
		return nil, ErrInvalidMode
	}

	f, err := os.OpenFile(full, flags, 0o600)
	if err != nil {
		return nil, err
	}
	return &FileHandle{f: f}, nil
}

// Unlink removes the file at path, rooted at Dir. Missing files are not an
// error, matching the provisioning stack's idempotent-unlink expectation.
func (s *FileStore) Unlink(path string) error {
	full := filepath.Join(s.Dir, filepath.Clean("/"+path))
	err := os.Remove(full)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	return err
}

// FileHandle implements ipca.StorageHandle over an *os.File.
type FileHandle struct {
	f *os.File
}

func (h *FileHandle) Read(p []byte) (int, error)  { return h.f.Read(p) }
func (h *FileHandle) Write(p []byte) (int, error) { return h.f.Write(p) }
func (h *FileHandle) Close() error                { return h.f.Close() }
