// Package storage defines the state-directory file-system abstraction.
package storage

import "time"

// FileInfo is a lightweight description of a stored file.
type FileInfo struct {
	Path      string    `json:"path"`
	Checksum  string    `json:"checksum"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Provider is the interface for state-directory file operations. All
// paths are relative to the provider root; writes are atomic.
type Provider interface {
	// List returns metadata for every file under dir whose name has the
	// given extension (e.g. ".json").
	List(dir, ext string) ([]FileInfo, error)
	// Read returns the raw bytes of the file at path.
	Read(path string) ([]byte, error)
	// Write atomically writes content to path (temp, fsync, rename).
	Write(path string, content []byte) error
	// Delete removes the file at path.
	Delete(path string) error
	// Move renames oldPath to newPath.
	Move(oldPath, newPath string) error
}
