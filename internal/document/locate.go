package document

import (
	"os"
	"path/filepath"
	"strings"
)

// FindByID scans dir's drawing files for one whose embedded document id
// matches id, and returns its absolute path. This is the rename
// relocation heuristic: OS rename events do not reliably carry the
// old→new name pair on all platforms, so a vanished file is re-found by
// content-addressed lookup on the embedded id. First match wins; a
// malformed sibling claiming another document's id is a known limitation.
func FindByID(dir string, id ID) (string, bool) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return "", false
	}
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), Ext) {
			continue
		}
		p := filepath.Join(dir, e.Name())
		data, err := os.ReadFile(p)
		if err != nil {
			continue
		}
		f, err := Parse(data)
		if err != nil {
			continue
		}
		if got, ok := f.DocumentID(); ok && got == id {
			return p, true
		}
	}
	return "", false
}
