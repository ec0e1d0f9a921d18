// Package fileid derives stable on-disk index file names from workbook paths.
package fileid

import (
	"crypto/sha256"
	"encoding/hex"
	"path/filepath"
)

// WorkbookKey returns a stable identifier for the given workbook path.
// Same path always yields the same key. Used to name persisted index files.
func WorkbookKey(workbookPath string) string {
	normalized := filepath.Clean(workbookPath)
	hash := sha256.Sum256([]byte(normalized))
	return hex.EncodeToString(hash[:])
}

// IndexFileName returns the persisted index file name for a workbook path.
func IndexFileName(workbookPath string) string {
	return WorkbookKey(workbookPath) + ".idx"
}
