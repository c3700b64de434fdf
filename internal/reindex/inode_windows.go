// SPDX-License-Identifier: MIT

//go:build windows

package reindex

import "os"

// fileInode has no useful equivalent on Windows; rotation detection
// falls back to size-shrink only.
func fileInode(_ os.FileInfo) uint64 {
	return 0
}
