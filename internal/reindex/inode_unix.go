// SPDX-License-Identifier: MIT

//go:build unix

package reindex

import (
	"os"
	"syscall"
)

// fileInode extracts the inode for rotation detection.
func fileInode(fi os.FileInfo) uint64 {
	if st, ok := fi.Sys().(*syscall.Stat_t); ok {
		return st.Ino
	}
	return 0
}
