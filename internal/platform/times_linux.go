//go:build linux

// Package platform isolates OS-specific file metadata access.
package platform

import (
	"io/fs"
	"syscall"
	"time"
)

// AccessTime extracts the last access time from file info on Linux.
// It falls back to the modification time when the info has no stat data.
func AccessTime(info fs.FileInfo) time.Time {
	if stat, ok := info.Sys().(*syscall.Stat_t); ok {
		return time.Unix(stat.Atim.Unix())
	}
	return info.ModTime()
}
