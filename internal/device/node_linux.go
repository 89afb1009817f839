//go:build linux

package device

import (
	"io/fs"
	"syscall"
)

// NodeFromFileInfo reports whether info describes a block or character node and
// returns its kind and number.
func NodeFromFileInfo(info fs.FileInfo) (NodeMode, Number, bool) {
	if info == nil || info.Mode()&fs.ModeDevice == 0 {
		return "", Number{}, false
	}
	mode := NodeBlock
	if info.Mode()&fs.ModeCharDevice != 0 {
		mode = NodeChar
	}
	var number Number
	if st, ok := info.Sys().(*syscall.Stat_t); ok {
		number = NumberFromDev(uint64(st.Rdev)) //nolint:unconvert
	}
	return mode, number, true
}
