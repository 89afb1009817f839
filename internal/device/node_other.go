//go:build !linux

package device

import "io/fs"

// NodeFromFileInfo reports whether info describes a block or character node. The
// device number is not available on this platform.
func NodeFromFileInfo(info fs.FileInfo) (NodeMode, Number, bool) {
	if info == nil || info.Mode()&fs.ModeDevice == 0 {
		return "", Number{}, false
	}
	if info.Mode()&fs.ModeCharDevice != 0 {
		return NodeChar, Number{}, true
	}
	return NodeBlock, Number{}, true
}
