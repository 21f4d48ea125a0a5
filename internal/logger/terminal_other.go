//go:build !linux

package logger

import "os"

// isTerminal reports whether the file descriptor is attached to a
// terminal. On non-Linux platforms we fall back to a character-device
// check, which is sufficient for deciding whether to emit color.
func isTerminal(fd uintptr) bool {
	for _, f := range []*os.File{os.Stdout, os.Stderr} {
		if f.Fd() != fd {
			continue
		}
		info, err := f.Stat()
		if err != nil {
			return false
		}
		return info.Mode()&os.ModeCharDevice != 0
	}
	return false
}
