//go:build linux

package store

import (
	"fmt"
	"os"

	"golang.org/x/sys/unix"
)

// reflink clones src into a new file at target sharing the same extents.
// Only copy-on-write filesystems such as btrfs and xfs support it.
func reflink(src *os.File, target string) error {
	dst, err := os.OpenFile(target, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}

	if err := unix.IoctlFileClone(int(dst.Fd()), int(src.Fd())); err != nil {
		dst.Close()
		os.Remove(target)
		return fmt.Errorf("%w: %v", errReflinkUnsupported, err)
	}
	return dst.Close()
}
