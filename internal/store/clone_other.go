//go:build !linux

package store

import "os"

func reflink(*os.File, string) error {
	return errReflinkUnsupported
}
