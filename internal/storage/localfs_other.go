//go:build !darwin && !linux

package storage

import "errors"

func fsTypeOf(string) (string, error) {
	return "", errors.New("filesystem detection is unsupported on this platform")
}
