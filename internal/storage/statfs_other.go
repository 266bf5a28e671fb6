//go:build !linux && !darwin && !freebsd

package storage

import "errors"

func availableBytes(path string) (uint64, error) {
	return 0, errors.New("free space check is not supported on this platform")
}
