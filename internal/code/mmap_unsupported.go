//go:build !darwin && !linux && !freebsd

package code

import "fmt"

func mmapCodeRegion(size int) ([]byte, error) {
	return nil, fmt.Errorf("code: executable mappings are not supported on this platform")
}

func munmapCodeRegion(b []byte) error { return nil }

func mprotectExec(b []byte) error {
	return fmt.Errorf("code: executable mappings are not supported on this platform")
}
