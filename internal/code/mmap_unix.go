//go:build darwin || linux || freebsd

package code

import "golang.org/x/sys/unix"

// Anonymous and private: this is in-process memory, not a file.
func mmapCodeRegion(size int) ([]byte, error) {
	return unix.Mmap(-1, 0, size,
		unix.PROT_READ|unix.PROT_WRITE,
		unix.MAP_ANON|unix.MAP_PRIVATE)
}

func munmapCodeRegion(b []byte) error {
	return unix.Munmap(b[:cap(b)])
}

func mprotectExec(b []byte) error {
	return unix.Mprotect(b[:cap(b)], unix.PROT_READ|unix.PROT_EXEC)
}
