//go:build unix

package index

import "golang.org/x/sys/unix"

func inodeOf(path string) uint64 {
	var st unix.Stat_t
	if err := unix.Stat(path, &st); err != nil {
		return 0
	}
	return uint64(st.Ino)
}
