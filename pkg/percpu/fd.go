package percpu

import "golang.org/x/sys/unix"

func closeFd(fd uintptr) error {
	return unix.Close(int(fd))
}
