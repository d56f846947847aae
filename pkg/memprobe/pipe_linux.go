package memprobe

import "golang.org/x/sys/unix"

// newPipe opens a non-blocking, close-on-exec pipe pair.
func newPipe() (r, w int, err error) {
	var fds [2]int
	if err := unix.Pipe2(fds[:], unix.O_CLOEXEC|unix.O_NONBLOCK); err != nil {
		return -1, -1, err
	}
	return fds[0], fds[1], nil
}
