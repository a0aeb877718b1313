//go:build linux

package ioevent

import "golang.org/x/sys/unix"

// WakeSource is an eventfd-backed wakeup mechanism so Notify can
// interrupt a blocked Poll call from another goroutine, grounded on
// the teacher's eventloop/wakeup_linux.go createWakeFd/drainWakeUpPipe
// pair.
type WakeSource struct {
	fd int
}

func newWakeSource() (*WakeSource, error) {
	fd, err := unix.Eventfd(0, unix.EFD_CLOEXEC|unix.EFD_NONBLOCK)
	if err != nil {
		return nil, err
	}
	return &WakeSource{fd: fd}, nil
}

// FD returns the eventfd to register with the notifier.
func (w *WakeSource) FD() int { return w.fd }

// Wake writes one notification to the eventfd.
func (w *WakeSource) Wake() {
	var buf [8]byte
	buf[7] = 1
	_, _ = unix.Write(w.fd, buf[:])
}

// Drain empties every pending notification, matching drainWakeUpPipe's
// loop-until-EAGAIN behavior.
func (w *WakeSource) Drain() {
	var buf [8]byte
	for {
		_, err := unix.Read(w.fd, buf[:])
		if err != nil {
			return
		}
	}
}

// Close releases the eventfd.
func (w *WakeSource) Close() error {
	if w.fd >= 0 {
		return unix.Close(w.fd)
	}
	return nil
}
