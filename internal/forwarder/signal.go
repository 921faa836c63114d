package forwarder

import "syscall"

// unixSignal turns a raw wire signal number back into an os.Signal for
// delivery to the child process group.
func unixSignal(n int) syscall.Signal {
	return syscall.Signal(n)
}
