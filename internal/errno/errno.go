// Package errno defines the kernel-wide error-code enumeration used by the
// syscall ABI (a syscall returns -errno on failure, spec.md section 6) and by
// every other kernel API that returns a recoverable error instead of
// asserting.
package errno

import "fmt"

// Errno is a kernel error code. The zero value, ESUCCESS, is not an error:
// callers should compare against ESUCCESS rather than against nil when an
// API hands back a bare Errno instead of the error interface.
type Errno int32

const (
	ESUCCESS   Errno = 0
	EINVAL     Errno = 1
	ENOMEM     Errno = 2
	ENOTSUP    Errno = 3
	ENOENT     Errno = 4
	EEXIST     Errno = 5
	EBADF      Errno = 6
	ENOTDIR    Errno = 7
	EADDRINUSE Errno = 8
	EFAULT     Errno = 9
	EIO        Errno = 10
	ENODEV     Errno = 11
	ENOEXEC    Errno = 12
	EOVERFLOW  Errno = 13
	EFAIL      Errno = 14
)

var names = map[Errno]string{
	ESUCCESS:   "ESUCCESS",
	EINVAL:     "EINVAL",
	ENOMEM:     "ENOMEM",
	ENOTSUP:    "ENOTSUP",
	ENOENT:     "ENOENT",
	EEXIST:     "EEXIST",
	EBADF:      "EBADF",
	ENOTDIR:    "ENOTDIR",
	EADDRINUSE: "EADDRINUSE",
	EFAULT:     "EFAULT",
	EIO:        "EIO",
	ENODEV:     "ENODEV",
	ENOEXEC:    "ENOEXEC",
	EOVERFLOW:  "EOVERFLOW",
	EFAIL:      "EFAIL",
}

func (e Errno) String() string {
	if name, ok := names[e]; ok {
		return name
	}
	return fmt.Sprintf("Errno(%d)", int32(e))
}

// Error implements the error interface so Errno can be returned wherever
// Go code expects an error, while the syscall dispatcher (internal/syscall)
// can still recover the raw code with As/errors.As-free type assertion.
func (e Errno) Error() string {
	if e == ESUCCESS {
		return "success"
	}
	return e.String()
}

// SyscallResult folds a value/error pair into the single signed 64-bit
// return value of the syscall ABI: -errno on failure, the value otherwise.
// Grounded on the teacher's syscall.go convention of returning a literal
// "-22 // -EINVAL" from every Syscall* function.
func SyscallResult(value int64, err error) int64 {
	if err == nil {
		return value
	}
	var e Errno
	if code, ok := err.(Errno); ok {
		e = code
	} else {
		e = EFAIL
	}
	if e == ESUCCESS {
		return value
	}
	return -int64(e)
}
