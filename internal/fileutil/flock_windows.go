//go:build windows
// +build windows

package fileutil

import (
	"os"
	"syscall"
	"unsafe"
)

var (
	modkernel32      = syscall.NewLazyDLL("kernel32.dll")
	procLockFileEx   = modkernel32.NewProc("LockFileEx")
	procUnlockFileEx = modkernel32.NewProc("UnlockFileEx")
)

const (
	lockfileFailImmediately = 0x00000001
	lockfileExclusiveLock   = 0x00000002
)

// flock locks the first byte of f, which is enough for cooperating
// watchmon processes.
func flock(f *os.File, exclusive, wait bool) error {
	var flags uintptr
	if exclusive {
		flags |= lockfileExclusiveLock
	}
	if !wait {
		flags |= lockfileFailImmediately
	}
	var overlapped syscall.Overlapped
	ret, _, err := procLockFileEx.Call(f.Fd(), flags, 0, 1, 0, uintptr(unsafe.Pointer(&overlapped)))
	if ret == 0 {
		return err
	}
	return nil
}

func funlock(f *os.File) error {
	var overlapped syscall.Overlapped
	ret, _, err := procUnlockFileEx.Call(f.Fd(), 0, 1, 0, uintptr(unsafe.Pointer(&overlapped)))
	if ret == 0 {
		return err
	}
	return nil
}
