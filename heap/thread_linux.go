// ABOUTME: OS thread identity on Linux, used to catch thread states used off their thread
// ABOUTME: Thread ids come from gettid once the goroutine is locked to its thread

//go:build linux

package heap

import "golang.org/x/sys/unix"

func currentThreadID() int {
	return unix.Gettid()
}
