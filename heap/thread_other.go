// ABOUTME: OS thread identity fallback for hosts without gettid
// ABOUTME: Every thread reports the same id, which turns the affinity check into a no-op

//go:build !linux

package heap

func currentThreadID() int {
	return 0
}
