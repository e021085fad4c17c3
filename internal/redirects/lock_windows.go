//go:build windows

package redirects

import "syscall"

const processQueryLimitedInformation = 0x1000

// isProcessRunning checks if a process with the given PID is still running.
func isProcessRunning(pid int) bool {
	handle, err := syscall.OpenProcess(processQueryLimitedInformation, false, uint32(pid))
	if err != nil {
		return false
	}
	syscall.CloseHandle(handle)
	return true
}
