//go:build windows

package pidfile

import "golang.org/x/sys/windows"

const processQueryLimitedInformation = 0x1000

func processExists(pid int) bool {
	h, err := windows.OpenProcess(processQueryLimitedInformation, false, uint32(pid))
	if err != nil {
		return false
	}
	var c uint32
	err = windows.GetExitCodeProcess(h, &c)
	_ = windows.CloseHandle(h)
	if err != nil {
		return false
	}
	return c == windows.STILL_ACTIVE
}
