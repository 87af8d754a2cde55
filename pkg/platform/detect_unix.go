//go:build unix

package platform

import "golang.org/x/sys/unix"

func unameSysname() (string, error) {
	var u unix.Utsname
	if err := unix.Uname(&u); err != nil {
		return "", err
	}
	return unix.ByteSliceToString(u.Sysname[:]), nil
}
