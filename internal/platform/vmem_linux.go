// Separated from the other unixes which lack MAP_NORESERVE.
//go:build linux

package platform

import "golang.org/x/sys/unix"

// Reservations carry no backing store yet, so keep them out of the kernel's
// overcommit accounting.
const reserveFlags = unix.MAP_NORESERVE
