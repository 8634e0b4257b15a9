//go:build unix && !linux

package platform

const reserveFlags = 0
