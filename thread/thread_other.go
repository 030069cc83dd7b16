//go:build !linux

package thread

func setOSThreadName(name string) {}
