//go:build linux || darwin || windows

package rootfs

// checkPlatform accepts the hosts platform-tools (adb, fastboot) ship for.
func checkPlatform() error {
	return nil
}
