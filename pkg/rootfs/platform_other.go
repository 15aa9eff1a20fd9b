//go:build !linux && !darwin && !windows

package rootfs

import (
	"fmt"
	"runtime"

	"github.com/nabu-linux/lon-deployer/pkg/errors"
)

func checkPlatform() error {
	return fmt.Errorf("%w: %s", errors.ErrUnsupportedPlatform, runtime.GOOS)
}
