// +build !linux

package display

import (
	"github.com/pkg/errors"
)

// OpenFramebuffer is only available on Linux.
func OpenFramebuffer(path string) (Panel, error) {
	return nil, errors.Errorf("%s: framebuffer displays need linux", path)
}
