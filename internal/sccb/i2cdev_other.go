// +build !linux

package sccb

import (
	errors "golang.org/x/xerrors"
)

func Open(path string) (Bus, error) {
	return nil, errors.New("sccb: i2c-dev is only available on Linux")
}
