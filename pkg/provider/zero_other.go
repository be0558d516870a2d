//go:build !linux

package provider

import (
	"os"

	"github.com/longhorn/longhorn-devio/pkg/types"
)

func zeroRange(f *os.File, off, length int64) error {
	return types.ErrNotSupported
}
