//go:build !windows || !(386 || amd64)

package native

import (
	"github.com/mgeeky/loffice/pkg/proc"
)

// Launch returns ErrNativeBackendDisabled.
func Launch(_ []string, _ string) (proc.Process, error) {
	return nil, ErrNativeBackendDisabled
}
