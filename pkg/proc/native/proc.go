// Package native implements proc.Process on top of the debugging API of
// the operating system. Only Windows is supported.
package native

import "errors"

// ErrNativeBackendDisabled is returned by Launch on platforms without a
// native backend.
var ErrNativeBackendDisabled = errors.New("native backend disabled on this platform")
