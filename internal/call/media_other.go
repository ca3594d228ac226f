//go:build !linux || !cgo

package call

import (
	"context"
	"errors"
)

// OpenMicrophone on non-Linux platforms: capture via pion/mediadevices
// needs platform drivers only wired up for Linux (malgo). The session
// treats this the same as a denied microphone and aborts the attempt.
func OpenMicrophone(_ context.Context) (MediaSession, error) {
	return nil, errors.New("microphone capture not supported on this platform")
}
