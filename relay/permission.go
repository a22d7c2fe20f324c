package relay

import (
	"context"

	"safely/errcode"
)

// ErrPermissionDenied indicates microphone access was refused.
var ErrPermissionDenied = errcode.New(errcode.CodePermissionMicrophone, "microphone permission denied")

// PermissionChecker reports whether the microphone may be used.
type PermissionChecker interface {
	MicrophoneGranted(ctx context.Context) (bool, error)
}

// StaticPermission always answers with its own value.
type StaticPermission bool

// AlwaysGranted is the default checker on hosts without a permission prompt.
const AlwaysGranted StaticPermission = true

// MicrophoneGranted implements PermissionChecker.
func (p StaticPermission) MicrophoneGranted(context.Context) (bool, error) {
	return bool(p), nil
}
