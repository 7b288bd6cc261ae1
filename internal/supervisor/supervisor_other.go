//go:build !linux

package supervisor

import (
	"context"

	"github.com/neoclaw-ai/warden/internal/policy"
)

// Supervise is unavailable off linux.
func Supervise(_ context.Context, _ Target, _ *policy.Filter, _ Options) (Result, error) {
	return Result{}, ErrUnsupportedPlatform
}
