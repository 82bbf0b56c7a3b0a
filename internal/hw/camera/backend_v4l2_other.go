//go:build !linux

package camera

import "errors"

// NewV4L2Backend is only available on linux.
func NewV4L2Backend(width, height int) (Backend, error) {
	return nil, errors.New("v4l2 capture is only available on linux")
}
