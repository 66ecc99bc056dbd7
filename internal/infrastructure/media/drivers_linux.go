//go:build linux

package media

// Register V4L2 camera and malgo microphone drivers with pion/mediadevices.
import (
	_ "github.com/pion/mediadevices/pkg/driver/camera"
	_ "github.com/pion/mediadevices/pkg/driver/microphone"
)
