package camera

import (
	"regexp"
	"strings"
)

// Wire identity for devices: clients address cameras as "camera0",
// "camera1", ... while the monitor tracks kernel paths like /dev/video0.

var cameraIDRe = regexp.MustCompile(`^camera(\d+)$`)

// PathForID maps a wire camera ID to its device path. IDs that are already
// device paths pass through unchanged.
func PathForID(id string) (string, bool) {
	if strings.HasPrefix(id, "/dev/video") {
		return id, true
	}
	m := cameraIDRe.FindStringSubmatch(id)
	if m == nil {
		return "", false
	}
	return "/dev/video" + m[1], true
}

// IDForPath maps a device path to its wire camera ID.
func IDForPath(path string) string {
	base := strings.TrimPrefix(path, "/dev/")
	if n := strings.TrimPrefix(base, "video"); n != base {
		return "camera" + n
	}
	return base
}
