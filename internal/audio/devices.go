package audio

import (
	"strconv"
	"strings"
)

// FindDevice resolves a user supplied device reference against a device
// list. The reference may be a driver id, a list index, a full device name
// or a case insensitive fragment of a single device name. An empty
// reference always resolves to the system default (the empty id).
func FindDevice(devices []Device, ref string) (Device, bool) {
	if ref == "" {
		return Device{}, true
	}
	for _, dev := range devices {
		if string(dev.ID) == ref {
			return dev, true
		}
	}
	if i, err := strconv.Atoi(ref); err == nil && i >= 0 && i < len(devices) {
		return devices[i], true
	}
	for _, dev := range devices {
		if dev.Name == ref {
			return dev, true
		}
	}

	var match Device
	var nb int
	lref := strings.ToLower(ref)
	for _, dev := range devices {
		if strings.Contains(strings.ToLower(dev.Name), lref) {
			match = dev
			nb++
		}
	}
	return match, nb == 1
}
