package backend

import (
	"fmt"
	"maps"
	"strconv"
	"strings"

	"vdev/internal/device"
)

// RequestFromUEvent translates a kernel/udev event into a request. Events without
// DEVNAME and actions other than add and remove yield ok=false.
func RequestFromUEvent(action, kobj string, env map[string]string) (*device.Request, bool, error) {
	kind, known := device.ParseKind(strings.ToLower(strings.TrimSpace(action)))
	if !known {
		return nil, false, nil
	}
	devname := strings.TrimPrefix(strings.TrimSpace(env["DEVNAME"]), "/dev/")
	if devname == "" {
		return nil, false, nil
	}

	req, err := device.NewRequest(kind, devname)
	if err != nil {
		return nil, false, err
	}
	req.Params = maps.Clone(env)
	if req.Params == nil {
		req.Params = map[string]string{}
	}
	if _, ok := req.Params["DEVPATH"]; !ok && kobj != "" {
		req.Params["DEVPATH"] = kobj
	}

	req.Mode = device.NodeChar
	if env["SUBSYSTEM"] == "block" {
		req.Mode = device.NodeBlock
	}

	if major, minor := env["MAJOR"], env["MINOR"]; major != "" || minor != "" {
		number, err := parseNumber(major, minor)
		if err != nil {
			return nil, false, device.Wrap(device.ErrIO, "parse uevent", devname, err)
		}
		req.Dev = number
	}
	return req, true, nil
}

func parseNumber(major, minor string) (device.Number, error) {
	maj, err := strconv.ParseUint(major, 10, 32)
	if err != nil {
		return device.Number{}, fmt.Errorf("MAJOR %q: %w", major, err)
	}
	mnr, err := strconv.ParseUint(minor, 10, 32)
	if err != nil {
		return device.Number{}, fmt.Errorf("MINOR %q: %w", minor, err)
	}
	return device.Number{Major: uint32(maj), Minor: uint32(mnr)}, nil
}
