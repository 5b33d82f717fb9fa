package audioio

import (
	"bufio"
	"context"
	"fmt"
	"os/exec"
	"path/filepath"
	"regexp"
	"runtime"
	"sort"
	"strings"
)

// DeviceKind classifies a capture or playback device.
type DeviceKind string

const (
	DeviceAudioInput  DeviceKind = "audioinput"
	DeviceAudioOutput DeviceKind = "audiooutput"
	DeviceVideoInput  DeviceKind = "videoinput"
)

// Device is a selectable input or output.
type Device struct {
	ID   string     `json:"id"`
	Name string     `json:"name"`
	Kind DeviceKind `json:"kind"`
}

// DefaultDevice is always present for each audio kind.
const DefaultDevice = "default"

// Devices lists audio and video devices on this host. The system default
// audio devices are always first in their kind.
func Devices(ctx context.Context) ([]Device, error) {
	devices := []Device{
		{ID: DefaultDevice, Name: "System default", Kind: DeviceAudioInput},
		{ID: DefaultDevice, Name: "System default", Kind: DeviceAudioOutput},
	}

	if runtime.GOOS != "linux" {
		return devices, nil
	}

	if out, err := exec.CommandContext(ctx, "arecord", "-l").Output(); err == nil {
		devices = append(devices, ParseALSAList(string(out), DeviceAudioInput)...)
	}
	if out, err := exec.CommandContext(ctx, "aplay", "-l").Output(); err == nil {
		devices = append(devices, ParseALSAList(string(out), DeviceAudioOutput)...)
	}

	nodes, err := filepath.Glob("/dev/video*")
	if err != nil {
		return devices, fmt.Errorf("audioio: list video devices: %w", err)
	}
	sort.Strings(nodes)
	for _, n := range nodes {
		devices = append(devices, Device{
			ID:   strings.TrimPrefix(n, "/dev/video"),
			Name: n,
			Kind: DeviceVideoInput,
		})
	}
	return devices, nil
}

// FilterDevices returns the devices of kind k.
func FilterDevices(devices []Device, k DeviceKind) []Device {
	var out []Device
	for _, d := range devices {
		if d.Kind == k {
			out = append(out, d)
		}
	}
	return out
}

var alsaLine = regexp.MustCompile(`^card (\d+): [^\[]*\[([^\]]*)\], device (\d+): [^\[]*\[([^\]]*)\]`)

// ParseALSAList parses `arecord -l` / `aplay -l` output into plughw devices.
func ParseALSAList(out string, kind DeviceKind) []Device {
	var devices []Device
	sc := bufio.NewScanner(strings.NewReader(out))
	for sc.Scan() {
		m := alsaLine.FindStringSubmatch(sc.Text())
		if m == nil {
			continue
		}
		name := m[2]
		if m[4] != "" && m[4] != m[2] {
			name += " - " + m[4]
		}
		devices = append(devices, Device{
			ID:   fmt.Sprintf("plughw:%s,%s", m[1], m[3]),
			Name: name,
			Kind: kind,
		})
	}
	return devices
}
