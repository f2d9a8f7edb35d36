/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package media

import (
	"context"
	"os/exec"
	"strings"
)

// Devices enumerates audio output devices via gst-device-monitor-1.0.
// Platforms without the tool (or without any sinks) yield an empty list
// rather than an error.
func (p *GstPlayer) Devices(ctx context.Context) ([]Device, error) {
	monitor := strings.Replace(p.cfg.GStreamerBin, "gst-launch", "gst-device-monitor", 1)
	if monitor == p.cfg.GStreamerBin {
		monitor = "gst-device-monitor-1.0"
	}

	cmd := exec.CommandContext(ctx, monitor, "Audio/Sink")
	output, err := cmd.Output()
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		p.logger.Debug().Err(err).Msg("device enumeration unavailable")
		return nil, nil
	}

	return parseDeviceMonitorOutput(string(output)), nil
}

// parseDeviceMonitorOutput extracts Audio/Sink devices from
// gst-device-monitor-1.0 output. The device id is taken from the node.name
// (PipeWire/Pulse) or device.id property, falling back to the display name.
func parseDeviceMonitorOutput(output string) []Device {
	var devices []Device
	var cur *Device
	var curClass string

	flush := func() {
		if cur != nil && strings.Contains(curClass, "Audio/Sink") {
			if cur.ID == "" {
				cur.ID = cur.Label
			}
			devices = append(devices, *cur)
		}
		cur = nil
		curClass = ""
	}

	for _, line := range strings.Split(output, "\n") {
		trimmed := strings.TrimSpace(line)
		switch {
		case strings.HasPrefix(trimmed, "Device found:"):
			flush()
			cur = &Device{}
		case cur == nil:
			continue
		case strings.HasPrefix(trimmed, "name"):
			if _, v, ok := splitField(trimmed, ":"); ok && cur.Label == "" {
				cur.Label = v
			}
		case strings.HasPrefix(trimmed, "class"):
			if _, v, ok := splitField(trimmed, ":"); ok {
				curClass = v
			}
		case strings.HasPrefix(trimmed, "node.name") || strings.HasPrefix(trimmed, "device.id"):
			if _, v, ok := splitField(trimmed, "="); ok && cur.ID == "" {
				cur.ID = v
			}
		}
	}
	flush()

	return devices
}

func splitField(line, sep string) (string, string, bool) {
	idx := strings.Index(line, sep)
	if idx < 0 {
		return "", "", false
	}
	return strings.TrimSpace(line[:idx]), strings.TrimSpace(line[idx+len(sep):]), true
}
