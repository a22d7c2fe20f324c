package models

import (
	"net"
	"strconv"
	"strings"
)

const (
	// PlatformDesktop marks a descriptor produced by a desktop agent.
	PlatformDesktop = "desktop"
	// PlatformIOS marks a descriptor produced by an iOS mobile agent.
	PlatformIOS = "ios"
	// PlatformAndroid marks a descriptor produced by an Android mobile agent.
	PlatformAndroid = "android"
)

// DeviceDescriptor identifies a device to its peer.
type DeviceDescriptor struct {
	DeviceID string `json:"deviceId,omitempty"`
	Name     string `json:"name"`
	Model    string `json:"model,omitempty"`
	Platform string `json:"platform,omitempty"`
	Address  string `json:"address,omitempty"`
	Port     int    `json:"port,omitempty"`
	LastSeen int64  `json:"lastSeen,omitempty"`
}

// Key returns the address:port identity used by discovery registries.
func (d DeviceDescriptor) Key() string {
	if d.Address == "" && d.Port == 0 {
		return ""
	}
	return net.JoinHostPort(d.Address, strconv.Itoa(d.Port))
}

// DisplayName renders the descriptor the way the desktop shows it.
func (d DeviceDescriptor) DisplayName() string {
	name := strings.TrimSpace(d.Name)
	model := strings.TrimSpace(d.Model)
	platform := strings.TrimSpace(d.Platform)

	switch {
	case name != "" && model != "":
		return name + "'s " + model
	case name != "":
		if platform == "" {
			platform = "Device"
		}
		return name + "'s " + platform
	case model != "":
		return model
	default:
		return "Unknown Device"
	}
}

// WithEndpoint returns a copy bound to the observed address and port.
func (d DeviceDescriptor) WithEndpoint(address string, port int) DeviceDescriptor {
	out := d
	if address != "" {
		out.Address = address
	}
	if port > 0 {
		out.Port = port
	}
	return out
}
