package network

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"safely/errcode"
	"safely/models"
)

const (
	// DefaultBroadcastPort is the UDP discovery port.
	DefaultBroadcastPort = 41234
	// DefaultPushPort is the websocket push-channel port.
	DefaultPushPort = 8080
	// DefaultHTTPPort is the HTTP pairing endpoint port.
	DefaultHTTPPort = 3000
	// MaxMessageSize bounds one JSON message on any transport.
	MaxMessageSize = 64 * 1024
)

const (
	TypeDiscoveryRequest  = "discovery-request"
	TypeDeviceBroadcast   = "device-broadcast"
	TypeConnectionRequest = "connection-request"
	TypeConnect           = "connect"
	TypeConnectAccepted   = "connect-accepted"
	TypeConnectRejected   = "connect-rejected"
	TypeSoundDetected     = "sound-detected"
	TypeSoundAlert        = "sound-alert"
	TypeDisconnect        = "disconnect"
)

var (
	// ErrInvalidMessageType indicates the message type is missing.
	ErrInvalidMessageType = errcode.New(errcode.CodeProtocolMalformed, "message type is missing")
	// ErrMessageTooLarge indicates a payload exceeds MaxMessageSize.
	ErrMessageTooLarge = errcode.New(errcode.CodeProtocolMalformed, "message exceeds max size")
)

// Envelope identifies the protocol message type.
type Envelope struct {
	Type string `json:"type"`
}

// DiscoveryRequest asks mobile agents on the segment to announce themselves.
type DiscoveryRequest struct {
	Type      string `json:"type"`
	From      string `json:"from"`
	Timestamp int64  `json:"timestamp"`
}

// DeviceBroadcast announces a device on the segment.
type DeviceBroadcast struct {
	Type       string                  `json:"type"`
	DeviceInfo models.DeviceDescriptor `json:"deviceInfo"`
	Timestamp  int64                   `json:"timestamp"`
}

// ConnectionRequest carries a code the desktop user typed in for a mobile.
type ConnectionRequest struct {
	Type           string                  `json:"type"`
	ConnectionCode string                  `json:"connectionCode"`
	DeviceInfo     models.DeviceDescriptor `json:"deviceInfo"`
	Timestamp      int64                   `json:"timestamp"`
}

// ConnectMessage carries a code the mobile user typed in for a desktop.
type ConnectMessage struct {
	Type       string                  `json:"type"`
	Code       string                  `json:"code"`
	DeviceInfo models.DeviceDescriptor `json:"deviceInfo"`
	Timestamp  int64                   `json:"timestamp"`
}

// ConnectAccepted confirms a pairing and hands the prover its session token.
type ConnectAccepted struct {
	Type       string                  `json:"type"`
	DeviceInfo models.DeviceDescriptor `json:"deviceInfo"`
	Token      string                  `json:"token,omitempty"`
	Timestamp  int64                   `json:"timestamp"`
}

// ConnectRejected refuses a pairing.
type ConnectRejected struct {
	Type      string `json:"type"`
	Reason    string `json:"reason"`
	Timestamp int64  `json:"timestamp"`
}

// SoundMessage relays one detection. Type is sound-detected or sound-alert.
type SoundMessage struct {
	Type       string  `json:"type"`
	Sound      string  `json:"sound"`
	Timestamp  int64   `json:"timestamp"`
	Confidence float64 `json:"confidence"`
	IsCritical bool    `json:"isCritical"`
	Token      string  `json:"token,omitempty"`
}

// DisconnectMessage ends a session.
type DisconnectMessage struct {
	Type      string `json:"type"`
	Reason    string `json:"reason,omitempty"`
	Token     string `json:"token,omitempty"`
	Timestamp int64  `json:"timestamp"`
}

func nowMillis() int64 {
	return time.Now().UnixMilli()
}

// NewDiscoveryRequest builds a discovery-request envelope.
func NewDiscoveryRequest(from string) DiscoveryRequest {
	return DiscoveryRequest{Type: TypeDiscoveryRequest, From: from, Timestamp: nowMillis()}
}

// NewDeviceBroadcast builds a device-broadcast envelope.
func NewDeviceBroadcast(device models.DeviceDescriptor) DeviceBroadcast {
	return DeviceBroadcast{Type: TypeDeviceBroadcast, DeviceInfo: device, Timestamp: nowMillis()}
}

// NewConnectionRequest builds a connection-request envelope.
func NewConnectionRequest(code string, device models.DeviceDescriptor) ConnectionRequest {
	return ConnectionRequest{Type: TypeConnectionRequest, ConnectionCode: code, DeviceInfo: device, Timestamp: nowMillis()}
}

// NewConnect builds a connect envelope.
func NewConnect(code string, device models.DeviceDescriptor) ConnectMessage {
	return ConnectMessage{Type: TypeConnect, Code: code, DeviceInfo: device, Timestamp: nowMillis()}
}

// NewConnectAccepted builds a connect-accepted envelope.
func NewConnectAccepted(device models.DeviceDescriptor, token string) ConnectAccepted {
	return ConnectAccepted{Type: TypeConnectAccepted, DeviceInfo: device, Token: token, Timestamp: nowMillis()}
}

// NewConnectRejected builds a connect-rejected envelope.
func NewConnectRejected(reason string) ConnectRejected {
	return ConnectRejected{Type: TypeConnectRejected, Reason: reason, Timestamp: nowMillis()}
}

// NewSoundMessage builds the relay envelope for event. Critical events use
// sound-alert.
func NewSoundMessage(event models.SoundEvent, token string) SoundMessage {
	msgType := TypeSoundDetected
	if event.IsCritical {
		msgType = TypeSoundAlert
	}
	ts := event.Timestamp
	if ts == 0 {
		ts = nowMillis()
	}
	return SoundMessage{
		Type:       msgType,
		Sound:      event.SoundType,
		Timestamp:  ts,
		Confidence: event.Confidence,
		IsCritical: event.IsCritical,
		Token:      token,
	}
}

// Event converts the wire message back into a SoundEvent.
func (m SoundMessage) Event() models.SoundEvent {
	return models.SoundEvent{
		Timestamp:  m.Timestamp,
		SoundType:  m.Sound,
		Confidence: m.Confidence,
		IsCritical: m.IsCritical || m.Type == TypeSoundAlert,
	}
}

// NewDisconnect builds a disconnect envelope.
func NewDisconnect(reason, token string) DisconnectMessage {
	return DisconnectMessage{Type: TypeDisconnect, Reason: reason, Token: token, Timestamp: nowMillis()}
}

// EncodeJSON marshals a protocol message to JSON.
func EncodeJSON(message any) ([]byte, error) {
	if raw, ok := message.([]byte); ok {
		return raw, nil
	}
	payload, err := json.Marshal(message)
	if err != nil {
		return nil, errcode.Wrap(errcode.CodeProtocolMalformed, "marshal protocol message", err)
	}
	if len(payload) > MaxMessageSize {
		return nil, ErrMessageTooLarge
	}
	return payload, nil
}

// DecodeMessageType extracts the "type" field from a payload.
func DecodeMessageType(payload []byte) (string, error) {
	if len(payload) > MaxMessageSize {
		return "", ErrMessageTooLarge
	}
	var envelope Envelope
	if err := json.Unmarshal(payload, &envelope); err != nil {
		return "", errcode.Wrap(errcode.CodeProtocolMalformed, "decode envelope", err)
	}
	if envelope.Type == "" {
		return "", ErrInvalidMessageType
	}
	return envelope.Type, nil
}

// Decode unmarshals payload into v.
func Decode(payload []byte, v any) error {
	if err := json.Unmarshal(payload, v); err != nil {
		return errcode.Wrap(errcode.CodeProtocolMalformed, fmt.Sprintf("decode %T", v), err)
	}
	return nil
}

// IsKnownType reports whether msgType is part of the wire catalog.
func IsKnownType(msgType string) bool {
	switch msgType {
	case TypeDiscoveryRequest, TypeDeviceBroadcast, TypeConnectionRequest, TypeConnect,
		TypeConnectAccepted, TypeConnectRejected, TypeSoundDetected, TypeSoundAlert, TypeDisconnect:
		return true
	default:
		return false
	}
}

// ErrUnknownType wraps an unrecognised message type.
func ErrUnknownType(msgType string) error {
	return errcode.Wrap(errcode.CodeProtocolUnknownType, "unknown message type", errors.New(msgType))
}
