package socketio

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
)

// Engine.IO v3 packet types, sent as the first byte of every websocket frame.
const (
	engineOpen    byte = '0'
	engineClose   byte = '1'
	enginePing    byte = '2'
	enginePong    byte = '3'
	engineMessage byte = '4'
	engineUpgrade byte = '5'
	engineNoop    byte = '6'
)

// PacketType is a Socket.IO v2 packet type, carried inside an Engine.IO message.
type PacketType byte

const (
	PacketConnect     PacketType = '0'
	PacketDisconnect  PacketType = '1'
	PacketEvent       PacketType = '2'
	PacketAck         PacketType = '3'
	PacketError       PacketType = '4'
	PacketBinaryEvent PacketType = '5'
	PacketBinaryAck   PacketType = '6'
)

func (t PacketType) String() string {
	switch t {
	case PacketConnect:
		return "connect"
	case PacketDisconnect:
		return "disconnect"
	case PacketEvent:
		return "event"
	case PacketAck:
		return "ack"
	case PacketError:
		return "error"
	case PacketBinaryEvent:
		return "binary-event"
	case PacketBinaryAck:
		return "binary-ack"
	default:
		return "unknown"
	}
}

var errEmptyPacket = errors.New("empty packet")

// Packet is a decoded Socket.IO packet.
type Packet struct {
	Type      PacketType
	Namespace string
	// ID is the ack id, or -1 when the sender expects no ack.
	ID   int
	Data json.RawMessage
}

// handshake is the payload of the Engine.IO open packet.
type handshake struct {
	SID          string   `json:"sid"`
	Upgrades     []string `json:"upgrades"`
	PingInterval int      `json:"pingInterval"`
	PingTimeout  int      `json:"pingTimeout"`
}

// decodePacket parses the Socket.IO part of an Engine.IO message, i.e. the
// frame without its leading '4'.
//
// Layout: <type>[<attachments>-][<namespace>,][<ack id>][<json data>]
func decodePacket(b []byte) (Packet, error) {
	if len(b) == 0 {
		return Packet{}, errEmptyPacket
	}

	p := Packet{Type: PacketType(b[0]), Namespace: "/", ID: -1}
	if p.Type < PacketConnect || p.Type > PacketBinaryAck {
		return Packet{}, fmt.Errorf("unknown packet type %q", b[0])
	}
	i := 1

	if p.Type == PacketBinaryEvent || p.Type == PacketBinaryAck {
		for i < len(b) && b[i] != '-' {
			i++
		}
		if i == len(b) {
			return Packet{}, errors.New("binary packet without attachment count")
		}
		i++
	}

	if i < len(b) && b[i] == '/' {
		start := i
		for i < len(b) && b[i] != ',' {
			i++
		}
		p.Namespace = string(b[start:i])
		if i < len(b) {
			i++
		}
	}

	start := i
	for i < len(b) && b[i] >= '0' && b[i] <= '9' {
		i++
	}
	if i > start {
		id, err := strconv.Atoi(string(b[start:i]))
		if err != nil {
			return Packet{}, fmt.Errorf("invalid ack id: %w", err)
		}
		p.ID = id
	}

	if i < len(b) {
		p.Data = json.RawMessage(b[i:])
		if !json.Valid(p.Data) {
			return Packet{}, errors.New("packet data is not valid JSON")
		}
	}

	return p, nil
}

// Event splits an event packet into its name and arguments.
func (p Packet) Event() (string, []json.RawMessage, error) {
	if p.Type != PacketEvent {
		return "", nil, fmt.Errorf("not an event packet: %s", p.Type)
	}

	var parts []json.RawMessage
	if err := json.Unmarshal(p.Data, &parts); err != nil {
		return "", nil, fmt.Errorf("failed to decode event payload: %w", err)
	}
	if len(parts) == 0 {
		return "", nil, errors.New("event payload has no name")
	}

	var name string
	if err := json.Unmarshal(parts[0], &name); err != nil {
		return "", nil, fmt.Errorf("event name is not a string: %w", err)
	}

	return name, parts[1:], nil
}

// ErrorMessage returns the text of an error packet.
func (p Packet) ErrorMessage() string {
	if len(p.Data) == 0 {
		return "unknown error"
	}
	var msg string
	if err := json.Unmarshal(p.Data, &msg); err == nil {
		return msg
	}
	var obj struct {
		Message string `json:"message"`
	}
	if err := json.Unmarshal(p.Data, &obj); err == nil && obj.Message != "" {
		return obj.Message
	}
	return string(p.Data)
}

// encodeEvent builds the Engine.IO frame for an event on the default namespace.
func encodeEvent(event string, args ...any) ([]byte, error) {
	payload := make([]any, 0, len(args)+1)
	payload = append(payload, event)
	payload = append(payload, args...)

	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to encode event %q: %w", event, err)
	}

	frame := make([]byte, 0, len(data)+2)
	frame = append(frame, engineMessage, byte(PacketEvent))
	frame = append(frame, data...)
	return frame, nil
}
