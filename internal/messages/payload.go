package messages

import (
	"bytes"
	"encoding/json"
	"fmt"

	"google.golang.org/protobuf/types/known/structpb"
)

// Message types with a typed payload.
const (
	TypeHeartbeat     = "heartbeat"
	TypeAck           = "message_ack"
	TypeError         = "message_error"
	TypeResourceUsage = "resource_usage"
)

// Payload is one of Opaque, Structured, Ack, Failure or ResourceUsage.
type Payload interface {
	isPayload()
}

// Opaque carries bytes that did not decode into any known shape.
type Opaque struct {
	Data []byte
}

// Structured carries an arbitrary JSON object.
type Structured struct {
	Fields *structpb.Struct
}

type Ack struct {
	MessageIDs []string `json:"message_ids"`
}

type Failure struct {
	MessageID string `json:"message_id"`
	Error     string `json:"error"`
}

type ResourceUsage struct {
	CPUPercent    float64 `json:"cpu_percent"`
	MemoryBytes   uint64  `json:"memory_bytes"`
	DiskUsedBytes uint64  `json:"disk_used_bytes,omitempty"`
	Goroutines    int     `json:"goroutines,omitempty"`
	UptimeSeconds int64   `json:"uptime_seconds,omitempty"`
}

func (Opaque) isPayload()        {}
func (Structured) isPayload()    {}
func (Ack) isPayload()           {}
func (Failure) isPayload()       {}
func (ResourceUsage) isPayload() {}

// Decode maps raw bytes to the variant registered for msgType. Anything that
// fails to decode falls back to Structured (JSON objects) or Opaque.
func Decode(msgType string, data []byte) Payload {
	switch msgType {
	case TypeAck:
		var p Ack
		if json.Unmarshal(data, &p) == nil {
			return p
		}
	case TypeError:
		var p Failure
		if json.Unmarshal(data, &p) == nil && p.MessageID != "" {
			return p
		}
	case TypeResourceUsage:
		var p ResourceUsage
		if json.Unmarshal(data, &p) == nil {
			return p
		}
	}

	trimmed := bytes.TrimSpace(data)
	if len(trimmed) > 0 && trimmed[0] == '{' {
		fields := &structpb.Struct{}
		if err := fields.UnmarshalJSON(trimmed); err == nil {
			return Structured{Fields: fields}
		}
	}
	return Opaque{Data: data}
}

func Encode(p Payload) ([]byte, error) {
	switch v := p.(type) {
	case nil:
		return nil, nil
	case Opaque:
		return v.Data, nil
	case Structured:
		if v.Fields == nil {
			return []byte("{}"), nil
		}
		return v.Fields.MarshalJSON()
	case Ack, Failure, ResourceUsage:
		return json.Marshal(v)
	default:
		return nil, fmt.Errorf("unsupported payload %T", p)
	}
}

// NewStructured builds a Structured payload from a plain map.
func NewStructured(fields map[string]any) (Structured, error) {
	s, err := structpb.NewStruct(fields)
	if err != nil {
		return Structured{}, fmt.Errorf("failed to build structured payload: %w", err)
	}
	return Structured{Fields: s}, nil
}
