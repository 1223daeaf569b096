package models

import "time"

// MessageType classifies bus messages.
type MessageType string

const (
	MessageCommand MessageType = "Command"
	MessageQuery   MessageType = "Query"
	MessageInfo    MessageType = "Info"
	MessageAlert   MessageType = "Alert"
)

// Valid returns true if the type is a known value.
func (t MessageType) Valid() bool {
	switch t {
	case MessageCommand, MessageQuery, MessageInfo, MessageAlert:
		return true
	default:
		return false
	}
}

// Message is a unit of inter-agent communication.
type Message struct {
	ID            string            `json:"id"`
	Timestamp     time.Time         `json:"timestamp"`
	Sender        Role              `json:"sender"`
	Receiver      Role              `json:"receiver"`
	Type          MessageType       `json:"type"`
	Channel       string            `json:"channel"`
	Content       string            `json:"content"`
	CorrelationID string            `json:"correlation_id,omitempty"`
	Metadata      map[string]string `json:"metadata,omitempty"`
}

// IsBroadcast reports whether the message is addressed to every role.
func (m *Message) IsBroadcast() bool {
	return m.Receiver == RoleBroadcast
}

// Clone returns a copy with its own metadata map.
func (m Message) Clone() Message {
	if m.Metadata != nil {
		md := make(map[string]string, len(m.Metadata))
		for k, v := range m.Metadata {
			md[k] = v
		}
		m.Metadata = md
	}
	return m
}

// MetricPoint is a named measurement with tags.
type MetricPoint struct {
	Name      string            `json:"name"`
	Value     float64           `json:"value"`
	Tags      map[string]string `json:"tags,omitempty"`
	Timestamp time.Time         `json:"timestamp"`
}
