package ws

import (
	"github.com/tote-system/whatsapp-gateway/internal/health"
	"github.com/tote-system/whatsapp-gateway/internal/session"
)

type MessageType string

const (
	MsgSnapshot MessageType = "snapshot"
	MsgDelta    MessageType = "delta"
	MsgError    MessageType = "error"
)

type WSMessage struct {
	Type    MessageType `json:"type"`
	Payload interface{} `json:"payload"`
}

type SnapshotPayload struct {
	Instances []session.Info  `json:"instances"`
	Health    health.Snapshot `json:"health"`
}

type DeltaPayload struct {
	Updates []session.Info `json:"updates"`
	Removed []string       `json:"removed,omitempty"`
}
