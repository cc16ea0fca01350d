package domain

import "time"

// InboundMessage is produced by platform adapters.
type InboundMessage struct {
	Platform       Platform  `json:"platform"`
	ConversationID string    `json:"conversation_id"`
	Text           string    `json:"text"`
	SenderID       string    `json:"sender_id,omitempty"`
	Timestamp      time.Time `json:"timestamp"`
}

// Key returns the admission key for the message's conversation.
func (m InboundMessage) Key() string {
	return ConversationKey(m.Platform, m.ConversationID)
}

// ChunkKind classifies outbound chunks.
type ChunkKind string

const (
	ChunkText   ChunkKind = "text"
	ChunkError  ChunkKind = "error"
	ChunkStatus ChunkKind = "status"
)

// OutboundChunk is consumed by platform adapters, which decide how to render it.
type OutboundChunk struct {
	Kind ChunkKind `json:"kind"`
	Text string    `json:"text"`
}

// TextChunk builds a text chunk.
func TextChunk(s string) OutboundChunk { return OutboundChunk{Kind: ChunkText, Text: s} }

// StatusChunk builds a status chunk.
func StatusChunk(s string) OutboundChunk { return OutboundChunk{Kind: ChunkStatus, Text: s} }

// ErrorChunk builds an error chunk.
func ErrorChunk(s string) OutboundChunk { return OutboundChunk{Kind: ChunkError, Text: s} }
