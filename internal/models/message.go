package models

import "time"

type MessageKind string

const (
	KindText          MessageKind = ""
	KindFinishRequest MessageKind = "finish_request"
)

type Message struct {
	ID         string      `json:"id"`
	JobID      string      `json:"job_id"`
	SenderID   string      `json:"sender_id,omitempty"`
	SenderName string      `json:"sender_name,omitempty"`
	Body       string      `json:"body"`
	Kind       MessageKind `json:"kind,omitempty"`
	System     bool        `json:"system"`
	CreatedAt  time.Time   `json:"created_at"`
}
