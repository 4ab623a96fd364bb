package models

import "time"

// JournalEntry is the append-only audit record, written exactly once per
// terminal outcome.
type JournalEntry struct {
	ID           string    `json:"id"`
	STAN         int       `json:"stan"`
	RRN          string    `json:"rrn,omitempty"`
	ResponseCode string    `json:"response_code"`
	AuthCode     string    `json:"auth_code,omitempty"`
	EntryMode    string    `json:"entry_mode"`
	AID          string    `json:"aid,omitempty"`
	RiskData     string    `json:"risk_data,omitempty"` // hex TVR/TSI bytes
	Amount       int64     `json:"amount"`
	Currency     string    `json:"currency"`
	CreatedAt    time.Time `json:"created_at"`
}

// Reversal reasons.
const (
	ReversalReasonHostTimeout = "host-timeout"
	ReversalReasonHostError   = "host-error"
	ReversalReasonKeySync     = "key-sync"
)

// ReversalQueueEntry is a durable record of an authorization whose outcome is
// unknown to the host. A retry sweeper outside this process consumes it.
type ReversalQueueEntry struct {
	ID        string    `json:"id"`
	STAN      int       `json:"stan"`
	RRN       string    `json:"rrn,omitempty"`
	Amount    int64     `json:"amount"`
	Currency  string    `json:"currency"`
	Reason    string    `json:"reason"`
	CreatedAt time.Time `json:"created_at"`
}
