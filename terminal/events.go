package terminal

import (
	"context"

	"github.com/alovak/cardflow-terminal/terminal/models"
)

// EventType is the finite set of notifications driving the orchestrator. The
// kernel, the PIN pad and the transport workers all post into the same
// single-consumer queue, so every kernel-facing acknowledgement is issued
// from one logical sequence.
type EventType string

const (
	EventCardDetected        EventType = "card_detected"
	EventCandidatesOffered   EventType = "candidates_offered"
	EventApplicationSelected EventType = "application_selected"
	EventCardNumberConfirmed EventType = "card_number_confirmed"
	EventPinRequested        EventType = "pin_requested"
	EventPinEntered          EventType = "pin_entered"
	EventSignatureRequested  EventType = "signature_requested"
	EventOnlineRequested     EventType = "online_requested"
	EventResult              EventType = "result"
	EventCancel              EventType = "cancel"

	// internal completions
	eventAuthCompleted EventType = "auth_completed"
	eventWatchdog      EventType = "watchdog"
)

// Candidate is one application offered by the kernel during selection.
type Candidate struct {
	Index int
	AID   string
	Label string
}

// Event carries one notification. Only the fields relevant to its type are
// set.
type Event struct {
	Type EventType

	// EventCardDetected
	Amount    int64
	Currency  string
	EntryMode models.EntryMode

	// EventCandidatesOffered
	Candidates []Candidate

	// EventCardNumberConfirmed
	PAN string

	// EventPinRequested
	CVMCode           string
	FallbackHint      int
	RemainingAttempts int

	// EventPinEntered
	PinBlock []byte
	KSN      []byte

	// EventOnlineRequested
	EMVData  []byte
	AID      string
	RiskData string

	// EventResult / EventCancel
	Code        string
	Description string

	// internal
	txnID    string
	authResp *models.AuthorizationResponse
	authErr  error
}

// KernelDriver is the acknowledgement side of the EMV kernel contract. Every
// kernel callback must be answered through exactly one of these calls within
// the kernel's own deadline.
type KernelDriver interface {
	SelectCandidate(index int) error
	ConfirmCardNumber(approved bool) error
	// AckPinEntry tells the kernel the PIN step is complete. For offline PIN,
	// no-CVM and CDCVM this must never wait on network I/O.
	AckPinEntry() error
	AckSignature() error
	// CompleteOnline resolves the kernel's online-processing callback with an
	// approval decision and the response verification tags.
	CompleteOnline(approved bool, tags map[string]string) error
	// Abort cancels the kernel interaction with a terminal failure.
	Abort(reason string) error
}

// PinResult is the opaque material produced by the secure PIN pad.
type PinResult struct {
	Block []byte
	KSN   []byte
}

// PinPad is the secure-capture collaborator. Capture blocks until the
// cardholder finishes; the orchestrator runs it off the event loop.
type PinPad interface {
	Capture(ctx context.Context, maskedPAN string, online bool) (PinResult, error)
}
