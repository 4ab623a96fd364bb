package models

import (
	"time"

	"github.com/alovak/cardflow-terminal/internal/cvm"
)

// State of the transaction lifecycle as driven by the orchestrator.
type State string

const (
	StateIdle              State = "IDLE"
	StateCardPresented     State = "CARD_PRESENTED"
	StateKernelSelecting   State = "KERNEL_SELECTING"
	StateCvmPinPending     State = "CVM_PIN_PENDING"
	StateOnlineAuthPending State = "ONLINE_AUTH_PENDING"
	StateResolvedApproved  State = "RESOLVED_APPROVED"
	StateResolvedDeclined  State = "RESOLVED_DECLINED"
	StateResolvedError     State = "RESOLVED_ERROR"
	StateReversalQueued    State = "REVERSAL_QUEUED"
)

// Terminal reports whether the state is a final outcome.
func (s State) Terminal() bool {
	switch s {
	case StateResolvedApproved, StateResolvedDeclined, StateResolvedError, StateReversalQueued:
		return true
	}
	return false
}

// EntryMode is how the card was presented to the reader.
type EntryMode string

const (
	EntryContact     EntryMode = "contact"
	EntryContactless EntryMode = "contactless"
)

// TransactionContext is the mutable per-attempt state. It is created when a
// card is detected and exclusively owned by the orchestrator's event loop
// until the transaction reaches a terminal state, at which point Zero must be
// called.
type TransactionContext struct {
	ID        string
	STAN      int
	Amount    int64 // minor units
	Currency  string
	EntryMode EntryMode
	MaskedPAN string

	CVM         cvm.Decision
	CVMResolved bool
	PinEntered  bool

	// PinBlock and KSN are opaque material from the secure PIN pad. They must
	// be wiped immediately after being transmitted or discarded.
	PinBlock []byte
	KSN      []byte

	// EMVData is the kernel's opaque field 55 blob, kept for PIN-retry
	// resubmission.
	EMVData []byte
	// AID and RiskData are journaled with the outcome.
	AID      string
	RiskData string

	RetryAttempts int
	StartedAt     time.Time
	ResolvedAt    time.Time
}

// ClearPinMaterial overwrites and drops the PIN block and KSN. Called after
// every use of the PIN block: transmit, retry, cancel.
func (t *TransactionContext) ClearPinMaterial() {
	for i := range t.PinBlock {
		t.PinBlock[i] = 0
	}
	t.PinBlock = nil
	for i := range t.KSN {
		t.KSN[i] = 0
	}
	t.KSN = nil
}

// Zero wipes all sensitive fields. The context must not be used afterwards.
func (t *TransactionContext) Zero() {
	t.ClearPinMaterial()
	for i := range t.EMVData {
		t.EMVData[i] = 0
	}
	t.EMVData = nil
	t.MaskedPAN = ""
	t.ResolvedAt = time.Now()
}
