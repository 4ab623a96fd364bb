package terminal

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/alovak/cardflow-terminal/terminal/models"
)

// CardProfile describes a simulated card presented to the reader.
type CardProfile struct {
	PAN          string
	AID          string
	Label        string
	CVMCode      string
	FallbackHint int
	EMVData      []byte
	RiskData     string
}

// DefaultCardProfile is a contact chip card requesting online PIN.
func DefaultCardProfile() CardProfile {
	return CardProfile{
		PAN:      "4242424242424242",
		AID:      "A0000000031010",
		Label:    "CARDFLOW DEBIT",
		CVMCode:  "01",
		EMVData:  []byte{0x9F, 0x26, 0x08, 0xDE, 0xAD, 0xBE, 0xEF, 0x01, 0x02, 0x03, 0x04},
		RiskData: "0000048000",
	}
}

// SimKernel emulates the EMV kernel side of the contract for tests and the
// development endpoint. Each acknowledgement from the orchestrator advances
// the script and posts the next kernel event.
type SimKernel struct {
	submit func(Event)

	mu     sync.Mutex
	card   CardProfile
	active bool
	done   chan SimResult
}

// SimResult is the terminal outcome observed by the kernel simulator.
type SimResult struct {
	Approved bool
	Aborted  bool
	Reason   string
	Tags     map[string]string
}

func NewSimKernel() *SimKernel {
	return &SimKernel{}
}

// Bind wires the simulator to the orchestrator's event queue. Must be called
// before Present.
func (k *SimKernel) Bind(submit func(Event)) {
	k.submit = submit
}

// Present starts a transaction for the given card and returns a channel that
// yields the outcome once the kernel script completes.
func (k *SimKernel) Present(card CardProfile, amount int64, currency string, mode models.EntryMode) (<-chan SimResult, error) {
	k.mu.Lock()
	if k.active {
		k.mu.Unlock()
		return nil, fmt.Errorf("card already presented")
	}
	k.active = true
	k.card = card
	k.done = make(chan SimResult, 1)
	done := k.done
	k.mu.Unlock()

	k.submit(Event{Type: EventCardDetected, Amount: amount, Currency: currency, EntryMode: mode})
	k.submit(Event{Type: EventCandidatesOffered, Candidates: []Candidate{
		{Index: 0, AID: card.AID, Label: card.Label},
	}})
	return done, nil
}

func (k *SimKernel) SelectCandidate(index int) error {
	k.mu.Lock()
	card := k.card
	k.mu.Unlock()

	k.submit(Event{Type: EventApplicationSelected, AID: card.AID})
	k.submit(Event{Type: EventCardNumberConfirmed, PAN: card.PAN})
	return nil
}

func (k *SimKernel) ConfirmCardNumber(approved bool) error {
	if !approved {
		return k.Abort("card number rejected")
	}
	k.mu.Lock()
	card := k.card
	k.mu.Unlock()

	k.submit(Event{Type: EventPinRequested, CVMCode: card.CVMCode, FallbackHint: card.FallbackHint})
	return nil
}

// AckPinEntry moves the script to online processing.
func (k *SimKernel) AckPinEntry() error {
	k.mu.Lock()
	card := k.card
	k.mu.Unlock()

	k.submit(Event{Type: EventOnlineRequested, EMVData: card.EMVData, AID: card.AID, RiskData: card.RiskData})
	return nil
}

func (k *SimKernel) AckSignature() error {
	return nil
}

func (k *SimKernel) CompleteOnline(approved bool, tags map[string]string) error {
	k.mu.Lock()
	defer k.mu.Unlock()
	if !k.active {
		return fmt.Errorf("no active card session")
	}
	k.active = false
	k.done <- SimResult{Approved: approved, Tags: tags}
	return nil
}

func (k *SimKernel) Abort(reason string) error {
	k.mu.Lock()
	defer k.mu.Unlock()
	if !k.active {
		return nil
	}
	k.active = false
	k.done <- SimResult{Aborted: true, Reason: reason}
	return nil
}

// StaticPinPad returns a fixed PIN block after an optional delay. The KSN is
// included only when set, matching DUKPT versus session-key mode.
type StaticPinPad struct {
	Block []byte
	KSN   []byte
	Delay time.Duration

	mu       sync.Mutex
	captures int
	failFrom int // fail captures numbered >= failFrom; 0 disables
}

func NewStaticPinPad() *StaticPinPad {
	return &StaticPinPad{
		Block: []byte{0x04, 0x12, 0x34, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF},
		KSN:   []byte{0xFF, 0xFF, 0x98, 0x76, 0x54, 0x32, 0x10, 0xE0, 0x00, 0x01},
	}
}

func (p *StaticPinPad) Capture(ctx context.Context, maskedPAN string, online bool) (PinResult, error) {
	p.mu.Lock()
	p.captures++
	n := p.captures
	fail := p.failFrom > 0 && n >= p.failFrom
	p.mu.Unlock()

	if fail {
		return PinResult{}, fmt.Errorf("cardholder cancelled pin entry")
	}

	if p.Delay > 0 {
		select {
		case <-time.After(p.Delay):
		case <-ctx.Done():
			return PinResult{}, ctx.Err()
		}
	}

	// Fresh copies per capture so the orchestrator can wipe them.
	block := make([]byte, len(p.Block))
	copy(block, p.Block)
	var ksn []byte
	if len(p.KSN) > 0 {
		ksn = make([]byte, len(p.KSN))
		copy(ksn, p.KSN)
	}
	return PinResult{Block: block, KSN: ksn}, nil
}

// Captures reports how many PIN entries the pad performed.
func (p *StaticPinPad) Captures() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.captures
}
