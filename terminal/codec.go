package terminal

import (
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	moov8583 "github.com/moov-io/iso8583"

	term8583 "github.com/alovak/cardflow-terminal/terminal/iso8583"
	"github.com/alovak/cardflow-terminal/terminal/models"
)

// POS entry mode values (DE 22).
const (
	entryModeContactPin     = "051"
	entryModeContact        = "021"
	entryModeContactlessPin = "071"
	entryModeContactless    = "072"
)

// Codec builds backend request payloads from a TransactionContext and
// interprets backend responses.
type Codec struct {
	terminalID string
	merchantID string
	pinKeyMode string
	keys       KeyStore
	tpduDest   uint16
	tpduOrig   uint16
}

func NewCodec(cfg *Config, keys KeyStore) *Codec {
	return &Codec{
		terminalID: cfg.TerminalID,
		merchantID: cfg.MerchantID,
		pinKeyMode: cfg.PinKeyMode,
		keys:       keys,
		tpduDest:   cfg.TPDUDest,
		tpduOrig:   cfg.TPDUOrig,
	}
}

// BuildAuthorization maps the transaction context onto the wire payload. The
// EMV blob is passed through untouched. An online-PIN transaction without PIN
// material is refused here rather than forwarded with nothing.
func (c *Codec) BuildAuthorization(txn *models.TransactionContext) (*models.AuthorizationRequest, error) {
	req := &models.AuthorizationRequest{
		TerminalID: c.terminalID,
		MerchantID: c.merchantID,
		Amount:     majorAmount(txn.Amount),
		Currency:   txn.Currency,
		MaskedPAN:  txn.MaskedPAN,
		EMVData:    strings.ToUpper(hex.EncodeToString(txn.EMVData)),
		Datetime:   time.Now().UTC().Format(time.RFC3339),
	}

	if txn.CVM.ForwardPin {
		if len(txn.PinBlock) == 0 {
			return nil, fmt.Errorf("online pin transaction without pin block")
		}
		req.PinBlock = strings.ToUpper(hex.EncodeToString(txn.PinBlock))

		// KSN and a backend-assigned PIN key id are mutually exclusive.
		switch c.pinKeyMode {
		case "dukpt":
			if len(txn.KSN) == 0 {
				return nil, fmt.Errorf("dukpt online pin transaction without ksn")
			}
			req.KSN = strings.ToUpper(hex.EncodeToString(txn.KSN))
		default:
			keyID := c.keys.ActivePinKeyID()
			if keyID == "" {
				return nil, fmt.Errorf("session mode online pin transaction without active pin key")
			}
			req.PinKeyID = keyID
		}
	}

	entryMode := c.posEntryMode(txn)
	req.ISOFields = map[string]string{
		"mti": "0200",
		"2":   txn.MaskedPAN,
		"3":   "000000",
		"4":   req.Amount,
		"11":  stan6(txn.STAN),
		"22":  entryMode,
		"49":  txn.Currency,
		"55":  req.EMVData,
	}

	frame, err := c.packAuthorizationFrame(txn, entryMode)
	if err != nil {
		return nil, fmt.Errorf("packing authorization frame: %w", err)
	}
	req.RawFrame = base64.StdEncoding.EncodeToString(frame)

	return req, nil
}

// BuildReversal builds the voiding request for a queued authorization whose
// outcome is unknown to the host. The reversal references the original by
// STAN and RRN; no PAN travels with it.
func (c *Codec) BuildReversal(entry *models.ReversalQueueEntry) (*models.ReversalRequest, error) {
	req := &models.ReversalRequest{
		TerminalID: c.terminalID,
		MerchantID: c.merchantID,
		STAN:       stan6(entry.STAN),
		RRN:        entry.RRN,
		Amount:     majorAmount(entry.Amount),
		Currency:   entry.Currency,
		Reason:     entry.Reason,
	}

	msg := moov8583.NewMessage(term8583.Spec)
	msg.MTI(term8583.MTIReversalRequest)
	fields := map[int]string{
		3:  "000000",
		4:  minor12(entry.Amount),
		11: stan6(entry.STAN),
		41: c.terminalID,
		42: c.merchantID,
		49: entry.Currency,
	}
	if entry.RRN != "" {
		fields[37] = entry.RRN
	}
	for i, v := range fields {
		if err := msg.Field(i, v); err != nil {
			return nil, fmt.Errorf("setting field %d: %w", i, err)
		}
	}
	packed, err := msg.Pack()
	if err != nil {
		return nil, fmt.Errorf("packing reversal frame: %w", err)
	}
	req.RawFrame = base64.StdEncoding.EncodeToString(term8583.Frame(packed, c.tpduDest, c.tpduOrig))

	return req, nil
}

func (c *Codec) BuildKeyRotation() *models.KeyRotationRequest {
	return &models.KeyRotationRequest{
		TerminalID: c.terminalID,
		KeyType:    c.pinKeyMode,
		KeyID:      c.keys.ActivePinKeyID(),
	}
}

// Outcome is the interpreted backend decision.
type OutcomeKind string

const (
	OutcomeApproved OutcomeKind = "approved"
	OutcomeDeclined OutcomeKind = "declined"
	OutcomeWrongPin OutcomeKind = "wrong_pin"
	OutcomeKeySync  OutcomeKind = "key_sync"
)

type Outcome struct {
	Kind     OutcomeKind
	Code     string
	Message  string
	AuthCode string
	RRN      string
	// KernelTags are returned to the kernel on approval: the synthesized
	// authorization response code plus issuer data and scripts.
	KernelTags map[string]string
}

// DecodeAuthorization interprets a backend response. Wrong-PIN codes are
// checked before the approval code so a mislabeled response can never approve.
// A malformed issuer authentication datum fails closed as a DecodeError.
func (c *Codec) DecodeAuthorization(resp *models.AuthorizationResponse) (*Outcome, error) {
	if resp == nil || resp.ResponseCode == "" {
		return nil, &models.DecodeError{Reason: "missing response code"}
	}

	out := &Outcome{
		Code:    resp.ResponseCode,
		Message: resp.ResponseMessage,
		RRN:     resp.RRN,
	}

	switch {
	case models.WrongPinCode(resp.ResponseCode):
		out.Kind = OutcomeWrongPin
		return out, nil
	case resp.ResponseCode == models.RespKeySyncRequired:
		out.Kind = OutcomeKeySync
		return out, nil
	case resp.ResponseCode == models.RespApproved:
		if err := validateIssuerAuthData(resp.IssuerAuthData); err != nil {
			return nil, &models.DecodeError{Reason: err.Error()}
		}
		out.Kind = OutcomeApproved
		out.AuthCode = resp.AuthCode
		out.KernelTags = map[string]string{
			// "00" in ASCII: the authorization response code tag handed back
			// to the kernel.
			"8A": "3030",
		}
		if resp.IssuerAuthData != "" {
			out.KernelTags["91"] = strings.ToUpper(resp.IssuerAuthData)
		}
		for _, script := range resp.IssuerScripts {
			if script.Tag != "" {
				out.KernelTags[strings.ToUpper(script.Tag)] = strings.ToUpper(script.Value)
			}
		}
		return out, nil
	default:
		// Bank decline, surfaced verbatim.
		out.Kind = OutcomeDeclined
		return out, nil
	}
}

// validateIssuerAuthData requires even-length hex of 10 to 20 bytes when the
// datum is present.
func validateIssuerAuthData(data string) error {
	if data == "" {
		return nil
	}
	if len(data)%2 != 0 {
		return fmt.Errorf("issuer auth data has odd length")
	}
	raw, err := hex.DecodeString(data)
	if err != nil {
		return fmt.Errorf("issuer auth data is not hex")
	}
	if len(raw) < 10 || len(raw) > 20 {
		return fmt.Errorf("issuer auth data must be 10..20 bytes, got %d", len(raw))
	}
	return nil
}

func (c *Codec) packAuthorizationFrame(txn *models.TransactionContext, entryMode string) ([]byte, error) {
	msg := moov8583.NewMessage(term8583.Spec)
	msg.MTI(term8583.MTIAuthorizationRequest)
	fields := map[int]string{
		2:  txn.MaskedPAN,
		3:  "000000",
		4:  minor12(txn.Amount),
		11: stan6(txn.STAN),
		22: entryMode,
		41: c.terminalID,
		42: c.merchantID,
		49: txn.Currency,
	}
	if len(txn.EMVData) > 0 {
		fields[55] = strings.ToUpper(hex.EncodeToString(txn.EMVData))
	}
	if txn.CVM.ForwardPin && len(txn.PinBlock) > 0 {
		fields[52] = strings.ToUpper(hex.EncodeToString(txn.PinBlock))
	}
	for i, v := range fields {
		if err := msg.Field(i, v); err != nil {
			return nil, fmt.Errorf("setting field %d: %w", i, err)
		}
	}
	packed, err := msg.Pack()
	if err != nil {
		return nil, err
	}
	return term8583.Frame(packed, c.tpduDest, c.tpduOrig), nil
}

// posEntryMode derives DE 22 from the presentment mode and whether a PIN was
// captured. Contactless is detected from the card reader or from markers the
// kernel leaves in the EMV blob.
func (c *Codec) posEntryMode(txn *models.TransactionContext) string {
	contactless := txn.EntryMode == models.EntryContactless || hasContactlessMarker(txn.EMVData)
	pin := txn.PinEntered && txn.CVM.CollectPin
	switch {
	case contactless && pin:
		return entryModeContactlessPin
	case contactless:
		return entryModeContactless
	case pin:
		return entryModeContactPin
	default:
		return entryModeContact
	}
}

// hasContactlessMarker scans the raw blob for kernel tags only present on
// contactless reads (form factor indicator 9F6E, kernel identifier DF810C).
func hasContactlessMarker(emv []byte) bool {
	hx := strings.ToUpper(hex.EncodeToString(emv))
	return strings.Contains(hx, "9F6E") || strings.Contains(hx, "DF810C")
}

func majorAmount(minor int64) string {
	return fmt.Sprintf("%d.%02d", minor/100, minor%100)
}

func minor12(minor int64) string {
	return fmt.Sprintf("%012d", minor)
}

func stan6(stan int) string {
	return fmt.Sprintf("%06d", stan%1000000)
}
