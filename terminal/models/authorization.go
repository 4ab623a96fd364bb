package models

// AuthorizationRequest is the wire payload sent to the authorization backend.
// Immutable once built; one-to-one with a TransactionContext at the point of
// transmission.
type AuthorizationRequest struct {
	TerminalID string `json:"terminal_id"`
	MerchantID string `json:"merchant_id"`
	// Amount in major currency units as a decimal string, e.g. "150.00".
	Amount    string `json:"amount"`
	Currency  string `json:"currency"`
	MaskedPAN string `json:"masked_pan"`
	// EMVData is the kernel's field 55 blob, hex encoded, passed through
	// untouched.
	EMVData string `json:"emv_data"`
	// PinBlock is hex encoded and present only for online-PIN transactions.
	PinBlock string `json:"pin_block,omitempty"`
	// KSN identifies the DUKPT derived key; mutually exclusive with PinKeyID
	// (backend-assigned key in session-key mode).
	KSN      string `json:"ksn,omitempty"`
	PinKeyID string `json:"pin_key_id,omitempty"`
	// ISOFields is the ISO 8583 style field map, keys are field numbers plus
	// "mti".
	ISOFields map[string]string `json:"iso_fields"`
	Datetime  string            `json:"datetime"` // ISO 8601
	// RawFrame is the packed binary authorization frame, base64 encoded for
	// transports that cannot carry it natively.
	RawFrame string `json:"raw_frame"`
}

type IssuerScript struct {
	Tag   string `json:"tag"`
	Value string `json:"value"`
}

// AuthorizationResponse is the backend's reply, decoded from JSON or from the
// binary frame.
type AuthorizationResponse struct {
	ResponseCode    string         `json:"response_code"`
	ResponseMessage string         `json:"response_message"`
	AuthCode        string         `json:"auth_code"`
	RRN             string         `json:"rrn"`
	IssuerAuthData  string         `json:"issuer_auth_data,omitempty"`
	IssuerScripts   []IssuerScript `json:"issuer_scripts,omitempty"`
}

type ReversalRequest struct {
	TerminalID string `json:"terminal_id"`
	MerchantID string `json:"merchant_id"`
	STAN       string `json:"stan"`
	RRN        string `json:"rrn,omitempty"`
	Amount     string `json:"amount"`
	Currency   string `json:"currency"`
	Reason     string `json:"reason"`
	RawFrame   string `json:"raw_frame"`
}

type ReversalResponse struct {
	ResponseCode    string `json:"response_code"`
	ResponseMessage string `json:"response_message"`
}

type KeyRotationRequest struct {
	TerminalID string `json:"terminal_id"`
	KeyType    string `json:"key_type"` // "dukpt" or "session"
	KeyID      string `json:"key_id,omitempty"`
}

type KeyRotationResponse struct {
	ResponseCode    string `json:"response_code"`
	ResponseMessage string `json:"response_message"`
	KeyID           string `json:"key_id"`
	// KeyMaterial is the new key, hex encoded under the transport key.
	KeyMaterial   string `json:"key_material"`
	KeyCheckValue string `json:"key_check_value"`
}

// Well-known backend response codes.
const (
	RespApproved        = "00"
	RespDoNotHonor      = "05"
	RespHostUnavailable = "91"
	RespSystemError     = "96"
	RespKeySyncRequired = "97"
)

// WrongPinCode reports whether a response code indicates a retryable PIN
// verification failure.
func WrongPinCode(code string) bool {
	switch code {
	case "55", "63", "N":
		return true
	}
	return false
}
