package terminal

import (
	"encoding/base64"
	"testing"

	moov8583 "github.com/moov-io/iso8583"
	"github.com/stretchr/testify/require"

	"github.com/alovak/cardflow-terminal/internal/cvm"
	term8583 "github.com/alovak/cardflow-terminal/terminal/iso8583"
	"github.com/alovak/cardflow-terminal/terminal/models"
)

func testCodec(t *testing.T, mode string) *Codec {
	t.Helper()
	cfg := DefaultConfig()
	cfg.PinKeyMode = mode
	return NewCodec(cfg, NewMemoryKeyStore())
}

func onlinePinTxn() *models.TransactionContext {
	return &models.TransactionContext{
		ID:         "txn-1",
		STAN:       42,
		Amount:     15000,
		Currency:   "840",
		EntryMode:  models.EntryContact,
		MaskedPAN:  "424242XXXXXX4242",
		CVM:        cvm.Decision{Method: cvm.OnlinePin, CollectPin: true, ForwardPin: true},
		PinEntered: true,
		PinBlock:   []byte{0x04, 0x12, 0x34, 0x56, 0x78, 0x9A, 0xBC, 0xDE},
		KSN:        []byte{0xFF, 0xFF, 0x98, 0x76, 0x54, 0x32, 0x10, 0xE0, 0x00, 0x01},
		EMVData:    []byte{0x9F, 0x26, 0x08, 0x01, 0x02, 0x03, 0x04, 0x05, 0x06, 0x07, 0x08},
	}
}

func TestBuildAuthorization(t *testing.T) {
	codec := testCodec(t, "dukpt")
	txn := onlinePinTxn()

	req, err := codec.BuildAuthorization(txn)
	require.NoError(t, err)

	require.Equal(t, "150.00", req.Amount)
	require.Equal(t, "424242XXXXXX4242", req.MaskedPAN)
	require.Equal(t, "04123456789ABCDE", req.PinBlock)
	require.Equal(t, "FFFF9876543210E00001", req.KSN)
	require.Empty(t, req.PinKeyID)

	require.Equal(t, "0200", req.ISOFields["mti"])
	require.Equal(t, "000042", req.ISOFields["11"])
	require.Equal(t, "051", req.ISOFields["22"])

	// The raw frame unpacks back to the original fields.
	frame, err := base64.StdEncoding.DecodeString(req.RawFrame)
	require.NoError(t, err)
	packed, dest, orig, err := term8583.Unframe(frame)
	require.NoError(t, err)
	require.Equal(t, uint16(0), dest)
	require.Equal(t, uint16(0), orig)

	msg := moov8583.NewMessage(term8583.Spec)
	require.NoError(t, msg.Unpack(packed))
	mti, err := msg.GetMTI()
	require.NoError(t, err)
	require.Equal(t, "0100", mti)
	// Left zero padding is stripped on unpack.
	stan, err := msg.GetString(11)
	require.NoError(t, err)
	require.Equal(t, "42", stan)
	amount, err := msg.GetString(4)
	require.NoError(t, err)
	require.Equal(t, "15000", amount)
	pinBlock, err := msg.GetString(52)
	require.NoError(t, err)
	require.Equal(t, "04123456789ABCDE", pinBlock)
}

func TestBuildAuthorizationWithoutPinMaterial(t *testing.T) {
	codec := testCodec(t, "dukpt")

	txn := onlinePinTxn()
	txn.PinBlock = nil
	_, err := codec.BuildAuthorization(txn)
	require.Error(t, err)

	txn = onlinePinTxn()
	txn.KSN = nil
	_, err = codec.BuildAuthorization(txn)
	require.Error(t, err)
}

func TestBuildAuthorizationSessionKeyMode(t *testing.T) {
	cfg := DefaultConfig()
	cfg.PinKeyMode = "session"
	keys := NewMemoryKeyStore()
	codec := NewCodec(cfg, keys)

	txn := onlinePinTxn()
	_, err := codec.BuildAuthorization(txn)
	require.Error(t, err, "no active key yet")

	require.NoError(t, keys.StorePinKey("key-1", []byte{1, 2, 3}, "ABC123"))

	txn = onlinePinTxn()
	req, err := codec.BuildAuthorization(txn)
	require.NoError(t, err)
	require.Equal(t, "key-1", req.PinKeyID)
	require.Empty(t, req.KSN)
}

func TestPosEntryMode(t *testing.T) {
	codec := testCodec(t, "dukpt")

	tests := []struct {
		name string
		txn  *models.TransactionContext
		want string
	}{
		{
			name: "contact with pin",
			txn: &models.TransactionContext{
				EntryMode:  models.EntryContact,
				CVM:        cvm.Decision{CollectPin: true},
				PinEntered: true,
			},
			want: "051",
		},
		{
			name: "contact without pin",
			txn:  &models.TransactionContext{EntryMode: models.EntryContact},
			want: "021",
		},
		{
			name: "contactless with pin",
			txn: &models.TransactionContext{
				EntryMode:  models.EntryContactless,
				CVM:        cvm.Decision{CollectPin: true},
				PinEntered: true,
			},
			want: "071",
		},
		{
			name: "contactless without pin",
			txn:  &models.TransactionContext{EntryMode: models.EntryContactless},
			want: "072",
		},
		{
			name: "contactless detected from emv marker",
			txn: &models.TransactionContext{
				EntryMode: models.EntryContact,
				EMVData:   []byte{0x9F, 0x6E, 0x04, 0x01, 0x02, 0x03, 0x04},
			},
			want: "072",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			require.Equal(t, tt.want, codec.posEntryMode(tt.txn))
		})
	}
}

func TestDecodeAuthorization(t *testing.T) {
	codec := testCodec(t, "dukpt")

	t.Run("approved", func(t *testing.T) {
		out, err := codec.DecodeAuthorization(&models.AuthorizationResponse{
			ResponseCode:   "00",
			AuthCode:       "123456",
			RRN:            "000000000042",
			IssuerAuthData: "00112233445566778899",
			IssuerScripts:  []models.IssuerScript{{Tag: "71", Value: "DEADBEEF"}},
		})
		require.NoError(t, err)
		require.Equal(t, OutcomeApproved, out.Kind)
		require.Equal(t, "123456", out.AuthCode)
		require.Equal(t, "3030", out.KernelTags["8A"])
		require.Equal(t, "00112233445566778899", out.KernelTags["91"])
		require.Equal(t, "DEADBEEF", out.KernelTags["71"])
	})

	t.Run("wrong pin wins over approval code", func(t *testing.T) {
		for _, code := range []string{"55", "63", "N"} {
			out, err := codec.DecodeAuthorization(&models.AuthorizationResponse{ResponseCode: code})
			require.NoError(t, err)
			require.Equal(t, OutcomeWrongPin, out.Kind)
		}
	})

	t.Run("key sync", func(t *testing.T) {
		out, err := codec.DecodeAuthorization(&models.AuthorizationResponse{ResponseCode: "97"})
		require.NoError(t, err)
		require.Equal(t, OutcomeKeySync, out.Kind)
	})

	t.Run("decline passes through", func(t *testing.T) {
		out, err := codec.DecodeAuthorization(&models.AuthorizationResponse{ResponseCode: "05"})
		require.NoError(t, err)
		require.Equal(t, OutcomeDeclined, out.Kind)
		require.Equal(t, "05", out.Code)
	})

	t.Run("missing response code", func(t *testing.T) {
		_, err := codec.DecodeAuthorization(&models.AuthorizationResponse{})
		require.Error(t, err)
		var derr *models.DecodeError
		require.ErrorAs(t, err, &derr)
	})
}

func TestValidateIssuerAuthData(t *testing.T) {
	tests := []struct {
		name    string
		data    string
		wantErr bool
	}{
		{"absent", "", false},
		{"ten bytes", "00112233445566778899", false},
		{"twenty bytes", "0011223344556677889900112233445566778899", false},
		{"odd length", "001", true},
		{"not hex", "ZZ112233445566778899", true},
		{"too short", "001122334455667788", true},
		{"too long", "001122334455667788990011223344556677889900", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := validateIssuerAuthData(tt.data)
			if tt.wantErr {
				require.Error(t, err)
			} else {
				require.NoError(t, err)
			}
		})
	}
}

func TestDecodeMalformedIssuerAuthDataFailsClosed(t *testing.T) {
	codec := testCodec(t, "dukpt")

	_, err := codec.DecodeAuthorization(&models.AuthorizationResponse{
		ResponseCode:   "00",
		AuthCode:       "123456",
		IssuerAuthData: "NOTHEX",
	})
	require.Error(t, err)
	var derr *models.DecodeError
	require.ErrorAs(t, err, &derr)
}

func TestBuildReversal(t *testing.T) {
	codec := testCodec(t, "dukpt")

	req, err := codec.BuildReversal(&models.ReversalQueueEntry{
		ID:       "rev-1",
		STAN:     42,
		RRN:      "000000000042",
		Amount:   15000,
		Currency: "840",
		Reason:   models.ReversalReasonHostTimeout,
	})
	require.NoError(t, err)
	require.Equal(t, "000042", req.STAN)
	require.Equal(t, "150.00", req.Amount)

	frame, err := base64.StdEncoding.DecodeString(req.RawFrame)
	require.NoError(t, err)
	packed, _, _, err := term8583.Unframe(frame)
	require.NoError(t, err)

	msg := moov8583.NewMessage(term8583.Spec)
	require.NoError(t, msg.Unpack(packed))
	mti, err := msg.GetMTI()
	require.NoError(t, err)
	require.Equal(t, "0400", mti)
	rrn, err := msg.GetString(37)
	require.NoError(t, err)
	require.Equal(t, "000000000042", rrn)
}
