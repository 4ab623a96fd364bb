package terminal

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/alovak/cardflow-terminal/terminal/models"
)

func TestHTTPBackendAuthorize(t *testing.T) {
	var got models.AuthorizationRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/authorizations", r.URL.Path)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		json.NewEncoder(w).Encode(models.AuthorizationResponse{
			ResponseCode: "00",
			AuthCode:     "654321",
			RRN:          "000000000099",
		})
	}))
	defer srv.Close()

	b := NewHTTPBackend(srv.URL, 5*time.Second)
	resp, err := b.Authorize(context.Background(), &models.AuthorizationRequest{
		TerminalID: "TERM0001",
		Amount:     "150.00",
	})
	require.NoError(t, err)
	require.Equal(t, "00", resp.ResponseCode)
	require.Equal(t, "654321", resp.AuthCode)
	require.Equal(t, "TERM0001", got.TerminalID)
}

func TestHTTPBackendStatusError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	}))
	defer srv.Close()

	b := NewHTTPBackend(srv.URL, 5*time.Second)
	_, err := b.Authorize(context.Background(), &models.AuthorizationRequest{})
	require.Error(t, err)

	var terr *models.TransportError
	require.ErrorAs(t, err, &terr)
	require.Equal(t, models.HTTPStatus, terr.Kind)
	require.Equal(t, http.StatusInternalServerError, terr.StatusCode)
}

func TestHTTPBackendMalformedBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("{not json"))
	}))
	defer srv.Close()

	b := NewHTTPBackend(srv.URL, 5*time.Second)
	_, err := b.Authorize(context.Background(), &models.AuthorizationRequest{})
	require.Error(t, err)

	var derr *models.DecodeError
	require.ErrorAs(t, err, &derr)
}

func TestHTTPBackendConnectFailure(t *testing.T) {
	// Reserved port with no listener.
	b := NewHTTPBackend("http://127.0.0.1:1", time.Second)
	_, err := b.Authorize(context.Background(), &models.AuthorizationRequest{})
	require.Error(t, err)

	var terr *models.TransportError
	require.ErrorAs(t, err, &terr)
	require.Equal(t, models.ConnectFailure, terr.Kind)
}

func TestHTTPBackendRotateKey(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/keys/rotate", r.URL.Path)
		json.NewEncoder(w).Encode(models.KeyRotationResponse{
			ResponseCode: "00",
			KeyID:        "key-7",
			KeyMaterial:  "00112233445566778899AABBCCDDEEFF",
		})
	}))
	defer srv.Close()

	b := NewHTTPBackend(srv.URL, 5*time.Second)
	resp, err := b.RotateKey(context.Background(), &models.KeyRotationRequest{TerminalID: "TERM0001"})
	require.NoError(t, err)
	require.Equal(t, "key-7", resp.KeyID)
}
