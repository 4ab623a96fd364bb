package terminal

import (
	"bytes"
	"encoding/json"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/alovak/cardflow-terminal/terminal/models"
)

func startTestApp(t *testing.T) *App {
	t.Helper()

	cfg := DefaultConfig()
	cfg.HTTPAddr = "localhost:0"

	app := NewApp(testLogger(), cfg)
	require.NoError(t, app.Start())
	t.Cleanup(app.Shutdown)
	return app
}

func TestAppEndToEnd(t *testing.T) {
	app := startTestApp(t)
	base := "http://" + app.Addr

	t.Run("liveness", func(t *testing.T) {
		resp, err := http.Get(base + "/-/live")
		require.NoError(t, err)
		defer resp.Body.Close()
		require.Equal(t, http.StatusOK, resp.StatusCode)
	})

	t.Run("readiness", func(t *testing.T) {
		resp, err := http.Get(base + "/-/ready")
		require.NoError(t, err)
		defer resp.Body.Close()
		require.Equal(t, http.StatusOK, resp.StatusCode)
	})

	t.Run("approved transaction", func(t *testing.T) {
		body, _ := json.Marshal(map[string]any{"amount": 15000})
		resp, err := http.Post(base+"/dev/transactions", "application/json", bytes.NewReader(body))
		require.NoError(t, err)
		defer resp.Body.Close()
		require.Equal(t, http.StatusOK, resp.StatusCode)

		var result struct {
			Approved     bool   `json:"approved"`
			State        string `json:"state"`
			ResponseCode string `json:"response_code"`
		}
		require.NoError(t, json.NewDecoder(resp.Body).Decode(&result))
		require.True(t, result.Approved)
		require.Equal(t, string(models.StateResolvedApproved), result.State)
		require.Equal(t, "00", result.ResponseCode)
	})

	t.Run("declined transaction", func(t *testing.T) {
		body, _ := json.Marshal(map[string]any{"amount": 30000})
		resp, err := http.Post(base+"/dev/transactions", "application/json", bytes.NewReader(body))
		require.NoError(t, err)
		defer resp.Body.Close()

		var result struct {
			Approved bool   `json:"approved"`
			State    string `json:"state"`
		}
		require.NoError(t, json.NewDecoder(resp.Body).Decode(&result))
		require.False(t, result.Approved)
		require.Equal(t, string(models.StateResolvedDeclined), result.State)
	})

	t.Run("journal lists both outcomes", func(t *testing.T) {
		resp, err := http.Get(base + "/journal")
		require.NoError(t, err)
		defer resp.Body.Close()
		require.Equal(t, http.StatusOK, resp.StatusCode)

		var entries []models.JournalEntry
		require.NoError(t, json.NewDecoder(resp.Body).Decode(&entries))
		require.Len(t, entries, 2)
		// Newest first.
		require.Equal(t, "05", entries[0].ResponseCode)
		require.Equal(t, "00", entries[1].ResponseCode)
	})

	t.Run("journal entry by stan", func(t *testing.T) {
		resp, err := http.Get(base + "/journal/1")
		require.NoError(t, err)
		defer resp.Body.Close()
		require.Equal(t, http.StatusOK, resp.StatusCode)

		var entry models.JournalEntry
		require.NoError(t, json.NewDecoder(resp.Body).Decode(&entry))
		require.Equal(t, 1, entry.STAN)
		require.Equal(t, "00", entry.ResponseCode)

		resp, err = http.Get(base + "/journal/999")
		require.NoError(t, err)
		defer resp.Body.Close()
		require.Equal(t, http.StatusNotFound, resp.StatusCode)
	})

	t.Run("status", func(t *testing.T) {
		resp, err := http.Get(base + "/status")
		require.NoError(t, err)
		defer resp.Body.Close()

		var status struct {
			State    string `json:"state"`
			LastCode string `json:"last_response_code"`
		}
		require.NoError(t, json.NewDecoder(resp.Body).Decode(&status))
		require.Equal(t, string(models.StateResolvedDeclined), status.State)
		require.Equal(t, "05", status.LastCode)
	})

	t.Run("metrics", func(t *testing.T) {
		resp, err := http.Get(base + "/metrics")
		require.NoError(t, err)
		defer resp.Body.Close()
		require.Equal(t, http.StatusOK, resp.StatusCode)
	})

	t.Run("rejects bad amount", func(t *testing.T) {
		body, _ := json.Marshal(map[string]any{"amount": 0})
		resp, err := http.Post(base+"/dev/transactions", "application/json", bytes.NewReader(body))
		require.NoError(t, err)
		defer resp.Body.Close()
		require.Equal(t, http.StatusBadRequest, resp.StatusCode)
	})
}

// A transaction over the mock's transport-failure threshold leaves a queued
// reversal visible on the API.
func TestAppTransportFailurePath(t *testing.T) {
	app := startTestApp(t)
	base := "http://" + app.Addr

	body, _ := json.Marshal(map[string]any{"amount": 60000})
	resp, err := http.Post(base+"/dev/transactions", "application/json", bytes.NewReader(body))
	require.NoError(t, err)
	defer resp.Body.Close()

	var result struct {
		Approved bool   `json:"approved"`
		State    string `json:"state"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&result))
	require.False(t, result.Approved)
	require.Equal(t, string(models.StateReversalQueued), result.State)

	require.Eventually(t, func() bool {
		resp, err := http.Get(base + "/reversals")
		if err != nil {
			return false
		}
		defer resp.Body.Close()
		var entries []models.ReversalQueueEntry
		if err := json.NewDecoder(resp.Body).Decode(&entries); err != nil {
			return false
		}
		return len(entries) == 1
	}, 2*time.Second, 20*time.Millisecond)
}

func TestAppConcurrentPresentRejected(t *testing.T) {
	app := startTestApp(t)

	_, err := app.Kernel.Present(DefaultCardProfile(), 15000, "840", models.EntryContact)
	require.NoError(t, err)

	_, err = app.Kernel.Present(DefaultCardProfile(), 15000, "840", models.EntryContact)
	require.Error(t, err)
	require.Equal(t, "card already presented", err.Error())
}
