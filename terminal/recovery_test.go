package terminal

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"

	"github.com/alovak/cardflow-terminal/terminal/models"
)

type rotationBackend struct {
	scriptedBackend
	rotateErr   error
	rotateDelay time.Duration
}

func (b *rotationBackend) RotateKey(ctx context.Context, req *models.KeyRotationRequest) (*models.KeyRotationResponse, error) {
	b.mu.Lock()
	b.rotations++
	b.mu.Unlock()
	if b.rotateDelay > 0 {
		time.Sleep(b.rotateDelay)
	}
	if b.rotateErr != nil {
		return nil, b.rotateErr
	}
	return &models.KeyRotationResponse{
		ResponseCode:  models.RespApproved,
		KeyID:         "key-new",
		KeyMaterial:   "FFEEDDCCBBAA99887766554433221100",
		KeyCheckValue: "1A2B3C",
	}, nil
}

func newRecoveryFixture(t *testing.T, backend AuthorizationBackend) (*RecoveryManager, *Repository, *MemoryKeyStore) {
	t.Helper()
	cfg := DefaultConfig()
	repo := NewRepository()
	keys := NewMemoryKeyStore()
	metrics := NewMetrics(prometheus.NewRegistry())
	codec := NewCodec(cfg, keys)
	return NewRecoveryManager(testLogger(), codec, backend, keys, repo, metrics), repo, keys
}

func TestHandleTransportFailure(t *testing.T) {
	m, repo, _ := newRecoveryFixture(t, &rotationBackend{})

	txn := &models.TransactionContext{
		ID:        "txn-1",
		STAN:      11,
		Amount:    5000,
		Currency:  "840",
		EntryMode: models.EntryContact,
	}
	m.HandleTransportFailure(txn, &models.TransportError{Kind: models.Timeout, Err: fmt.Errorf("dial timeout")})

	reversals, err := repo.ListReversals(context.Background())
	require.NoError(t, err)
	require.Len(t, reversals, 1)
	require.Equal(t, models.ReversalReasonHostTimeout, reversals[0].Reason)
	require.Equal(t, 11, reversals[0].STAN)

	entry, err := repo.FindJournalBySTAN(context.Background(), 11)
	require.NoError(t, err)
	require.Equal(t, models.RespHostUnavailable, entry.ResponseCode)
}

func TestHandleTransportFailureReason(t *testing.T) {
	m, repo, _ := newRecoveryFixture(t, &rotationBackend{})

	txn := &models.TransactionContext{ID: "txn-2", STAN: 12, Amount: 5000, Currency: "840"}
	m.HandleTransportFailure(txn, &models.TransportError{Kind: models.ConnectFailure, Err: fmt.Errorf("refused")})

	reversals, err := repo.ListReversals(context.Background())
	require.NoError(t, err)
	require.Len(t, reversals, 1)
	require.Equal(t, models.ReversalReasonHostError, reversals[0].Reason)
}

func TestHandleKeySyncRotates(t *testing.T) {
	backend := &rotationBackend{}
	m, _, keys := newRecoveryFixture(t, backend)

	m.HandleKeySync()
	m.Wait()

	require.Equal(t, "key-new", keys.ActivePinKeyID())
	_, message := m.Status()
	require.Equal(t, "keys rotated, retry transaction", message)
}

// Key-sync responses arriving while a rotation is in flight coalesce into a
// single backend call.
func TestHandleKeySyncCoalesces(t *testing.T) {
	backend := &rotationBackend{rotateDelay: 100 * time.Millisecond}
	m, _, _ := newRecoveryFixture(t, backend)

	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			m.HandleKeySync()
		}()
	}
	wg.Wait()
	m.Wait()

	backend.mu.Lock()
	rotations := backend.rotations
	backend.mu.Unlock()
	require.Equal(t, 1, rotations)
}

func TestHandleKeySyncFailure(t *testing.T) {
	backend := &rotationBackend{rotateErr: &models.TransportError{Kind: models.Timeout, Err: fmt.Errorf("host down")}}
	m, _, keys := newRecoveryFixture(t, backend)

	m.HandleKeySync()
	m.Wait()

	require.Empty(t, keys.ActivePinKeyID())
	rotating, message := m.Status()
	require.False(t, rotating)
	require.Equal(t, "key rotation failed", message)
}

func TestSweepReversals(t *testing.T) {
	m, repo, _ := newRecoveryFixture(t, &rotationBackend{})
	ctx := context.Background()

	for i := 1; i <= 3; i++ {
		require.NoError(t, repo.EnqueueReversal(ctx, &models.ReversalQueueEntry{
			ID:        fmt.Sprintf("rev-%d", i),
			STAN:      i,
			Amount:    1000,
			Currency:  "840",
			Reason:    models.ReversalReasonHostTimeout,
			CreatedAt: time.Now(),
		}))
	}

	n, err := m.SweepReversals(ctx)
	require.NoError(t, err)
	require.Equal(t, 3, n)

	remaining, err := repo.ListReversals(ctx)
	require.NoError(t, err)
	require.Empty(t, remaining)
}

func TestSweepReversalsEmptyQueue(t *testing.T) {
	m, _, _ := newRecoveryFixture(t, &rotationBackend{})

	n, err := m.SweepReversals(context.Background())
	require.NoError(t, err)
	require.Zero(t, n)
}

func TestRotationStatusWhileInFlight(t *testing.T) {
	backend := &rotationBackend{}
	m, _, _ := newRecoveryFixture(t, backend)
	m.rotateTimeout = time.Second

	m.HandleKeySync()
	m.Wait()

	rotating, _ := m.Status()
	require.False(t, rotating)
}
