package terminal

import (
	"context"
	"encoding/hex"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/exp/slog"

	"github.com/alovak/cardflow-terminal/terminal/models"
)

// RecoveryManager handles the two failure paths that outlive a single
// authorization exchange: queueing reversals for outcomes the host never
// confirmed, and rotating PIN keys after a key-sync response. Rotation runs on
// its own goroutine so the declined transaction resolves without waiting on
// it.
type RecoveryManager struct {
	logger  *slog.Logger
	codec   *Codec
	backend AuthorizationBackend
	keys    KeyStore
	repo    *Repository
	metrics *Metrics

	rotateTimeout time.Duration

	mu         sync.RWMutex
	rotating   bool
	lastStatus string

	wg sync.WaitGroup
}

func NewRecoveryManager(logger *slog.Logger, codec *Codec, backend AuthorizationBackend, keys KeyStore, repo *Repository, metrics *Metrics) *RecoveryManager {
	return &RecoveryManager{
		logger:        logger.With(slog.String("component", "recovery")),
		codec:         codec,
		backend:       backend,
		keys:          keys,
		repo:          repo,
		metrics:       metrics,
		rotateTimeout: 30 * time.Second,
	}
}

// HandleTransportFailure records an authorization whose outcome is unknown to
// the host: a reversal queue entry for the sweeper and a journal entry with
// the host-unavailable code. The caller resolves the transaction as declined.
func (m *RecoveryManager) HandleTransportFailure(txn *models.TransactionContext, terr *models.TransportError) {
	reason := models.ReversalReasonHostError
	if terr.Kind == models.Timeout {
		reason = models.ReversalReasonHostTimeout
	}

	now := time.Now()
	reversal := &models.ReversalQueueEntry{
		ID:        uuid.New().String(),
		STAN:      txn.STAN,
		Amount:    txn.Amount,
		Currency:  txn.Currency,
		Reason:    reason,
		CreatedAt: now,
	}
	if err := m.repo.EnqueueReversal(context.Background(), reversal); err != nil {
		m.logger.Error("queueing reversal", "err", err)
	} else {
		m.metrics.ReversalsQueued.Inc()
	}

	entry := &models.JournalEntry{
		ID:           uuid.New().String(),
		STAN:         txn.STAN,
		ResponseCode: models.RespHostUnavailable,
		EntryMode:    string(txn.EntryMode),
		AID:          txn.AID,
		RiskData:     txn.RiskData,
		Amount:       txn.Amount,
		Currency:     txn.Currency,
		CreatedAt:    now,
	}
	if err := m.repo.AppendJournal(context.Background(), entry); err != nil {
		m.logger.Error("journaling transport failure", "err", err)
	}

	m.logger.Warn("authorization outcome unknown, reversal queued",
		slog.Int("stan", txn.STAN),
		slog.String("reason", reason),
	)
}

// HandleKeySync starts a PIN key rotation. The triggering transaction stays
// declined; the cardholder retries once rotation completes. Concurrent
// key-sync responses coalesce into a single rotation.
func (m *RecoveryManager) HandleKeySync() {
	m.mu.Lock()
	if m.rotating {
		m.mu.Unlock()
		return
	}
	m.rotating = true
	m.lastStatus = "rotating pin keys"
	m.mu.Unlock()

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), m.rotateTimeout)
		defer cancel()

		err := m.rotate(ctx)

		m.mu.Lock()
		m.rotating = false
		if err != nil {
			m.lastStatus = "key rotation failed"
		} else {
			m.lastStatus = "keys rotated, retry transaction"
		}
		m.mu.Unlock()

		if err != nil {
			m.logger.Error("rotating pin keys", "err", err)
		}
	}()
}

func (m *RecoveryManager) rotate(ctx context.Context) error {
	resp, err := m.backend.RotateKey(ctx, m.codec.BuildKeyRotation())
	if err != nil {
		return fmt.Errorf("requesting key rotation: %w", err)
	}
	if resp.ResponseCode != models.RespApproved {
		return fmt.Errorf("key rotation declined with code %s", resp.ResponseCode)
	}

	material, err := hex.DecodeString(resp.KeyMaterial)
	if err != nil {
		return fmt.Errorf("decoding key material: %w", err)
	}
	if err := m.keys.StorePinKey(resp.KeyID, material, resp.KeyCheckValue); err != nil {
		return fmt.Errorf("storing rotated key: %w", err)
	}
	wipe(material)

	m.metrics.KeyRotations.Inc()
	m.logger.Info("pin key rotated", slog.String("key_id", resp.KeyID))
	return nil
}

// SweepReversals drains the reversal queue against the backend, standing in
// for the out-of-process sweeper. Entries are deleted only after the host
// confirms the reversal; anything else stays queued for the next sweep.
func (m *RecoveryManager) SweepReversals(ctx context.Context) (int, error) {
	entries, err := m.repo.ListReversals(ctx)
	if err != nil {
		return 0, fmt.Errorf("listing reversals: %w", err)
	}

	reversed := 0
	for _, entry := range entries {
		req, err := m.codec.BuildReversal(entry)
		if err != nil {
			m.logger.Error("building reversal", slog.Int("stan", entry.STAN), "err", err)
			continue
		}
		resp, err := m.backend.Reverse(ctx, req)
		if err != nil {
			return reversed, fmt.Errorf("reversing stan %d: %w", entry.STAN, err)
		}
		if resp.ResponseCode != models.RespApproved {
			m.logger.Warn("reversal not accepted",
				slog.Int("stan", entry.STAN),
				slog.String("code", resp.ResponseCode),
			)
			continue
		}
		if err := m.repo.DeleteReversal(ctx, entry.ID); err != nil {
			return reversed, fmt.Errorf("dequeueing reversal %s: %w", entry.ID, err)
		}
		reversed++
	}
	return reversed, nil
}

// Status reports whether a rotation is in flight and the last recovery
// message, surfaced on the terminal display.
func (m *RecoveryManager) Status() (bool, string) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.rotating, m.lastStatus
}

// Wait blocks until background rotations finish. Used during shutdown.
func (m *RecoveryManager) Wait() {
	m.wg.Wait()
}
