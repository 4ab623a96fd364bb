package terminal

import (
	"context"
	"fmt"
	"math/rand"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/alovak/cardflow-terminal/terminal/models"
)

// MockBackend is the deterministic stand-in used when no live endpoint is
// configured. Decisions depend only on the amount in major units, except that
// every 10th call across the engine reports a key-sync requirement.
type MockBackend struct {
	mu      sync.Mutex
	calls   int
	rnd     *rand.Rand
	// Latency bounds emulate network variance; MinLatency may be zero in
	// tests.
	MinLatency time.Duration
	MaxLatency time.Duration
}

func NewMockBackend() *MockBackend {
	return &MockBackend{
		rnd:        rand.New(rand.NewSource(time.Now().UnixNano())),
		MinLatency: 100 * time.Millisecond,
		MaxLatency: 300 * time.Millisecond,
	}
}

func (m *MockBackend) Authorize(ctx context.Context, req *models.AuthorizationRequest) (*models.AuthorizationResponse, error) {
	if err := m.sleep(ctx); err != nil {
		return nil, &models.TransportError{Kind: models.Timeout, Err: err}
	}

	major, err := parseMajor(req.Amount)
	if err != nil {
		return nil, &models.TransportError{Kind: models.ProtocolError, Err: err}
	}

	if m.keySyncDue() {
		return &models.AuthorizationResponse{
			ResponseCode:    models.RespKeySyncRequired,
			ResponseMessage: "key synchronization required",
		}, nil
	}

	switch {
	case major > 500:
		return nil, &models.TransportError{Kind: models.Timeout, Err: fmt.Errorf("simulated host unavailable")}
	case major <= 200:
		return &models.AuthorizationResponse{
			ResponseCode:    models.RespApproved,
			ResponseMessage: "approved",
			AuthCode:        m.randomDigits(6),
			RRN:             m.randomDigits(12),
			IssuerAuthData:  m.randomHex(10),
		}, nil
	default:
		return &models.AuthorizationResponse{
			ResponseCode:    models.RespDoNotHonor,
			ResponseMessage: "do not honor",
		}, nil
	}
}

func (m *MockBackend) Reverse(ctx context.Context, req *models.ReversalRequest) (*models.ReversalResponse, error) {
	if err := m.sleep(ctx); err != nil {
		return nil, &models.TransportError{Kind: models.Timeout, Err: err}
	}
	return &models.ReversalResponse{ResponseCode: models.RespApproved, ResponseMessage: "reversed"}, nil
}

func (m *MockBackend) RotateKey(ctx context.Context, req *models.KeyRotationRequest) (*models.KeyRotationResponse, error) {
	if err := m.sleep(ctx); err != nil {
		return nil, &models.TransportError{Kind: models.Timeout, Err: err}
	}
	return &models.KeyRotationResponse{
		ResponseCode:  models.RespApproved,
		KeyID:         uuid.New().String(),
		KeyMaterial:   m.randomHex(16),
		KeyCheckValue: m.randomHex(3),
	}, nil
}

// keySyncDue increments the engine-wide counter and reports whether this call
// is the 10th.
func (m *MockBackend) keySyncDue() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls++
	return m.calls%10 == 0
}

func (m *MockBackend) sleep(ctx context.Context) error {
	if m.MaxLatency <= 0 {
		return nil
	}
	d := m.MinLatency
	if span := m.MaxLatency - m.MinLatency; span > 0 {
		m.mu.Lock()
		d += time.Duration(m.rnd.Int63n(int64(span)))
		m.mu.Unlock()
	}
	select {
	case <-time.After(d):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (m *MockBackend) randomDigits(n int) string {
	m.mu.Lock()
	defer m.mu.Unlock()
	var sb strings.Builder
	for i := 0; i < n; i++ {
		sb.WriteByte('0' + byte(m.rnd.Intn(10)))
	}
	return sb.String()
}

func (m *MockBackend) randomHex(nBytes int) string {
	m.mu.Lock()
	defer m.mu.Unlock()
	const hexDigits = "0123456789ABCDEF"
	var sb strings.Builder
	for i := 0; i < nBytes*2; i++ {
		sb.WriteByte(hexDigits[m.rnd.Intn(16)])
	}
	return sb.String()
}

func parseMajor(amount string) (float64, error) {
	major, err := strconv.ParseFloat(amount, 64)
	if err != nil {
		return 0, fmt.Errorf("parsing amount %q: %w", amount, err)
	}
	return major, nil
}
