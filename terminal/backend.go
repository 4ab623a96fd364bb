package terminal

import (
	"context"

	"github.com/alovak/cardflow-terminal/terminal/models"
)

// AuthorizationBackend is the capability the orchestrator authorizes against.
// Implementations never retry; a failed call reports a TransportError (no
// usable response) or a DecodeError (unusable response) exactly once.
type AuthorizationBackend interface {
	Authorize(ctx context.Context, req *models.AuthorizationRequest) (*models.AuthorizationResponse, error)
	Reverse(ctx context.Context, req *models.ReversalRequest) (*models.ReversalResponse, error)
	RotateKey(ctx context.Context, req *models.KeyRotationRequest) (*models.KeyRotationResponse, error)
}
