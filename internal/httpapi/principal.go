package httpapi

import (
	"context"
	"net/http"

	"github.com/agentries/saltwire/internal/apperrors"
)

// Principal is the authenticated caller of a request: the DID a verified
// caller token resolved to, and the device that token was issued for.
type Principal struct {
	DID      string
	DeviceID string
}

// PrincipalResolver verifies the caller's token and resolves it to a
// Principal. Token verification itself is an external collaborator; the
// relay only consumes the result. Implementations live outside this
// package in production.
type PrincipalResolver interface {
	Resolve(ctx context.Context, r *http.Request) (Principal, error)
}

// NoOpPrincipalResolver trusts two plain headers for the caller's identity:
// X-Caller-DID, which is required, and X-Caller-Device-ID, which may be
// absent. It exists for local development and tests only: a real deployment wires a
// PrincipalResolver backed by actual token verification in front of this
// package.
type NoOpPrincipalResolver struct{}

func (NoOpPrincipalResolver) Resolve(_ context.Context, r *http.Request) (Principal, error) {
	did := r.Header.Get("X-Caller-DID")
	deviceID := r.Header.Get("X-Caller-Device-ID")
	if did == "" {
		return Principal{}, apperrors.AuthFailed("missing caller credentials")
	}
	return Principal{DID: did, DeviceID: deviceID}, nil
}
