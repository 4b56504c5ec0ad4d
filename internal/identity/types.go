package identity

import (
	"context"

	"github.com/ethereum/go-ethereum/common"

	xerrors "AgentCustody/internal/errors"
)

// 身份子系统注册的错误码。
const (
	CodeAgentNotFound xerrors.Code = "IDENTITY_AGENT_NOT_FOUND"
	CodeAgentRevoked  xerrors.Code = "IDENTITY_AGENT_REVOKED"
)

var (
	// ErrAgentNotFound indicates the agent identifier has no bound wallet.
	ErrAgentNotFound = xerrors.New(CodeAgentNotFound, "agent identifier not found")
	// ErrAgentRevoked indicates the binding exists but has been disabled.
	ErrAgentRevoked = xerrors.New(CodeAgentRevoked, "agent binding revoked")
)

func init() {
	xerrors.Register(CodeAgentNotFound, xerrors.Attributes{
		Message:  "agent identifier not found",
		Severity: xerrors.SeverityWarning,
		Category: xerrors.CategoryExternalResolution,
		Alert:    true,
	})
	xerrors.Register(CodeAgentRevoked, xerrors.Attributes{
		Message:  "agent binding revoked",
		Severity: xerrors.SeverityWarning,
		Category: xerrors.CategoryExternalResolution,
	})
}

// Resolver is the identity collaborator consumed by the custody core.
// The core never guesses: a failed resolution propagates as an error and the
// calling operation fails closed.
type Resolver interface {
	// ResolveAgentWallet returns the wallet currently bound to the agent
	// identifier.
	ResolveAgentWallet(ctx context.Context, agentID string) (common.Address, error)
	// IsAuthorizedOwner reports whether the caller may act as the owner of
	// the agent identifier.
	IsAuthorizedOwner(ctx context.Context, caller common.Address, agentID string) (bool, error)
}

// Binding captures one agent identifier and its governance addresses.
type Binding struct {
	AgentID  string
	Wallet   common.Address
	Owners   []common.Address
	Disabled bool
}
