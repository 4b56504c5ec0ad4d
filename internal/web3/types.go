package web3

import (
	"context"
	"crypto/ecdsa"
	"math/big"

	gethcore "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	gethevent "github.com/ethereum/go-ethereum/event"
)

// ChainSnapshot represents summarized network metadata for UI/reporting.
type ChainSnapshot struct {
	ChainID     string
	BlockNumber string
	Notes       string
}

// Call is a single authorized outbound call, ready for dispatch.
// Validation has already happened upstream; the chain layer never re-checks.
type Call struct {
	To      common.Address
	Value   *big.Int
	Payload []byte
	Gas     uint64
}

// EventSubscription wraps a log subscription so callers can manage lifecycle
// without depending on the go-ethereum event package.
type EventSubscription struct {
	logs <-chan types.Log
	sub  gethevent.Subscription
}

// NewEventSubscription constructs a managed subscription wrapper.
func NewEventSubscription(logs <-chan types.Log, sub gethevent.Subscription) *EventSubscription {
	return &EventSubscription{logs: logs, sub: sub}
}

// Logs returns the channel that receives blockchain logs.
func (e *EventSubscription) Logs() <-chan types.Log {
	return e.logs
}

// Err forwards the subscription error channel.
func (e *EventSubscription) Err() <-chan error {
	if e == nil || e.sub == nil {
		return nil
	}
	return e.sub.Err()
}

// Close terminates the subscription.
func (e *EventSubscription) Close() {
	if e == nil || e.sub == nil {
		return
	}
	e.sub.Unsubscribe()
}

// Client defines the common interface that any chain implementation must
// provide so higher layers can dispatch authorized calls uniformly.
type Client interface {
	FetchChainSnapshot(ctx context.Context) (ChainSnapshot, error)
	QueryBalance(ctx context.Context, addr common.Address) (*big.Int, error)
	PendingNonce(ctx context.Context, addr common.Address) (uint64, error)
	DispatchCalls(ctx context.Context, key *ecdsa.PrivateKey, calls []Call) ([]common.Hash, error)
	SendBatchTransactions(ctx context.Context, txs []*types.Transaction) ([]common.Hash, error)
	SubscribeEvents(ctx context.Context, query gethcore.FilterQuery) (*EventSubscription, error)
	Close()
}
