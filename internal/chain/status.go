// internal/chain/status.go
package chain

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/gagliardetto/solana-go"
	solanarpc "github.com/gagliardetto/solana-go/rpc"
	"go.uber.org/zap"
)

var (
	// ErrNoActiveClients is returned when every RPC node is marked inactive.
	ErrNoActiveClients = errors.New("no active RPC clients available")
	// ErrInvalidSignature is returned for ids that are not base58 signatures.
	ErrInvalidSignature = errors.New("invalid transaction signature")
)

// Status is the landing state of a transaction.
type Status int

const (
	StatusUnknown Status = iota // not seen by the node
	StatusPending               // processed but not yet confirmed
	StatusLanded                // confirmed or finalized
	StatusFailed                // landed with an execution error
)

// signatureGetter is the subset of the solana-go RPC client used here.
type signatureGetter interface {
	GetSignatureStatuses(ctx context.Context, searchTransactionHistory bool, transactionSignatures ...solana.Signature) (*solanarpc.GetSignatureStatusesResult, error)
}

type node struct {
	url    string
	client signatureGetter
	active atomic.Bool
	failAt atomic.Int64
}

// StatusClient queries signature statuses across several RPC nodes in
// round-robin order, benching a node for a cooldown after an error.
type StatusClient struct {
	nodes    []*node
	next     atomic.Uint64
	cooldown time.Duration
	logger   *zap.Logger
}

// NewStatusClient creates a client over the given RPC endpoints.
func NewStatusClient(urls []string, logger *zap.Logger) (*StatusClient, error) {
	if len(urls) == 0 {
		return nil, fmt.Errorf("no RPC URLs provided")
	}
	getters := make(map[string]signatureGetter, len(urls))
	for _, u := range urls {
		getters[u] = solanarpc.New(u)
	}
	return newStatusClient(urls, getters, logger), nil
}

func newStatusClient(urls []string, getters map[string]signatureGetter, logger *zap.Logger) *StatusClient {
	c := &StatusClient{cooldown: 10 * time.Second, logger: logger.Named("rpc_status")}
	for _, u := range urls {
		n := &node{url: u, client: getters[u]}
		n.active.Store(true)
		c.nodes = append(c.nodes, n)
	}
	return c
}

func (c *StatusClient) pick() *node {
	now := time.Now().UnixNano()
	for i := 0; i < len(c.nodes); i++ {
		n := c.nodes[c.next.Add(1)%uint64(len(c.nodes))]
		if n.active.Load() {
			return n
		}
		if now-n.failAt.Load() > int64(c.cooldown) {
			n.active.Store(true)
			return n
		}
	}
	return nil
}

// SignatureStatus reports whether the transaction has landed.
func (c *StatusClient) SignatureStatus(ctx context.Context, signature string) (Status, error) {
	sig, err := solana.SignatureFromBase58(signature)
	if err != nil {
		return StatusUnknown, fmt.Errorf("%w: %v", ErrInvalidSignature, err)
	}

	n := c.pick()
	if n == nil {
		return StatusUnknown, ErrNoActiveClients
	}

	res, err := n.client.GetSignatureStatuses(ctx, true, sig)
	if err != nil {
		n.active.Store(false)
		n.failAt.Store(time.Now().UnixNano())
		c.logger.Warn("GetSignatureStatuses error", zap.String("node", n.url), zap.Error(err))
		return StatusUnknown, fmt.Errorf("signature status from %s: %w", n.url, err)
	}
	if res == nil || len(res.Value) == 0 || res.Value[0] == nil {
		return StatusUnknown, nil
	}

	st := res.Value[0]
	if st.Err != nil {
		return StatusFailed, nil
	}
	switch st.ConfirmationStatus {
	case solanarpc.ConfirmationStatusConfirmed, solanarpc.ConfirmationStatusFinalized:
		return StatusLanded, nil
	default:
		return StatusPending, nil
	}
}
