package chain

import (
	"context"
	"errors"
	"fmt"

	"github.com/gagliardetto/solana-go"
	solanarpc "github.com/gagliardetto/solana-go/rpc"
	"go.uber.org/zap"
)

type txSender interface {
	SendTransactionWithOpts(ctx context.Context, tx *solana.Transaction, opts solanarpc.TransactionOpts) (solana.Signature, error)
}

// Broadcaster sends a signed transaction to every RPC node at once and
// succeeds as soon as one node accepts it.
type Broadcaster struct {
	urls    []string
	senders []txSender
	logger  *zap.Logger
}

// NewBroadcaster creates a broadcaster over the given RPC endpoints.
func NewBroadcaster(urls []string, logger *zap.Logger) (*Broadcaster, error) {
	if len(urls) == 0 {
		return nil, fmt.Errorf("no RPC URLs provided")
	}
	senders := make([]txSender, len(urls))
	for i, u := range urls {
		senders[i] = solanarpc.New(u)
	}
	return newBroadcaster(urls, senders, logger), nil
}

func newBroadcaster(urls []string, senders []txSender, logger *zap.Logger) *Broadcaster {
	return &Broadcaster{urls: urls, senders: senders, logger: logger.Named("broadcast")}
}

// Send broadcasts tx without preflight and returns its signature.
func (b *Broadcaster) Send(ctx context.Context, tx *solana.Transaction) (string, error) {
	if len(tx.Signatures) == 0 || tx.Signatures[0].IsZero() {
		return "", errors.New("transaction is not signed")
	}

	type result struct {
		url string
		sig solana.Signature
		err error
	}
	results := make(chan result, len(b.senders))
	for i, s := range b.senders {
		go func(url string, s txSender) {
			sig, err := s.SendTransactionWithOpts(ctx, tx, solanarpc.TransactionOpts{
				SkipPreflight:       true,
				PreflightCommitment: solanarpc.CommitmentProcessed,
			})
			results <- result{url: url, sig: sig, err: err}
		}(b.urls[i], s)
	}

	var errs []error
	for range b.senders {
		r := <-results
		if r.err == nil {
			return r.sig.String(), nil
		}
		b.logger.Debug("SendTransaction rejected", zap.String("node", r.url), zap.Error(r.err))
		errs = append(errs, fmt.Errorf("%s: %w", r.url, r.err))
	}
	return "", errors.Join(errs...)
}
