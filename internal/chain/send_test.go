package chain

import (
	"context"
	"errors"
	"testing"

	"github.com/gagliardetto/solana-go"
	solanarpc "github.com/gagliardetto/solana-go/rpc"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type mockSender struct {
	mock.Mock
}

func (m *mockSender) SendTransactionWithOpts(ctx context.Context, tx *solana.Transaction, opts solanarpc.TransactionOpts) (solana.Signature, error) {
	args := m.Called(ctx, tx, opts)
	sig, _ := args.Get(0).(solana.Signature)
	return sig, args.Error(1)
}

func signedTx() *solana.Transaction {
	return &solana.Transaction{Signatures: []solana.Signature{solana.MustSignatureFromBase58(testSig)}}
}

func TestBroadcaster_FirstAcceptWins(t *testing.T) {
	tx := signedTx()
	bad, good := &mockSender{}, &mockSender{}
	bad.On("SendTransactionWithOpts", mock.Anything, tx, mock.Anything).Return(solana.Signature{}, errors.New("node behind"))
	good.On("SendTransactionWithOpts", mock.Anything, tx, mock.MatchedBy(func(o solanarpc.TransactionOpts) bool {
		return o.SkipPreflight
	})).Return(tx.Signatures[0], nil)

	b := newBroadcaster([]string{"bad", "good"}, []txSender{bad, good}, zap.NewNop())
	sig, err := b.Send(context.Background(), tx)
	require.NoError(t, err)
	assert.Equal(t, testSig, sig)
}

func TestBroadcaster_AllRejected(t *testing.T) {
	tx := signedTx()
	a, c := &mockSender{}, &mockSender{}
	a.On("SendTransactionWithOpts", mock.Anything, tx, mock.Anything).Return(solana.Signature{}, errors.New("blockhash not found"))
	c.On("SendTransactionWithOpts", mock.Anything, tx, mock.Anything).Return(solana.Signature{}, errors.New("rate limited"))

	b := newBroadcaster([]string{"a", "c"}, []txSender{a, c}, zap.NewNop())
	_, err := b.Send(context.Background(), tx)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "blockhash not found")
	assert.Contains(t, err.Error(), "rate limited")
}

func TestBroadcaster_RejectsUnsigned(t *testing.T) {
	b := newBroadcaster([]string{"a"}, []txSender{&mockSender{}}, zap.NewNop())
	_, err := b.Send(context.Background(), &solana.Transaction{})
	assert.ErrorContains(t, err, "not signed")
}
