package wallet

import (
	"testing"

	"github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/programs/system"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func unsignedTransfer(t *testing.T, payer, to solana.PublicKey) []byte {
	t.Helper()
	tx, err := solana.NewTransaction(
		[]solana.Instruction{system.NewTransferInstruction(1000, payer, to).Build()},
		solana.Hash{1, 2, 3},
		solana.TransactionPayer(payer),
	)
	require.NoError(t, err)
	raw, err := tx.MarshalBinary()
	require.NoError(t, err)
	return raw
}

func TestNew(t *testing.T) {
	key, err := solana.NewRandomPrivateKey()
	require.NoError(t, err)

	w, err := New(key.String())
	require.NoError(t, err)
	assert.Equal(t, key.PublicKey().String(), w.Address())

	_, err = New("not base58 0OIl")
	assert.Error(t, err)
	_, err = New(key.PublicKey().String())
	assert.ErrorContains(t, err, "invalid private key length")
}

func TestSignSerialized(t *testing.T) {
	key, err := solana.NewRandomPrivateKey()
	require.NoError(t, err)
	w, err := New(key.String())
	require.NoError(t, err)
	other, err := solana.NewRandomPrivateKey()
	require.NoError(t, err)

	tx, err := w.SignSerialized(unsignedTransfer(t, w.PublicKey, other.PublicKey()))
	require.NoError(t, err)
	require.Len(t, tx.Signatures, 1)
	assert.False(t, tx.Signatures[0].IsZero())
	assert.NoError(t, tx.VerifySignatures())

	_, err = w.SignSerialized(unsignedTransfer(t, other.PublicKey(), w.PublicKey))
	assert.ErrorContains(t, err, "fee payer")

	_, err = w.SignSerialized([]byte{0xff})
	assert.Error(t, err)
}
