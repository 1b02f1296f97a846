package contract

import (
	"context"
	"encoding/json"
	"math/big"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"org-feedback/internal/domain"
)

func signedTx(t *testing.T, to common.Address, chainID int64, data []byte) (*types.Transaction, []byte) {
	t.Helper()
	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	tx, err := types.SignTx(types.NewTx(&types.LegacyTx{
		Nonce:    1,
		To:       &to,
		Gas:      200_000,
		GasPrice: big.NewInt(1),
		Data:     data,
	}), types.NewEIP155Signer(big.NewInt(chainID)), key)
	require.NoError(t, err)
	raw, err := tx.MarshalBinary()
	require.NoError(t, err)
	return tx, raw
}

func TestRelayRawTransaction(t *testing.T) {
	data, err := PackWrite("addMember", orgOwner, orgMember)
	require.NoError(t, err)
	tx, raw := signedTx(t, contractAddr, 1660990954, data)

	var sent string
	g := newTestGateway(t, func(method string, params []json.RawMessage) (any, *RPCError) {
		require.Equal(t, "eth_sendRawTransaction", method)
		require.NoError(t, json.Unmarshal(params[0], &sent))
		return tx.Hash().Hex(), nil
	})

	hash, err := g.RelayRawTransaction(context.Background(), raw)
	require.NoError(t, err)
	assert.Equal(t, tx.Hash(), hash)
	assert.NotEmpty(t, sent)
}

func TestRelayRejectsForeignTransactions(t *testing.T) {
	g := newTestGateway(t, func(method string, _ []json.RawMessage) (any, *RPCError) {
		t.Fatalf("node must not be called, got %s", method)
		return nil, nil
	})
	ctx := context.Background()
	data, err := PackWrite("sendFeedback", orgOwner, orgMember, "a", "b", "c", true, false)
	require.NoError(t, err)

	_, raw := signedTx(t, common.HexToAddress("0x01"), 1660990954, data)
	_, err = g.RelayRawTransaction(ctx, raw)
	assert.Equal(t, domain.KindInvalidArgument, domain.KindOf(err))

	_, raw = signedTx(t, contractAddr, 1, data)
	_, err = g.RelayRawTransaction(ctx, raw)
	assert.Equal(t, domain.KindUnavailable, domain.KindOf(err))

	view, err := orgFeedback.Pack("getFeedbackCount")
	require.NoError(t, err)
	_, raw = signedTx(t, contractAddr, 1660990954, view)
	_, err = g.RelayRawTransaction(ctx, raw)
	assert.Equal(t, domain.KindInvalidArgument, domain.KindOf(err))

	_, err = g.RelayRawTransaction(ctx, []byte{0x01, 0x02})
	assert.Equal(t, domain.KindInvalidArgument, domain.KindOf(err))

	_, err = PackWrite("getFeedbackCount")
	assert.Error(t, err)
}

func TestRelayRejectsUnprotectedTransactions(t *testing.T) {
	g := newTestGateway(t, func(method string, _ []json.RawMessage) (any, *RPCError) {
		t.Fatalf("node must not be called, got %s", method)
		return nil, nil
	})
	data, err := PackWrite("addMember", orgOwner, orgMember)
	require.NoError(t, err)
	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	tx, err := types.SignTx(types.NewTx(&types.LegacyTx{
		Nonce:    1,
		To:       &contractAddr,
		Gas:      200_000,
		GasPrice: big.NewInt(1),
		Data:     data,
	}), types.HomesteadSigner{}, key)
	require.NoError(t, err)
	require.False(t, tx.Protected())
	raw, err := tx.MarshalBinary()
	require.NoError(t, err)

	_, err = g.RelayRawTransaction(context.Background(), raw)
	assert.Equal(t, domain.KindInvalidArgument, domain.KindOf(err))
}

func TestPackWriteArgs(t *testing.T) {
	data, err := PackWriteArgs("sendFeedback", []string{orgOwner.Hex(), orgMember.Hex(), "a", "b", "c", "true", "false"})
	require.NoError(t, err)
	want, err := PackWrite("sendFeedback", orgOwner, orgMember, "a", "b", "c", true, false)
	require.NoError(t, err)
	assert.Equal(t, want, data)

	method, err := MethodOf(data)
	require.NoError(t, err)
	assert.Equal(t, "sendFeedback", method)

	_, err = PackWriteArgs("addMember", []string{orgOwner.Hex()})
	assert.Error(t, err)
	_, err = PackWriteArgs("addMember", []string{orgOwner.Hex(), "nope"})
	assert.Error(t, err)
	_, err = PackWriteArgs("getFeedbackCount", nil)
	assert.Error(t, err)
	_, err = PackWriteArgs("sendFeedback", []string{orgOwner.Hex(), orgMember.Hex(), "a", "b", "c", "maybe", "false"})
	assert.Error(t, err)
}

func TestRelaySurfacesNodeRejection(t *testing.T) {
	data, _ := PackWrite("createOrganization", "Acme", "Widgets")
	_, raw := signedTx(t, contractAddr, 1660990954, data)
	g := newTestGateway(t, func(string, []json.RawMessage) (any, *RPCError) {
		return nil, &RPCError{Code: -32000, Message: "execution reverted: You already own an org"}
	})
	_, err := g.RelayRawTransaction(context.Background(), raw)
	assert.ErrorIs(t, err, domain.ErrAlreadyOwner)
}

func TestWaitReceipt(t *testing.T) {
	hash := common.HexToHash("0xabc")
	polls := 0
	g := newTestGateway(t, func(method string, _ []json.RawMessage) (any, *RPCError) {
		require.Equal(t, "eth_getTransactionReceipt", method)
		polls++
		if polls < 3 {
			return nil, nil
		}
		return map[string]string{
			"transactionHash": hash.Hex(),
			"blockNumber":     "0x10",
			"gasUsed":         "0x5208",
			"status":          "0x1",
		}, nil
	})

	receipt, err := g.WaitReceipt(context.Background(), hash)
	require.NoError(t, err)
	assert.True(t, receipt.Success)
	assert.Equal(t, uint64(16), receipt.BlockNumber)
	assert.Equal(t, uint64(21000), receipt.GasUsed)
	assert.Equal(t, 3, polls)
}

func TestWaitReceiptReverted(t *testing.T) {
	hash := common.HexToHash("0xdef")
	g := newTestGateway(t, func(string, []json.RawMessage) (any, *RPCError) {
		return map[string]string{"transactionHash": hash.Hex(), "blockNumber": "0x1", "gasUsed": "0x1", "status": "0x0"}, nil
	})
	receipt, err := g.WaitReceipt(context.Background(), hash)
	assert.ErrorIs(t, err, domain.ErrTransactionFailed)
	assert.False(t, receipt.Success)
}

func TestWaitReceiptTimeout(t *testing.T) {
	g := newTestGateway(t, func(string, []json.RawMessage) (any, *RPCError) { return nil, nil })
	g.cfg.ReceiptTimeout = 50 * time.Millisecond
	_, err := g.WaitReceipt(context.Background(), common.HexToHash("0x1"))
	assert.Equal(t, domain.KindUnavailable, domain.KindOf(err))
}
