package contract

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"

	"org-feedback/internal/domain"
	"org-feedback/internal/infra/metrics"
)

var errReceiptPending = errors.New("receipt pending")

// RelayRawTransaction проверяет, что транзакция адресована контракту в нужной сети,
// и публикует её.
func (g *Gateway) RelayRawTransaction(ctx context.Context, raw []byte) (common.Hash, error) {
	var tx types.Transaction
	if err := tx.UnmarshalBinary(raw); err != nil {
		metrics.TxRelayedTotal.WithLabelValues("invalid").Inc()
		return common.Hash{}, domain.InvalidArgument("Invalid signed transaction")
	}
	if tx.To() == nil || *tx.To() != g.cfg.Contract {
		metrics.TxRelayedTotal.WithLabelValues("invalid").Inc()
		return common.Hash{}, domain.InvalidArgument("Transaction is not addressed to the feedback contract")
	}
	if method, err := MethodOf(tx.Data()); err != nil || !IsWriteMethod(method) {
		metrics.TxRelayedTotal.WithLabelValues("invalid").Inc()
		return common.Hash{}, domain.InvalidArgument("Unknown contract method")
	}
	if g.cfg.ChainID != 0 && !tx.Protected() {
		metrics.TxRelayedTotal.WithLabelValues("unprotected").Inc()
		return common.Hash{}, domain.InvalidArgument("Transaction is not replay-protected")
	}
	if id := tx.ChainId(); g.cfg.ChainID != 0 && (id == nil || !id.IsUint64() || id.Uint64() != g.cfg.ChainID) {
		metrics.TxRelayedTotal.WithLabelValues("wrong_chain").Inc()
		return common.Hash{}, &domain.LedgerError{
			Kind:   domain.KindUnavailable,
			Reason: "Network mismatch",
			Err:    fmt.Errorf("tx chain id %s, expected %d", id, g.cfg.ChainID),
		}
	}

	hash, err := g.rpc.SendRawTransaction(ctx, raw)
	if err != nil {
		metrics.TxRelayedTotal.WithLabelValues("rejected").Inc()
		return common.Hash{}, classifyCallError(err)
	}
	if hash != tx.Hash() {
		g.log.Warn().Str("node_hash", hash.Hex()).Str("tx_hash", tx.Hash().Hex()).Msg("contract: node returned unexpected tx hash")
	}
	metrics.TxRelayedTotal.WithLabelValues("sent").Inc()
	return hash, nil
}

// WaitReceipt опрашивает узел с экспоненциальной задержкой, пока транзакция не попадёт
// в блок или не истечёт ReceiptTimeout. Откат транзакции — ошибка "Transaction failed".
func (g *Gateway) WaitReceipt(ctx context.Context, hash common.Hash) (domain.TxReceipt, error) {
	start := time.Now()
	ctx, cancel := context.WithTimeout(ctx, g.cfg.ReceiptTimeout)
	defer cancel()

	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = g.cfg.PollInterval
	policy.MaxInterval = 4 * g.cfg.PollInterval
	policy.MaxElapsedTime = g.cfg.ReceiptTimeout

	var receipt *rpcReceipt
	poll := func() error {
		r, err := g.rpc.TransactionReceipt(ctx, hash)
		if err != nil {
			var rpcErr *RPCError
			if errors.As(err, &rpcErr) {
				return backoff.Permanent(classifyCallError(err))
			}
			return err
		}
		if r == nil {
			return errReceiptPending
		}
		receipt = r
		return nil
	}
	notify := func(err error, wait time.Duration) {
		g.log.Debug().Err(err).Str("tx", hash.Hex()).Dur("retry_in", wait).Msg("contract: waiting for receipt")
	}
	err := backoff.RetryNotify(poll, backoff.WithContext(policy, ctx), notify)
	metrics.TxReceiptWaitSeconds.Observe(time.Since(start).Seconds())
	if err != nil {
		metrics.TxRelayedTotal.WithLabelValues("timeout").Inc()
		if domain.KindOf(err) != domain.KindUnknown {
			return domain.TxReceipt{}, err
		}
		return domain.TxReceipt{}, &domain.LedgerError{Kind: domain.KindUnavailable, Reason: "Transaction not confirmed", Err: err}
	}

	out := domain.TxReceipt{
		TxHash:      receipt.TransactionHash,
		BlockNumber: uint64(receipt.BlockNumber),
		GasUsed:     uint64(receipt.GasUsed),
		Success:     uint64(receipt.Status) == types.ReceiptStatusSuccessful,
	}
	if out.TxHash == (common.Hash{}) {
		out.TxHash = hash
	}
	if !out.Success {
		metrics.TxRelayedTotal.WithLabelValues("reverted").Inc()
		return out, domain.ErrTransactionFailed
	}
	metrics.TxRelayedTotal.WithLabelValues("mined").Inc()
	return out, nil
}
