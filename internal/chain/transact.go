package chain

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
)

// transact signs and submits a call to contract, then waits for it to be mined.
func (c *Client) transact(ctx context.Context, contract abi.ABI, to common.Address, method string, args ...interface{}) (common.Hash, error) {
	if c.key == nil {
		return common.Hash{}, ErrNoSigner
	}

	data, err := contract.Pack(method, args...)
	if err != nil {
		return common.Hash{}, fmt.Errorf("pack %s: %w", method, err)
	}

	ctx, cancel := context.WithTimeout(ctx, c.opts.Timeout+c.opts.ReceiptTimeout)
	defer cancel()

	tx, err := c.buildTx(ctx, to, data)
	if err != nil {
		return common.Hash{}, fmt.Errorf("%s: %w", method, err)
	}

	client, err := c.ready(ctx)
	if err != nil {
		return common.Hash{}, err
	}
	if err := client.SendTransaction(ctx, tx); err != nil {
		return common.Hash{}, fmt.Errorf("send %s: %w", method, err)
	}

	c.logger.Info().Str("method", method).Str("tx", tx.Hash().Hex()).Uint64("nonce", tx.Nonce()).Msg("transaction submitted")

	receipt, err := c.waitMined(ctx, tx.Hash())
	if err != nil {
		return tx.Hash(), fmt.Errorf("wait %s: %w", method, err)
	}
	if receipt.Status != types.ReceiptStatusSuccessful {
		return tx.Hash(), fmt.Errorf("%w: %s in tx %s", ErrReverted, method, tx.Hash().Hex())
	}
	return tx.Hash(), nil
}

func (c *Client) buildTx(ctx context.Context, to common.Address, data []byte) (*types.Transaction, error) {
	client, err := c.ready(ctx)
	if err != nil {
		return nil, err
	}

	chainID := big.NewInt(c.opts.ChainID)
	if c.opts.ChainID <= 0 {
		if chainID, err = client.ChainID(ctx); err != nil {
			return nil, fmt.Errorf("chain id: %w", err)
		}
	}

	nonce, err := client.PendingNonceAt(ctx, c.from)
	if err != nil {
		return nil, fmt.Errorf("pending nonce: %w", err)
	}

	// a revert surfaces here, before anything is broadcast
	gas, err := client.EstimateGas(ctx, ethereum.CallMsg{From: c.from, To: &to, Data: data})
	if err != nil {
		return nil, fmt.Errorf("estimate gas: %w", err)
	}
	gas = gas * c.opts.GasLimitMultiplierPct / 100

	head, err := client.HeaderByNumber(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("latest header: %w", err)
	}

	var txData types.TxData
	if head.BaseFee != nil {
		tip, err := client.SuggestGasTipCap(ctx)
		if err != nil {
			return nil, fmt.Errorf("suggest tip: %w", err)
		}
		feeCap := new(big.Int).Add(tip, new(big.Int).Mul(head.BaseFee, big.NewInt(2)))
		txData = &types.DynamicFeeTx{
			ChainID:   chainID,
			Nonce:     nonce,
			GasTipCap: tip,
			GasFeeCap: feeCap,
			Gas:       gas,
			To:        &to,
			Data:      data,
		}
	} else {
		price, err := client.SuggestGasPrice(ctx)
		if err != nil {
			return nil, fmt.Errorf("suggest gas price: %w", err)
		}
		txData = &types.LegacyTx{
			Nonce:    nonce,
			GasPrice: price,
			Gas:      gas,
			To:       &to,
			Data:     data,
		}
	}

	signed, err := types.SignTx(types.NewTx(txData), types.LatestSignerForChainID(chainID), c.key)
	if err != nil {
		return nil, fmt.Errorf("sign: %w", err)
	}
	return signed, nil
}

func (c *Client) waitMined(ctx context.Context, hash common.Hash) (*types.Receipt, error) {
	ticker := time.NewTicker(c.opts.ReceiptPollInterval)
	defer ticker.Stop()

	for {
		client, err := c.ready(ctx)
		if err != nil {
			return nil, err
		}
		receipt, err := client.TransactionReceipt(ctx, hash)
		switch {
		case err == nil && receipt != nil:
			return receipt, nil
		case err == nil, errors.Is(err, ethereum.NotFound), IsRateLimited(err):
		default:
			return nil, err
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}
