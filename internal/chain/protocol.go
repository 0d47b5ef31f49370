package chain

import (
	"context"
	"errors"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
)

// AccountHealth is the tuple returned by getAccountLiquidityIsolate.
type AccountHealth struct {
	ErrorCode *big.Int
	Liquidity *big.Int
	Shortfall *big.Int
	BadDebt   *big.Int
	LTV       *big.Int
}

// AccountSnapshot is the tuple returned by a market's getAccountSnapshot.
type AccountSnapshot struct {
	ErrorCode     *big.Int
	TokenBalance  *big.Int
	BorrowBalance *big.Int
	ExchangeRate  *big.Int
}

// AccountHealth queries the comptroller for the isolated collateral/debt pair.
func (c *Client) AccountHealth(ctx context.Context, comptroller, borrower, collateralMarket, debtMarket common.Address) (AccountHealth, error) {
	const method = "getAccountLiquidityIsolate"
	outputs, err := c.call(ctx, comptrollerABI, comptroller, method, borrower, collateralMarket, debtMarket)
	if err != nil {
		return AccountHealth{}, err
	}
	values, err := uintOutputs(method, outputs, 5)
	if err != nil {
		return AccountHealth{}, err
	}
	return AccountHealth{
		ErrorCode: values[0],
		Liquidity: values[1],
		Shortfall: values[2],
		BadDebt:   values[3],
		LTV:       values[4],
	}, nil
}

// AccountSnapshot reads the borrower's position in a market.
func (c *Client) AccountSnapshot(ctx context.Context, market, account common.Address) (AccountSnapshot, error) {
	const method = "getAccountSnapshot"
	outputs, err := c.call(ctx, marketABI, market, method, account)
	if err != nil {
		return AccountSnapshot{}, err
	}
	values, err := uintOutputs(method, outputs, 4)
	if err != nil {
		return AccountSnapshot{}, err
	}
	return AccountSnapshot{
		ErrorCode:     values[0],
		TokenBalance:  values[1],
		BorrowBalance: values[2],
		ExchangeRate:  values[3],
	}, nil
}

// BorrowBalanceStored returns the account's outstanding borrow in underlying units.
func (c *Client) BorrowBalanceStored(ctx context.Context, market, account common.Address) (*big.Int, error) {
	return c.callUint(ctx, marketABI, market, "borrowBalanceStored", account)
}

// PriceAsBorrowed returns the oracle price of a debt market in settlement-asset units.
func (c *Client) PriceAsBorrowed(ctx context.Context, oracle, market common.Address) (*big.Int, error) {
	return c.callUint(ctx, oracleABI, oracle, "getUnderlyingPriceAsBorrowed", market)
}

// PriceAsCollateral returns the oracle price of a collateral market in settlement-asset units.
func (c *Client) PriceAsCollateral(ctx context.Context, oracle, market common.Address) (*big.Int, error) {
	return c.callUint(ctx, oracleABI, oracle, "getUnderlyingPriceAsCollateral", market)
}

// BalanceOf returns an ERC-20 balance.
func (c *Client) BalanceOf(ctx context.Context, token, account common.Address) (*big.Int, error) {
	return c.callUint(ctx, erc20ABI, token, "balanceOf", account)
}

// Allowance returns the ERC-20 allowance granted by owner to spender.
func (c *Client) Allowance(ctx context.Context, token, owner, spender common.Address) (*big.Int, error) {
	return c.callUint(ctx, erc20ABI, token, "allowance", owner, spender)
}

// BorrowersInRange returns the borrower of every Borrow event emitted by market in [from, to].
func (c *Client) BorrowersInRange(ctx context.Context, market common.Address, from, to uint64) ([]common.Address, error) {
	ctx, cancel := context.WithTimeout(ctx, c.opts.Timeout)
	defer cancel()

	client, err := c.ready(ctx)
	if err != nil {
		return nil, err
	}

	query := ethereum.FilterQuery{
		FromBlock: new(big.Int).SetUint64(from),
		ToBlock:   new(big.Int).SetUint64(to),
		Addresses: []common.Address{market},
		Topics:    [][]common.Hash{{BorrowEventID()}},
	}
	logs, err := client.FilterLogs(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("filter borrow logs %d-%d: %w", from, to, err)
	}

	borrowers := make([]common.Address, 0, len(logs))
	for _, entry := range logs {
		borrower, err := DecodeBorrower(entry)
		if err != nil {
			c.logger.Warn().Err(err).Str("tx", entry.TxHash.Hex()).Msg("skipping undecodable borrow log")
			continue
		}
		borrowers = append(borrowers, borrower)
	}
	return borrowers, nil
}

// BorrowEventID is topic0 of Borrow(address,uint256,uint256,uint256).
func BorrowEventID() common.Hash {
	return marketABI.Events["Borrow"].ID
}

// DecodeBorrower extracts the borrower from a Borrow log.
func DecodeBorrower(entry types.Log) (common.Address, error) {
	if len(entry.Topics) == 0 || entry.Topics[0] != BorrowEventID() {
		return common.Address{}, errors.New("not a Borrow event")
	}
	values, err := marketABI.Unpack("Borrow", entry.Data)
	if err != nil {
		return common.Address{}, fmt.Errorf("unpack Borrow: %w", err)
	}
	if len(values) == 0 {
		return common.Address{}, errors.New("empty Borrow payload")
	}
	borrower, ok := values[0].(common.Address)
	if !ok {
		return common.Address{}, errors.New("borrow event borrower is not an address")
	}
	return borrower, nil
}
