package chain

import (
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
)

const (
	comptrollerABIJSON = `[
	{"inputs":[{"name":"account","type":"address"},{"name":"collateral","type":"address"},{"name":"borrow","type":"address"}],"name":"getAccountLiquidityIsolate","outputs":[{"name":"","type":"uint256"},{"name":"","type":"uint256"},{"name":"","type":"uint256"},{"name":"","type":"uint256"},{"name":"","type":"uint256"}],"stateMutability":"view","type":"function"}
	]`

	marketABIJSON = `[
	{"inputs":[{"name":"account","type":"address"}],"name":"borrowBalanceStored","outputs":[{"name":"","type":"uint256"}],"stateMutability":"view","type":"function"},
	{"inputs":[{"name":"account","type":"address"}],"name":"getAccountSnapshot","outputs":[{"name":"","type":"uint256"},{"name":"","type":"uint256"},{"name":"","type":"uint256"},{"name":"","type":"uint256"}],"stateMutability":"view","type":"function"},
	{"inputs":[],"name":"exchangeRateStored","outputs":[{"name":"","type":"uint256"}],"stateMutability":"view","type":"function"},
	{"anonymous":false,"inputs":[{"indexed":false,"name":"borrower","type":"address"},{"indexed":false,"name":"borrowAmount","type":"uint256"},{"indexed":false,"name":"accountBorrows","type":"uint256"},{"indexed":false,"name":"totalBorrows","type":"uint256"}],"name":"Borrow","type":"event"}
	]`

	oracleABIJSON = `[
	{"inputs":[{"name":"cToken","type":"address"}],"name":"getUnderlyingPriceAsBorrowed","outputs":[{"name":"","type":"uint256"}],"stateMutability":"view","type":"function"},
	{"inputs":[{"name":"cToken","type":"address"}],"name":"getUnderlyingPriceAsCollateral","outputs":[{"name":"","type":"uint256"}],"stateMutability":"view","type":"function"}
	]`

	vaultABIJSON = `[
	{"inputs":[{"name":"_borrower","type":"address"},{"name":"_lstAmount","type":"uint256"},{"name":"_swapToInput","type":"bool"},{"name":"_flashloan","type":"bool"}],"name":"liquidateLstBorrower","outputs":[],"stateMutability":"nonpayable","type":"function"}
	]`

	erc20ABIJSON = `[
	{"inputs":[{"name":"account","type":"address"}],"name":"balanceOf","outputs":[{"name":"","type":"uint256"}],"stateMutability":"view","type":"function"},
	{"inputs":[{"name":"owner","type":"address"},{"name":"spender","type":"address"}],"name":"allowance","outputs":[{"name":"","type":"uint256"}],"stateMutability":"view","type":"function"},
	{"inputs":[{"name":"spender","type":"address"},{"name":"amount","type":"uint256"}],"name":"approve","outputs":[{"name":"","type":"bool"}],"stateMutability":"nonpayable","type":"function"}
	]`
)

var (
	comptrollerABI abi.ABI
	marketABI      abi.ABI
	oracleABI      abi.ABI
	vaultABI       abi.ABI
	erc20ABI       abi.ABI
)

func init() {
	comptrollerABI = mustParseABI("comptroller", comptrollerABIJSON)
	marketABI = mustParseABI("market", marketABIJSON)
	oracleABI = mustParseABI("oracle", oracleABIJSON)
	vaultABI = mustParseABI("vault", vaultABIJSON)
	erc20ABI = mustParseABI("erc20", erc20ABIJSON)
}

func mustParseABI(name, raw string) abi.ABI {
	parsed, err := abi.JSON(strings.NewReader(raw))
	if err != nil {
		panic("failed to parse " + name + " ABI: " + err.Error())
	}
	return parsed
}
