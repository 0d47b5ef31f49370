package chain

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/common/math"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/rpc"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

type rpcRequest struct {
	ID     json.RawMessage   `json:"id"`
	Method string            `json:"method"`
	Params []json.RawMessage `json:"params"`
}

// fakeNode answers JSON-RPC calls from a method -> result table.
type fakeNode struct {
	mu      sync.Mutex
	results map[string]interface{}
	calls   []string
}

func newFakeNode(t *testing.T, results map[string]interface{}) (*fakeNode, *httptest.Server) {
	t.Helper()
	node := &fakeNode{results: results}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req rpcRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))

		node.mu.Lock()
		node.calls = append(node.calls, req.Method)
		result, ok := node.results[req.Method]
		node.mu.Unlock()

		resp := map[string]interface{}{"jsonrpc": "2.0", "id": req.ID}
		if !ok {
			resp["error"] = map[string]interface{}{"code": -32601, "message": "method not found"}
		} else if err, isErr := result.(error); isErr {
			resp["error"] = map[string]interface{}{"code": -32005, "message": err.Error()}
		} else {
			resp["result"] = result
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(resp)
	}))
	t.Cleanup(srv.Close)
	return node, srv
}

func (n *fakeNode) called(method string) int {
	n.mu.Lock()
	defer n.mu.Unlock()
	count := 0
	for _, m := range n.calls {
		if m == method {
			count++
		}
	}
	return count
}

func packOutputs(t *testing.T, method string, values ...interface{}) string {
	t.Helper()
	var packed []byte
	var err error
	switch {
	case comptrollerABI.Methods[method].Name != "":
		packed, err = comptrollerABI.Methods[method].Outputs.Pack(values...)
	case marketABI.Methods[method].Name != "":
		packed, err = marketABI.Methods[method].Outputs.Pack(values...)
	case erc20ABI.Methods[method].Name != "":
		packed, err = erc20ABI.Methods[method].Outputs.Pack(values...)
	default:
		t.Fatalf("unknown method %s", method)
	}
	require.NoError(t, err)
	return hexutil.Encode(packed)
}

func TestIsRateLimited(t *testing.T) {
	require.True(t, IsRateLimited(errors.New("429 Too Many Requests")))
	require.True(t, IsRateLimited(fmt.Errorf("call: %w", errors.New("rate limit exceeded"))))
	require.True(t, IsRateLimited(fmt.Errorf("eth_call: %w", rpc.HTTPError{StatusCode: http.StatusTooManyRequests, Status: "429 Too Many Requests"})))
	require.False(t, IsRateLimited(rpc.HTTPError{StatusCode: http.StatusBadGateway, Status: "502 Bad Gateway"}))
	require.False(t, IsRateLimited(errors.New("dial tcp 10.0.0.5:8429: connect: connection refused")))
	require.False(t, IsRateLimited(errors.New("execution reverted: 0x08c379a0000000000000000000000000000000000000000000000000000000000000429")))
	require.False(t, IsRateLimited(errors.New("execution reverted")))
	require.False(t, IsRateLimited(nil))
}

func TestAccountHealthSurfacesHTTP429(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "slow down", http.StatusTooManyRequests)
	}))
	t.Cleanup(srv.Close)

	client, err := NewClient(Options{RPCURL: srv.URL}, zerolog.Nop())
	require.NoError(t, err)
	defer client.Close()

	_, err = client.AccountHealth(context.Background(), common.Address{}, common.Address{}, common.Address{}, common.Address{})
	require.Error(t, err)
	require.True(t, IsRateLimited(err))
}

func TestNewClientValidation(t *testing.T) {
	_, err := NewClient(Options{}, zerolog.Nop())
	require.Error(t, err)

	_, err = NewClient(Options{RPCURL: "http://localhost", PrivateKey: "zz"}, zerolog.Nop())
	require.Error(t, err)

	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	client, err := NewClient(Options{RPCURL: "http://localhost", PrivateKey: "0x" + common.Bytes2Hex(crypto.FromECDSA(key))}, zerolog.Nop())
	require.NoError(t, err)
	require.True(t, client.CanSign())
	require.Equal(t, crypto.PubkeyToAddress(key.PublicKey), client.From())
}

func TestAccountHealthDecodesTuple(t *testing.T) {
	result := packOutputs(t, "getAccountLiquidityIsolate",
		big.NewInt(0), big.NewInt(11), big.NewInt(22), big.NewInt(33), big.NewInt(44))
	_, srv := newFakeNode(t, map[string]interface{}{"eth_call": result})

	client, err := NewClient(Options{RPCURL: srv.URL}, zerolog.Nop())
	require.NoError(t, err)
	defer client.Close()

	health, err := client.AccountHealth(context.Background(), common.HexToAddress("0x1"), common.HexToAddress("0x2"), common.HexToAddress("0x3"), common.HexToAddress("0x4"))
	require.NoError(t, err)
	require.Equal(t, int64(11), health.Liquidity.Int64())
	require.Equal(t, int64(22), health.Shortfall.Int64())
	require.Equal(t, int64(33), health.BadDebt.Int64())
	require.Equal(t, int64(44), health.LTV.Int64())
}

func TestAccountHealthSurfacesRateLimit(t *testing.T) {
	_, srv := newFakeNode(t, map[string]interface{}{"eth_call": errors.New("Too Many Requests")})

	client, err := NewClient(Options{RPCURL: srv.URL}, zerolog.Nop())
	require.NoError(t, err)
	defer client.Close()

	_, err = client.AccountHealth(context.Background(), common.Address{}, common.Address{}, common.Address{}, common.Address{})
	require.Error(t, err)
	require.True(t, IsRateLimited(err))
}

func TestBorrowersInRangeDecodesLogs(t *testing.T) {
	market := common.HexToAddress("0xb2a43445b97cd6a179033788d763b8d0c0487e36")
	borrower := common.HexToAddress("0x00000000000000000000000000000000000000aa")

	data, err := marketABI.Events["Borrow"].Inputs.Pack(borrower, big.NewInt(1), big.NewInt(2), big.NewInt(3))
	require.NoError(t, err)

	logs := []types.Log{
		{Address: market, Topics: []common.Hash{BorrowEventID()}, Data: data, BlockNumber: 10},
		{Address: market, Topics: []common.Hash{common.HexToHash("0xdead")}, Data: data, BlockNumber: 11},
	}
	_, srv := newFakeNode(t, map[string]interface{}{"eth_getLogs": logs})

	client, err := NewClient(Options{RPCURL: srv.URL}, zerolog.Nop())
	require.NoError(t, err)
	defer client.Close()

	borrowers, err := client.BorrowersInRange(context.Background(), market, 1, 100)
	require.NoError(t, err)
	require.Equal(t, []common.Address{borrower}, borrowers)
}

func TestEnsureApprovalSkipsWhenAllowanceSet(t *testing.T) {
	node, srv := newFakeNode(t, map[string]interface{}{
		"eth_call": packOutputs(t, "allowance", new(big.Int).Set(math.MaxBig256)),
	})

	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	client, err := NewClient(Options{RPCURL: srv.URL, PrivateKey: common.Bytes2Hex(crypto.FromECDSA(key))}, zerolog.Nop())
	require.NoError(t, err)
	defer client.Close()

	vault := NewVault(client, common.HexToAddress("0x10"), common.HexToAddress("0x20"))
	hash, err := vault.EnsureApproval(context.Background())
	require.NoError(t, err)
	require.Equal(t, common.Hash{}, hash)
	require.Zero(t, node.called("eth_sendRawTransaction"))
}

func TestEnsureApprovalNeedsSigner(t *testing.T) {
	client, err := NewClient(Options{RPCURL: "http://localhost"}, zerolog.Nop())
	require.NoError(t, err)

	_, err = NewVault(client, common.Address{}, common.Address{}).EnsureApproval(context.Background())
	require.ErrorIs(t, err, ErrNoSigner)
}

func TestLiquidateRevertsBeforeBroadcast(t *testing.T) {
	node, srv := newFakeNode(t, map[string]interface{}{
		"eth_getTransactionCount": "0x1",
		"eth_estimateGas":         errors.New("execution reverted"),
	})

	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	client, err := NewClient(Options{RPCURL: srv.URL, ChainID: 146, PrivateKey: common.Bytes2Hex(crypto.FromECDSA(key))}, zerolog.Nop())
	require.NoError(t, err)
	defer client.Close()

	vault := NewVault(client, common.HexToAddress("0x10"), common.HexToAddress("0x20"))
	_, err = vault.Liquidate(context.Background(), common.HexToAddress("0xaa"), big.NewInt(1e18), true, false)
	require.ErrorContains(t, err, "estimate gas")
	require.Zero(t, node.called("eth_sendRawTransaction"))
}
