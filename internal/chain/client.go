package chain

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math/big"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/ethereum/go-ethereum/rpc"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

var (
	// ErrNoSigner is returned by write calls when no private key is configured.
	ErrNoSigner = errors.New("chain: no signing key configured")
	// ErrReverted marks a mined transaction whose receipt reports failure.
	ErrReverted = errors.New("chain: transaction reverted")
)

var rateLimitSignatures = []string{"too many requests", "rate limit"}

// IsRateLimited reports whether err looks like an RPC provider throttling response:
// an HTTP 429 from the transport, or a JSON-RPC error worded as a rate limit.
func IsRateLimited(err error) bool {
	if err == nil {
		return false
	}
	var httpErr rpc.HTTPError
	if errors.As(err, &httpErr) {
		return httpErr.StatusCode == http.StatusTooManyRequests
	}
	msg := strings.ToLower(err.Error())
	for _, sig := range rateLimitSignatures {
		if strings.Contains(msg, sig) {
			return true
		}
	}
	return false
}

// Options parameterise the RPC client.
type Options struct {
	RPCURL                string
	ChainID               int64
	PrivateKey            string
	Timeout               time.Duration
	MaxRequestsPerSecond  float64
	ReceiptTimeout        time.Duration
	ReceiptPollInterval   time.Duration
	GasLimitMultiplierPct uint64
}

// Client wraps an ethclient with throttling, ABI helpers and a signer.
type Client struct {
	opts      Options
	logger    zerolog.Logger
	limiter   *rate.Limiter
	key       *ecdsa.PrivateKey
	from      common.Address
	client    *ethclient.Client
	clientMux sync.Mutex
}

// NewClient validates options and prepares a lazily dialled client.
func NewClient(opts Options, logger zerolog.Logger) (*Client, error) {
	if strings.TrimSpace(opts.RPCURL) == "" {
		return nil, errors.New("ethereum rpc url not configured")
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 15 * time.Second
	}
	if opts.ReceiptTimeout <= 0 {
		opts.ReceiptTimeout = 2 * time.Minute
	}
	if opts.ReceiptPollInterval <= 0 {
		opts.ReceiptPollInterval = time.Second
	}
	if opts.GasLimitMultiplierPct == 0 {
		opts.GasLimitMultiplierPct = 100
	}

	c := &Client{
		opts:   opts,
		logger: logger.With().Str("component", "chain").Logger(),
	}

	if opts.MaxRequestsPerSecond > 0 {
		burst := int(opts.MaxRequestsPerSecond)
		if burst < 1 {
			burst = 1
		}
		c.limiter = rate.NewLimiter(rate.Limit(opts.MaxRequestsPerSecond), burst)
	}

	if key := strings.TrimSpace(opts.PrivateKey); key != "" {
		parsed, err := crypto.HexToECDSA(strings.TrimPrefix(key, "0x"))
		if err != nil {
			return nil, fmt.Errorf("parse private key: %w", err)
		}
		c.key = parsed
		c.from = crypto.PubkeyToAddress(parsed.PublicKey)
	}

	return c, nil
}

// From returns the signer address, or the zero address in read-only mode.
func (c *Client) From() common.Address {
	return c.from
}

// CanSign reports whether write calls are possible.
func (c *Client) CanSign() bool {
	return c.key != nil
}

// Close releases the underlying connection.
func (c *Client) Close() {
	c.clientMux.Lock()
	defer c.clientMux.Unlock()
	if c.client != nil {
		c.client.Close()
		c.client = nil
	}
}

// BlockNumber returns the current chain head.
func (c *Client) BlockNumber(ctx context.Context) (uint64, error) {
	ctx, cancel := context.WithTimeout(ctx, c.opts.Timeout)
	defer cancel()

	client, err := c.ready(ctx)
	if err != nil {
		return 0, err
	}
	return client.BlockNumber(ctx)
}

// ready throttles and hands out the shared connection.
func (c *Client) ready(ctx context.Context) (*ethclient.Client, error) {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, fmt.Errorf("rpc throttle: %w", err)
		}
	}
	return c.getClient(ctx)
}

func (c *Client) getClient(ctx context.Context) (*ethclient.Client, error) {
	c.clientMux.Lock()
	defer c.clientMux.Unlock()

	if c.client != nil {
		return c.client, nil
	}

	client, err := ethclient.DialContext(ctx, c.opts.RPCURL)
	if err != nil {
		return nil, err
	}
	c.client = client
	return client, nil
}

// call performs a read-only contract call and unpacks its outputs.
func (c *Client) call(ctx context.Context, contract abi.ABI, to common.Address, method string, args ...interface{}) ([]interface{}, error) {
	ctx, cancel := context.WithTimeout(ctx, c.opts.Timeout)
	defer cancel()

	payload, err := contract.Pack(method, args...)
	if err != nil {
		return nil, fmt.Errorf("pack %s: %w", method, err)
	}

	client, err := c.ready(ctx)
	if err != nil {
		return nil, err
	}

	res, err := client.CallContract(ctx, ethereum.CallMsg{To: &to, Data: payload}, nil)
	if err != nil {
		return nil, fmt.Errorf("call %s: %w", method, err)
	}

	outputs, err := contract.Unpack(method, res)
	if err != nil {
		return nil, fmt.Errorf("unpack %s: %w", method, err)
	}
	return outputs, nil
}

func uintOutputs(method string, outputs []interface{}, want int) ([]*big.Int, error) {
	if len(outputs) != want {
		return nil, fmt.Errorf("unexpected %s response: %d outputs", method, len(outputs))
	}
	values := make([]*big.Int, want)
	for i, out := range outputs {
		v, ok := out.(*big.Int)
		if !ok {
			return nil, fmt.Errorf("failed to decode %s output %d", method, i)
		}
		values[i] = v
	}
	return values, nil
}

func (c *Client) callUint(ctx context.Context, contract abi.ABI, to common.Address, method string, args ...interface{}) (*big.Int, error) {
	outputs, err := c.call(ctx, contract, to, method, args...)
	if err != nil {
		return nil, err
	}
	values, err := uintOutputs(method, outputs, 1)
	if err != nil {
		return nil, err
	}
	return values[0], nil
}
