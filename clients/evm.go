package clients

import (
	"context"
	"fmt"
	"math/big"
	"strings"
	"sync"

	ethereum "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/shopspring/decimal"
	"github.com/vitwit/checkout/types"
)

const erc20ABI = `[
{"constant":true,"inputs":[{"name":"owner","type":"address"}],"name":"balanceOf","outputs":[{"name":"","type":"uint256"}],"type":"function"},
{"constant":true,"inputs":[],"name":"decimals","outputs":[{"name":"","type":"uint8"}],"type":"function"}
]`

const nativeDecimals = 18

// Backend is the RPC surface used per network. *ethclient.Client satisfies it.
type Backend interface {
	ChainReader
	BalanceReader
	CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
	Close()
}

type dialFunc func(ctx context.Context, rpcURL string) (Backend, error)

func dialEthclient(ctx context.Context, rpcURL string) (Backend, error) {
	c, err := ethclient.DialContext(ctx, rpcURL)
	if err != nil {
		return nil, err
	}
	return c, nil
}

// Registry lazily dials one RPC client per configured network.
type Registry struct {
	networks map[int]types.NetworkConfig
	dial     dialFunc
	tokenABI abi.ABI

	mu       sync.Mutex
	backends map[int]Backend
}

var _ ChainProvider = (*Registry)(nil)

func NewRegistry(networks map[int]types.NetworkConfig) (*Registry, error) {
	parsed, err := abi.JSON(strings.NewReader(erc20ABI))
	if err != nil {
		return nil, fmt.Errorf("failed to parse erc20 abi: %w", err)
	}
	return &Registry{
		networks: networks,
		dial:     dialEthclient,
		tokenABI: parsed,
		backends: make(map[int]Backend),
	}, nil
}

// Backend returns the client of a network, dialing it on first use.
func (r *Registry) Backend(ctx context.Context, network int) (Backend, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if b, ok := r.backends[network]; ok {
		return b, nil
	}
	cfg, ok := r.networks[network]
	if !ok || cfg.RPCUrl == "" {
		return nil, types.NewError(types.ErrUnsupportedNetwork, "no rpc configured for network %d", network)
	}
	b, err := r.dial(ctx, cfg.RPCUrl)
	if err != nil {
		return nil, types.NewError(types.ErrNetworkError, "failed to connect to %s rpc: %v", types.NetworkName(network), err)
	}
	r.backends[network] = b
	return b, nil
}

// Reader implements ChainProvider.
func (r *Registry) Reader(network int) (ChainReader, error) {
	return r.Backend(context.Background(), network)
}

// Balance returns the balance of address on network in whole units.
// An empty currency means the native token.
func (r *Registry) Balance(ctx context.Context, address string, network int, currency string) (decimal.Decimal, error) {
	b, err := r.Backend(ctx, network)
	if err != nil {
		return decimal.Zero, err
	}
	owner := common.HexToAddress(address)

	if currency == "" || currency == (common.Address{}).Hex() {
		wei, err := b.BalanceAt(ctx, owner, nil)
		if err != nil {
			return decimal.Zero, fmt.Errorf("failed to read balance: %w", err)
		}
		return decimal.NewFromBigInt(wei, -nativeDecimals), nil
	}

	token := common.HexToAddress(currency)
	raw, err := r.call(ctx, b, token, "balanceOf", owner)
	if err != nil {
		return decimal.Zero, err
	}
	amount, ok := raw[0].(*big.Int)
	if !ok {
		return decimal.Zero, fmt.Errorf("unexpected balanceOf result %T", raw[0])
	}

	raw, err = r.call(ctx, b, token, "decimals")
	if err != nil {
		return decimal.Zero, err
	}
	decimals, ok := raw[0].(uint8)
	if !ok {
		return decimal.Zero, fmt.Errorf("unexpected decimals result %T", raw[0])
	}
	return decimal.NewFromBigInt(amount, -int32(decimals)), nil
}

func (r *Registry) call(ctx context.Context, b Backend, to common.Address, method string, args ...interface{}) ([]interface{}, error) {
	data, err := r.tokenABI.Pack(method, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to pack %s: %w", method, err)
	}
	out, err := b.CallContract(ctx, ethereum.CallMsg{To: &to, Data: data}, nil)
	if err != nil {
		return nil, fmt.Errorf("%s call failed: %w", method, err)
	}
	res, err := r.tokenABI.Unpack(method, out)
	if err != nil {
		return nil, fmt.Errorf("failed to unpack %s: %w", method, err)
	}
	if len(res) == 0 {
		return nil, fmt.Errorf("%s returned no values", method)
	}
	return res, nil
}

// Close closes every dialed client.
func (r *Registry) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for n, b := range r.backends {
		b.Close()
		delete(r.backends, n)
	}
}
