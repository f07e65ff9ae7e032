package rpc

import (
	"context"
	"encoding/json"
	"fmt"
	"math/big"
	"strconv"
	"strings"
)

func (c *Client) GetBlockNumber(ctx context.Context) (int64, error) {
	result, err := c.call(ctx, "eth_blockNumber", nil)
	if err != nil {
		return 0, fmt.Errorf("eth_blockNumber: %w", err)
	}
	return unmarshalHexInt64(result, "block number")
}

func (c *Client) GetTransactionByHash(ctx context.Context, hash string) (*Transaction, error) {
	result, err := c.call(ctx, "eth_getTransactionByHash", []interface{}{hash})
	if err != nil {
		return nil, fmt.Errorf("eth_getTransactionByHash(%s): %w", hash, err)
	}
	if string(result) == "null" {
		return nil, nil
	}

	var tx Transaction
	if err := json.Unmarshal(result, &tx); err != nil {
		return nil, fmt.Errorf("unmarshal transaction: %w", err)
	}
	return &tx, nil
}

func (c *Client) GetTransactionReceipt(ctx context.Context, hash string) (*TransactionReceipt, error) {
	result, err := c.call(ctx, "eth_getTransactionReceipt", []interface{}{hash})
	if err != nil {
		return nil, fmt.Errorf("eth_getTransactionReceipt(%s): %w", hash, err)
	}
	if string(result) == "null" {
		return nil, nil
	}

	var receipt TransactionReceipt
	if err := json.Unmarshal(result, &receipt); err != nil {
		return nil, fmt.Errorf("unmarshal transaction receipt: %w", err)
	}
	return &receipt, nil
}

func (c *Client) GetBalance(ctx context.Context, address string) (*big.Int, error) {
	result, err := c.call(ctx, "eth_getBalance", []interface{}{address, "latest"})
	if err != nil {
		return nil, fmt.Errorf("eth_getBalance(%s): %w", address, err)
	}
	return unmarshalHexBig(result, "balance")
}

func (c *Client) GetTransactionCount(ctx context.Context, address string) (uint64, error) {
	result, err := c.call(ctx, "eth_getTransactionCount", []interface{}{address, "pending"})
	if err != nil {
		return 0, fmt.Errorf("eth_getTransactionCount(%s): %w", address, err)
	}
	nonce, err := unmarshalHexInt64(result, "nonce")
	if err != nil {
		return 0, err
	}
	return uint64(nonce), nil
}

func (c *Client) GetGasPrice(ctx context.Context) (*big.Int, error) {
	result, err := c.call(ctx, "eth_gasPrice", nil)
	if err != nil {
		return nil, fmt.Errorf("eth_gasPrice: %w", err)
	}
	return unmarshalHexBig(result, "gas price")
}

// GetMaxPriorityFee queries eth_maxPriorityFeePerGas. Not every node
// exposes it; callers are expected to fall back on error.
func (c *Client) GetMaxPriorityFee(ctx context.Context) (*big.Int, error) {
	result, err := c.call(ctx, "eth_maxPriorityFeePerGas", nil)
	if err != nil {
		return nil, fmt.Errorf("eth_maxPriorityFeePerGas: %w", err)
	}
	return unmarshalHexBig(result, "priority fee")
}

func (c *Client) GetChainID(ctx context.Context) (*big.Int, error) {
	result, err := c.call(ctx, "eth_chainId", nil)
	if err != nil {
		return nil, fmt.Errorf("eth_chainId: %w", err)
	}
	return unmarshalHexBig(result, "chain id")
}

func (c *Client) EstimateGas(ctx context.Context, msg CallMsg) (uint64, error) {
	result, err := c.call(ctx, "eth_estimateGas", []interface{}{msg})
	if err != nil {
		return 0, fmt.Errorf("eth_estimateGas: %w", err)
	}
	gas, err := unmarshalHexInt64(result, "gas estimate")
	if err != nil {
		return 0, err
	}
	return uint64(gas), nil
}

// Call performs a read-only eth_call against the latest block and
// returns the raw hex result.
func (c *Client) Call(ctx context.Context, msg CallMsg) (string, error) {
	result, err := c.call(ctx, "eth_call", []interface{}{msg, "latest"})
	if err != nil {
		return "", fmt.Errorf("eth_call: %w", err)
	}
	var out string
	if err := json.Unmarshal(result, &out); err != nil {
		return "", fmt.Errorf("unmarshal call result: %w", err)
	}
	return out, nil
}

// SendRawTransaction broadcasts a signed transaction and returns its hash.
func (c *Client) SendRawTransaction(ctx context.Context, signedHex string) (string, error) {
	result, err := c.call(ctx, "eth_sendRawTransaction", []interface{}{signedHex})
	if err != nil {
		return "", fmt.Errorf("eth_sendRawTransaction: %w", err)
	}
	var hash string
	if err := json.Unmarshal(result, &hash); err != nil {
		return "", fmt.Errorf("unmarshal tx hash: %w", err)
	}
	return hash, nil
}

func unmarshalHexInt64(result json.RawMessage, what string) (int64, error) {
	var hexValue string
	if err := json.Unmarshal(result, &hexValue); err != nil {
		return 0, fmt.Errorf("unmarshal %s: %w", what, err)
	}
	value, err := ParseHexInt64(hexValue)
	if err != nil {
		return 0, fmt.Errorf("parse %s: %w", what, err)
	}
	return value, nil
}

func unmarshalHexBig(result json.RawMessage, what string) (*big.Int, error) {
	var hexValue string
	if err := json.Unmarshal(result, &hexValue); err != nil {
		return nil, fmt.Errorf("unmarshal %s: %w", what, err)
	}
	value, err := ParseHexBig(hexValue)
	if err != nil {
		return nil, fmt.Errorf("parse %s: %w", what, err)
	}
	return value, nil
}

func ParseHexInt64(value string) (int64, error) {
	raw := strings.TrimSpace(value)
	if raw == "" {
		return 0, fmt.Errorf("empty hex value")
	}
	raw = strings.TrimPrefix(strings.ToLower(raw), "0x")
	if raw == "" {
		return 0, nil
	}
	parsed, err := strconv.ParseUint(raw, 16, 64)
	if err != nil {
		return 0, fmt.Errorf("parse hex %q: %w", value, err)
	}
	return int64(parsed), nil
}

// ParseHexBig parses a 0x-prefixed hex quantity of arbitrary size.
func ParseHexBig(value string) (*big.Int, error) {
	raw := strings.TrimSpace(value)
	if raw == "" {
		return nil, fmt.Errorf("empty hex value")
	}
	raw = strings.TrimPrefix(strings.ToLower(raw), "0x")
	if raw == "" {
		return new(big.Int), nil
	}
	parsed, ok := new(big.Int).SetString(raw, 16)
	if !ok {
		return nil, fmt.Errorf("parse hex %q", value)
	}
	return parsed, nil
}

func FormatHexUint64(value uint64) string {
	return fmt.Sprintf("0x%x", value)
}

func FormatHexBig(value *big.Int) string {
	return fmt.Sprintf("0x%x", value)
}
