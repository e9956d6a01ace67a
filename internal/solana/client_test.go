package solana

import (
	"bytes"
	"context"
	"crypto/ed25519"
	"encoding/base64"
	"encoding/binary"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/mr-tron/base58"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"telegram-coinflip/internal/gateway"
	"telegram-coinflip/internal/logger"
	"telegram-coinflip/internal/network"
)

func key(b byte) string {
	return base58.Encode(bytes.Repeat([]byte{b}, 32))
}

type rpcStub struct {
	mu       sync.Mutex
	handlers map[string]func(params []json.RawMessage) (interface{}, *RPCError)
	calls    map[string]int
}

func (s *rpcStub) count(method string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls[method]
}

func newRPCStub(t *testing.T) (*rpcStub, *httptest.Server) {
	stub := &rpcStub{
		handlers: make(map[string]func([]json.RawMessage) (interface{}, *RPCError)),
		calls:    make(map[string]int),
	}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			ID     int64             `json:"id"`
			Method string            `json:"method"`
			Params []json.RawMessage `json:"params"`
		}
		if !assert.NoError(t, json.NewDecoder(r.Body).Decode(&req)) {
			w.WriteHeader(http.StatusBadRequest)
			return
		}

		stub.mu.Lock()
		stub.calls[req.Method]++
		handler, ok := stub.handlers[req.Method]
		stub.mu.Unlock()
		if !assert.True(t, ok, "未预期的方法 %s", req.Method) {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		result, rpcErr := handler(req.Params)

		resp := map[string]interface{}{"jsonrpc": "2.0", "id": req.ID}
		if rpcErr != nil {
			resp["error"] = rpcErr
		} else {
			resp["result"] = result
		}
		_ = json.NewEncoder(w).Encode(resp)
	}))
	t.Cleanup(server.Close)
	return stub, server
}

func newTestClient(t *testing.T, url string, privateKey string, custodial string) *Client {
	c, err := New(Config{
		RPCURL:          url,
		Custodial:       custodial,
		PrivateKey:      privateKey,
		Mint:            key(9),
		Decimals:        6,
		ConfirmTimeout:  time.Second,
		ConfirmInterval: 5 * time.Millisecond,
		Retry:           &network.RetryConfig{MaxRetries: 0, BaseDelay: time.Millisecond, MaxDelay: time.Millisecond, BackoffFactor: 2},
	}, logger.NewNop())
	require.NoError(t, err)
	return c
}

func TestSignaturesPassesUntil(t *testing.T) {
	stub, server := newRPCStub(t)
	stub.handlers["getSignaturesForAddress"] = func(params []json.RawMessage) (interface{}, *RPCError) {
		var opts map[string]interface{}
		assert.NoError(t, json.Unmarshal(params[1], &opts))
		assert.Equal(t, "sigA", opts["until"])
		assert.EqualValues(t, 10, opts["limit"])
		assert.NotContains(t, opts, "before")
		return []map[string]interface{}{
			{"signature": "sigC", "slot": 12, "err": nil, "blockTime": 1700000000},
			{"signature": "sigB", "slot": 11, "err": map[string]interface{}{"InstructionError": []interface{}{0, "Custom"}}},
		}, nil
	}

	c := newTestClient(t, server.URL, "", key(1))
	sigs, err := c.Signatures(context.Background(), key(1), gateway.Page{Until: "sigA", Limit: 10})
	require.NoError(t, err)
	require.Len(t, sigs, 2)

	assert.Equal(t, "sigC", sigs[0].Signature)
	assert.False(t, sigs[0].Failed)
	require.NotNil(t, sigs[0].BlockTime)
	assert.True(t, sigs[1].Failed)
}

func TestTransactionParsesTokenBalances(t *testing.T) {
	stub, server := newRPCStub(t)
	stub.handlers["getTransaction"] = func(params []json.RawMessage) (interface{}, *RPCError) {
		var sig string
		assert.NoError(t, json.Unmarshal(params[0], &sig))
		if sig == "missing" {
			return nil, nil
		}
		return map[string]interface{}{
			"slot": 77,
			"meta": map[string]interface{}{
				"err": nil,
				"preTokenBalances": []interface{}{
					map[string]interface{}{"accountIndex": 1, "mint": key(9), "owner": key(2),
						"uiTokenAmount": map[string]interface{}{"amount": "150000000", "decimals": 6}},
				},
				"postTokenBalances": []interface{}{
					map[string]interface{}{"accountIndex": 1, "mint": key(9), "owner": key(2),
						"uiTokenAmount": map[string]interface{}{"amount": "100500000", "decimals": 6}},
				},
			},
			"transaction": map[string]interface{}{
				"message": map[string]interface{}{
					"accountKeys": []interface{}{
						map[string]interface{}{"pubkey": key(1)},
						map[string]interface{}{"pubkey": key(3)},
					},
				},
			},
		}, nil
	}

	c := newTestClient(t, server.URL, "", key(1))
	tx, err := c.Transaction(context.Background(), "sig1")
	require.NoError(t, err)

	assert.Equal(t, uint64(77), tx.Slot)
	require.Len(t, tx.Pre, 1)
	assert.Equal(t, key(3), tx.Pre[0].Account)
	assert.True(t, decimal.RequireFromString("150").Equal(tx.Pre[0].Amount))
	assert.True(t, decimal.RequireFromString("100.5").Equal(tx.Post[0].Amount))

	_, err = c.Transaction(context.Background(), "missing")
	assert.ErrorIs(t, err, gateway.ErrTransactionNotFound)
}

func TestTransportFailureIsUnavailable(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer server.Close()

	c := newTestClient(t, server.URL, "", key(1))
	_, err := c.Signatures(context.Background(), key(1), gateway.Page{Limit: 10})
	assert.ErrorIs(t, err, gateway.ErrUnavailable)
}

func TestRPCErrorIsReturned(t *testing.T) {
	stub, server := newRPCStub(t)
	stub.handlers["getSignaturesForAddress"] = func([]json.RawMessage) (interface{}, *RPCError) {
		return nil, &RPCError{Code: -32602, Message: "Invalid param"}
	}

	c := newTestClient(t, server.URL, "", key(1))
	_, err := c.Signatures(context.Background(), key(1), gateway.Page{Limit: 10})

	var rpcErr *RPCError
	require.ErrorAs(t, err, &rpcErr)
	assert.Equal(t, -32602, rpcErr.Code)
	assert.NotErrorIs(t, err, gateway.ErrUnavailable)
}

func TestSendTokenWithoutKey(t *testing.T) {
	c := newTestClient(t, "http://127.0.0.1:0", "", key(1))
	assert.False(t, c.CanSend())

	_, err := c.SendToken(context.Background(), key(2), decimal.NewFromInt(1))
	assert.ErrorIs(t, err, gateway.ErrSendDisabled)
}

func TestNewRejectsMismatchedKey(t *testing.T) {
	_, priv, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)

	_, err = New(Config{RPCURL: "http://x", Custodial: key(1), PrivateKey: base58.Encode(priv)}, logger.NewNop())
	assert.Error(t, err)
}

func TestSendTokenBuildsSignedTransferChecked(t *testing.T) {
	pub, priv, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)
	owner := base58.Encode(pub)

	stub, server := newRPCStub(t)
	stub.handlers["getTokenAccountsByOwner"] = func(params []json.RawMessage) (interface{}, *RPCError) {
		var who string
		assert.NoError(t, json.Unmarshal(params[0], &who))
		account := key(5)
		if who == owner {
			account = key(4)
		}
		return map[string]interface{}{"value": []interface{}{map[string]interface{}{"pubkey": account}}}, nil
	}
	stub.handlers["getLatestBlockhash"] = func([]json.RawMessage) (interface{}, *RPCError) {
		return map[string]interface{}{"value": map[string]interface{}{"blockhash": key(7)}}, nil
	}
	stub.handlers["sendTransaction"] = func(params []json.RawMessage) (interface{}, *RPCError) {
		var encoded string
		assert.NoError(t, json.Unmarshal(params[0], &encoded))
		raw, err := base64.StdEncoding.DecodeString(encoded)
		if !assert.NoError(t, err) || !assert.Greater(t, len(raw), 65+36) {
			return nil, &RPCError{Code: -32602, Message: "bad transaction"}
		}

		assert.Equal(t, byte(1), raw[0])
		sig, message := raw[1:65], raw[65:]
		assert.True(t, ed25519.Verify(pub, message, sig))

		assert.Equal(t, []byte{1, 0, 2, 5}, message[:4])
		assert.Equal(t, []byte(pub), message[4:36])
		data := message[len(message)-10:]
		assert.Equal(t, byte(instructionTransferChecked), data[0])
		assert.Equal(t, uint64(12_340_000), binary.LittleEndian.Uint64(data[1:9]))
		assert.Equal(t, byte(6), data[9])
		return base58.Encode(sig), nil
	}
	confirmations := 0
	stub.handlers["getSignatureStatuses"] = func([]json.RawMessage) (interface{}, *RPCError) {
		confirmations++
		if confirmations == 1 {
			return map[string]interface{}{"value": []interface{}{nil}}, nil
		}
		return map[string]interface{}{"value": []interface{}{
			map[string]interface{}{"err": nil, "confirmationStatus": "confirmed"},
		}}, nil
	}

	c := newTestClient(t, server.URL, base58.Encode(priv), "")
	assert.Equal(t, owner, c.Custodial())

	sig, err := c.SendToken(context.Background(), key(2), decimal.RequireFromString("12.34"))
	require.NoError(t, err)
	assert.NotEmpty(t, sig)
	assert.Equal(t, 2, stub.count("getSignatureStatuses"))
}

// stubTransfer 注册转账所需的账户与区块哈希查询，sendTransaction 固定返回 sig
func stubTransfer(stub *rpcStub, sig string) {
	stub.handlers["getTokenAccountsByOwner"] = func([]json.RawMessage) (interface{}, *RPCError) {
		return map[string]interface{}{"value": []interface{}{map[string]interface{}{"pubkey": key(4)}}}, nil
	}
	stub.handlers["getLatestBlockhash"] = func([]json.RawMessage) (interface{}, *RPCError) {
		return map[string]interface{}{"value": map[string]interface{}{"blockhash": key(7)}}, nil
	}
	stub.handlers["sendTransaction"] = func([]json.RawMessage) (interface{}, *RPCError) {
		return sig, nil
	}
}

func TestSendTokenExecutionFailure(t *testing.T) {
	_, priv, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)

	stub, server := newRPCStub(t)
	stubTransfer(stub, "sig-failed")
	stub.handlers["getSignatureStatuses"] = func([]json.RawMessage) (interface{}, *RPCError) {
		return map[string]interface{}{"value": []interface{}{
			map[string]interface{}{"err": map[string]interface{}{"InstructionError": []interface{}{0, "Custom"}}, "confirmationStatus": "confirmed"},
		}}, nil
	}

	c := newTestClient(t, server.URL, base58.Encode(priv), "")
	sig, err := c.SendToken(context.Background(), key(2), decimal.RequireFromString("1"))
	assert.Equal(t, "sig-failed", sig)
	assert.ErrorIs(t, err, gateway.ErrExecutionFailed)
}

func TestSendTokenUnconfirmedKeepsSignature(t *testing.T) {
	_, priv, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)

	stub, server := newRPCStub(t)
	stubTransfer(stub, "sig-slow")
	stub.handlers["getSignatureStatuses"] = func([]json.RawMessage) (interface{}, *RPCError) {
		return map[string]interface{}{"value": []interface{}{nil}}, nil
	}

	c := newTestClient(t, server.URL, base58.Encode(priv), "")
	sig, err := c.SendToken(context.Background(), key(2), decimal.RequireFromString("1"))
	assert.Equal(t, "sig-slow", sig)
	assert.ErrorIs(t, err, ErrNotConfirmed)
	assert.NotErrorIs(t, err, gateway.ErrExecutionFailed)
}

func TestSignatureStatus(t *testing.T) {
	tests := []struct {
		name   string
		value  interface{}
		status gateway.SendStatus
	}{
		{"未找到", nil, gateway.StatusNotFound},
		{"处理中", map[string]interface{}{"err": nil, "confirmationStatus": "processed"}, gateway.StatusPending},
		{"已确认", map[string]interface{}{"err": nil, "confirmationStatus": "finalized"}, gateway.StatusConfirmed},
		{"执行失败", map[string]interface{}{"err": "InsufficientFunds", "confirmationStatus": "finalized"}, gateway.StatusFailed},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			stub, server := newRPCStub(t)
			stub.handlers["getSignatureStatuses"] = func(params []json.RawMessage) (interface{}, *RPCError) {
				if !assert.Len(t, params, 2) {
					return nil, &RPCError{Code: -32602, Message: "missing config"}
				}
				var opts map[string]bool
				assert.NoError(t, json.Unmarshal(params[1], &opts))
				assert.True(t, opts["searchTransactionHistory"])
				return map[string]interface{}{"value": []interface{}{tt.value}}, nil
			}

			c := newTestClient(t, server.URL, "", key(1))
			status, err := c.SignatureStatus(context.Background(), "sig")
			require.NoError(t, err)
			assert.Equal(t, tt.status, status)
		})
	}
}

func TestToUnitsRejectsExcessPrecision(t *testing.T) {
	c := &Client{decimals: 2}

	units, err := c.toUnits(decimal.RequireFromString("1.25"))
	require.NoError(t, err)
	assert.Equal(t, uint64(125), units)

	_, err = c.toUnits(decimal.RequireFromString("1.255"))
	assert.Error(t, err)
}

func TestCompactU16(t *testing.T) {
	assert.Equal(t, []byte{0x05}, appendCompactU16(nil, 5))
	assert.Equal(t, []byte{0x80, 0x01}, appendCompactU16(nil, 128))
	assert.Equal(t, []byte{0xff, 0xff, 0x03}, appendCompactU16(nil, 0xffff))
}
