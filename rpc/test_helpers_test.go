package rpc

import (
	"bytes"
	"encoding/json"
	"math/big"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"escrowledger/core"
	"escrowledger/crypto"
	"escrowledger/storage"
)

const (
	testSecret   = "rpc-test-secret"
	testIssuer   = "rpc-tests"
	testAudience = "unit-tests"
)

var (
	testBuyer   = [20]byte{0x01}
	testSeller  = [20]byte{0x02}
	testArbiter = [20]byte{0x03}
)

type testEnv struct {
	node   *core.Node
	server *Server
	http   *httptest.Server
}

func newTestEnv(t *testing.T, mutate ...func(*ServerConfig)) *testEnv {
	t.Helper()
	node, err := core.NewNode(storage.NewMemDB(), core.Config{
		Allocations: map[[20]byte]*big.Int{
			testBuyer:  big.NewInt(1_000),
			testSeller: big.NewInt(50),
		},
	})
	require.NoError(t, err)
	cfg := ServerConfig{Auth: AuthConfig{Secret: testSecret, Issuer: testIssuer, Audience: testAudience}}
	for _, fn := range mutate {
		fn(&cfg)
	}
	srv := NewServer(node, cfg)
	httpSrv := httptest.NewServer(srv.Handler())
	t.Cleanup(httpSrv.Close)
	return &testEnv{node: node, server: srv, http: httpSrv}
}

func addr(raw [20]byte) string { return crypto.FromRaw(raw).String() }

func tokenFor(t *testing.T, subject [20]byte, scopes ...string) string {
	t.Helper()
	token, err := IssueToken(testSecret, testIssuer, testAudience, addr(subject), scopes, time.Minute)
	require.NoError(t, err)
	return token
}

type rpcReply struct {
	Status  int
	ID      json.RawMessage
	Result  json.RawMessage
	Error   *RPCError
	Headers http.Header
}

func (e *testEnv) call(t *testing.T, token, method string, params ...interface{}) rpcReply {
	t.Helper()
	raw := make([]json.RawMessage, 0, len(params))
	for _, p := range params {
		raw = append(raw, marshalParam(t, p))
	}
	body, err := json.Marshal(map[string]interface{}{
		"jsonrpc": jsonRPCVersion,
		"id":      1,
		"method":  method,
		"params":  raw,
	})
	require.NoError(t, err)
	return e.post(t, token, body)
}

func (e *testEnv) post(t *testing.T, token string, body []byte) rpcReply {
	t.Helper()
	req, err := http.NewRequest(http.MethodPost, e.http.URL+"/", bytes.NewReader(body))
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := e.http.Client().Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	var decoded struct {
		ID     json.RawMessage `json:"id"`
		Result json.RawMessage `json:"result"`
		Error  *RPCError       `json:"error"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&decoded))
	return rpcReply{Status: resp.StatusCode, ID: decoded.ID, Result: decoded.Result, Error: decoded.Error, Headers: resp.Header}
}

func marshalParam(t *testing.T, v interface{}) json.RawMessage {
	t.Helper()
	data, err := json.Marshal(v)
	require.NoError(t, err)
	return data
}

func decodeResult(t *testing.T, reply rpcReply, out interface{}) {
	t.Helper()
	require.Nil(t, reply.Error, "unexpected rpc error: %+v", reply.Error)
	require.NoError(t, json.Unmarshal(reply.Result, out))
}
