package vmservice

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNormalizeServiceURI(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"http://127.0.0.1:8181/", "ws://127.0.0.1:8181/ws"},
		{"http://127.0.0.1:8181", "ws://127.0.0.1:8181/ws"},
		{"https://127.0.0.1:8181/auth/", "wss://127.0.0.1:8181/auth/ws"},
		{"ws://127.0.0.1:8181/ws", "ws://127.0.0.1:8181/ws"},
		{"http://127.0.0.1:8181/auth=token//", "ws://127.0.0.1:8181/auth=token/ws"},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := NormalizeServiceURI(tt.in)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}

	_, err := NormalizeServiceURI("ftp://example.com/")
	assert.Error(t, err)
}

func TestVersionAtLeast(t *testing.T) {
	v := Version{Major: 3, Minor: 57}
	assert.True(t, v.AtLeast(3, 56))
	assert.True(t, v.AtLeast(3, 57))
	assert.False(t, v.AtLeast(3, 61))
	assert.False(t, v.AtLeast(4, 13))
	assert.True(t, Version{Major: 4, Minor: 0}.AtLeast(3, 61))
}

// newFakeService serves canned JSON-RPC results keyed by method name.
func newFakeService(t *testing.T, results map[string]string) *httptest.Server {
	t.Helper()
	upgrader := websocket.Upgrader{}
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		for {
			var req struct {
				ID     int64          `json:"id"`
				Method string         `json:"method"`
				Params map[string]any `json:"params"`
			}
			if err := conn.ReadJSON(&req); err != nil {
				return
			}
			result, ok := results[req.Method]
			if !ok {
				result = `{"type":"Error"}`
			}
			resp := map[string]any{
				"jsonrpc": "2.0",
				"id":      req.ID,
				"result":  json.RawMessage(result),
			}
			if err := conn.WriteJSON(resp); err != nil {
				return
			}
		}
	}))
}

func TestClientConnectAndCall(t *testing.T) {
	server := newFakeService(t, map[string]string{
		"getVM":      `{"type":"VM","isolates":[{"id":"isolates/1","name":"main","isolateGroupId":"groups/1"}]}`,
		"getVersion": `{"type":"Version","major":4,"minor":13}`,
	})
	defer server.Close()

	ctx := context.Background()
	client, err := Connect(ctx, server.URL, 2*time.Second)
	require.NoError(t, err)
	defer client.Close()

	vm, err := client.GetVM(ctx)
	require.NoError(t, err)
	require.Len(t, vm.Isolates, 1)
	assert.Equal(t, "isolates/1", vm.Isolates[0].ID)
	assert.Equal(t, "groups/1", vm.Isolates[0].IsolateGroupID)

	version, err := client.GetVersion(ctx)
	require.NoError(t, err)
	assert.Equal(t, Version{Major: 4, Minor: 13}, *version)
}

func TestClientSentinelResponse(t *testing.T) {
	server := newFakeService(t, map[string]string{
		"getVM":      `{"type":"VM","isolates":[]}`,
		"getIsolate": `{"type":"Sentinel","kind":"Collected","valueAsString":"<collected>"}`,
	})
	defer server.Close()

	ctx := context.Background()
	client, err := Connect(ctx, server.URL, 2*time.Second)
	require.NoError(t, err)
	defer client.Close()

	_, err = client.GetIsolate(ctx, "isolates/1")
	require.Error(t, err)
	assert.True(t, IsSentinel(err))
}

func TestClientRPCError(t *testing.T) {
	srv := newFakeErrorService(t)
	defer srv.Close()

	ctx := context.Background()
	errClient, err := Connect(ctx, srv.URL, 2*time.Second)
	require.NoError(t, err)
	defer errClient.Close()

	err = errClient.Resume(ctx, "isolates/1")
	var rpcErr *RPCError
	require.ErrorAs(t, err, &rpcErr)
	assert.Equal(t, 106, rpcErr.Code)
}

// newFakeErrorService answers getVM normally and everything else with a
// JSON-RPC error.
func newFakeErrorService(t *testing.T) *httptest.Server {
	t.Helper()
	upgrader := websocket.Upgrader{}
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		for {
			var req struct {
				ID     int64  `json:"id"`
				Method string `json:"method"`
			}
			if err := conn.ReadJSON(&req); err != nil {
				return
			}
			resp := map[string]any{"jsonrpc": "2.0", "id": req.ID}
			if req.Method == "getVM" {
				resp["result"] = json.RawMessage(`{"type":"VM","isolates":[]}`)
			} else {
				resp["error"] = map[string]any{"code": 106, "message": "Isolate must be paused"}
			}
			if err := conn.WriteJSON(resp); err != nil {
				return
			}
		}
	}))
}

func TestConnectTimesOut(t *testing.T) {
	// Nothing listens on this port.
	_, err := Connect(context.Background(), "http://127.0.0.1:1/", 300*time.Millisecond)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrConnectTimeout)
}
