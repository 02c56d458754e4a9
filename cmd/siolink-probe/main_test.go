package main

import (
	"bytes"
	"context"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/ghuvrons/siolink"
	"github.com/ghuvrons/siolink/engineio"
	"github.com/ghuvrons/siolink/internal/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseArgs(t *testing.T) {
	tests := []struct {
		data    string
		want    []any
		wantErr bool
	}{
		{data: "", want: nil},
		{data: `["a",1]`, want: []any{"a", 1.0}},
		{data: `{"k":true}`, want: []any{map[string]any{"k": true}}},
		{data: `"solo"`, want: []any{"solo"}},
		{data: `[`, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.data, func(t *testing.T) {
			got, err := parseArgs(tt.data)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func testClient(rawURL string) config.Client {
	cfg := config.Default().Client
	cfg.URL = rawURL
	cfg.Manager.Reconnection = false
	cfg.Manager.Engine.Transports = []string{engineio.TRANSPORT_WEBSOCKET}
	return cfg
}

func TestProbe(t *testing.T) {
	io := siolink.NewServer(engineio.DefaultServerOptions())
	io.On("echo", func(_ *siolink.ServerSocket, args ...any) siolink.EventResponse {
		return siolink.EventResponse(args)
	})
	ts := httptest.NewServer(io)
	t.Cleanup(func() {
		io.Close()
		ts.Close()
	})

	var out bytes.Buffer
	err := probe(context.Background(), testClient(ts.URL+"/admin"), "echo", []any{"hi", 2.0}, 2*time.Second, 0, &out)
	require.NoError(t, err)
	assert.Contains(t, out.String(), `"nsp":"/admin"`)
	assert.Contains(t, out.String(), `ack ["hi",2]`)
}

func TestProbe_Refused(t *testing.T) {
	io := siolink.NewServer(engineio.DefaultServerOptions())
	io.Authenticator(func(any) bool { return false })
	ts := httptest.NewServer(io)
	t.Cleanup(func() {
		io.Close()
		ts.Close()
	})

	var out bytes.Buffer
	err := probe(context.Background(), testClient(ts.URL), "echo", nil, 2*time.Second, 0, &out)
	require.Error(t, err)
	var connectErr *siolink.ConnectError
	assert.ErrorAs(t, err, &connectErr)
}
