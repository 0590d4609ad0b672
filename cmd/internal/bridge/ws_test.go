package bridge_test

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pairgate/cmd/internal/bridge"
	"pairgate/cmd/internal/bridge/bridgetest"
	v1 "pairgate/shared/contracts/bridge/v1"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newDialer(t *testing.T, gw *bridgetest.Gateway, token string) *bridge.WSDialer {
	t.Helper()
	d, err := bridge.NewWSDialer(bridge.WSConfig{
		URL:              gw.URL(),
		Token:            token,
		HandshakeTimeout: 3 * time.Second,
		RequestTimeout:   3 * time.Second,
	}, quietLogger())
	require.NoError(t, err)
	return d
}

func nextEvent(t *testing.T, c bridge.Conn) bridge.Event {
	t.Helper()
	select {
	case ev, ok := <-c.Events():
		require.True(t, ok, "event stream closed early")
		return ev
	case <-time.After(3 * time.Second):
		t.Fatalf("timed out waiting for event")
		return bridge.Event{}
	}
}

func TestNewWSDialer_Validation(t *testing.T) {
	for _, raw := range []string{"", "ftp://x", "ws://", "::"} {
		_, err := bridge.NewWSDialer(bridge.WSConfig{URL: raw}, nil)
		assert.Error(t, err, "url %q", raw)
	}
	_, err := bridge.NewWSDialer(bridge.WSConfig{URL: "wss://bridge.internal/v1"}, nil)
	assert.NoError(t, err)
}

func TestWSDialer_PairingFlow(t *testing.T) {
	var (
		mu       sync.Mutex
		received []v1.MessageSendPayload
	)
	gw := bridgetest.NewGateway("secret", func(s *bridgetest.GatewaySession) {
		if err := s.Ready(false); err != nil {
			return
		}
		req, err := s.Expect(v1.TypePairingRequest)
		if err != nil {
			return
		}
		var p v1.PairingRequestPayload
		_ = json.Unmarshal(req.Payload, &p)
		_ = s.Send(v1.TypePairingCode, req.ID, v1.PairingCodePayload{Code: "WXYZ" + p.Phone[len(p.Phone)-4:]})

		_ = s.Creds(`{"step":1}`)
		_ = s.Creds(`{"step":2}`)
		_ = s.Opened()
		_ = s.Serve("unused", func(m v1.MessageSendPayload) {
			mu.Lock()
			received = append(received, m)
			mu.Unlock()
		})
	})
	defer gw.Close()

	ctx := context.Background()
	conn, err := newDialer(t, gw, "secret").Dial(ctx, nil)
	require.NoError(t, err)
	defer conn.Close()

	assert.False(t, conn.Registered())

	code, err := conn.RequestPairingCode(ctx, "15551234567")
	require.NoError(t, err)
	assert.Equal(t, "WXYZ4567", code)
	assert.Equal(t, "WXYZ-4567", bridge.FormatPairingCode(code))

	ev := nextEvent(t, conn)
	require.Equal(t, bridge.EventCredentialsChanged, ev.Kind)
	assert.JSONEq(t, `{"step":1}`, string(ev.Credentials))
	ev = nextEvent(t, conn)
	require.Equal(t, bridge.EventCredentialsChanged, ev.Kind)
	assert.JSONEq(t, `{"step":2}`, string(ev.Credentials))
	ev = nextEvent(t, conn)
	require.Equal(t, bridge.EventConnectionOpen, ev.Kind)
	assert.True(t, conn.Registered())

	require.NoError(t, conn.Send(ctx, bridge.Message{
		To:       "15551234567",
		Document: []byte(`{"step":2}`),
		Mimetype: "application/json",
		FileName: "creds.json",
	}))
	require.NoError(t, conn.Send(ctx, bridge.Message{To: "15551234567", Text: "keep this private"}))

	require.NoError(t, conn.Close())
	require.NoError(t, conn.Close())

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, received, 2)
	assert.Equal(t, "creds.json", received[0].FileName)
	assert.Equal(t, []byte(`{"step":2}`), received[0].Document)
	assert.Equal(t, "keep this private", received[1].Text)
}

func TestWSDialer_SeedsStoredCredentials(t *testing.T) {
	seen := make(chan json.RawMessage, 1)
	gw := bridgetest.NewGateway("", func(s *bridgetest.GatewaySession) {
		seen <- s.Open.Credentials
		_ = s.Ready(true)
		_ = s.Serve("", nil)
	})
	defer gw.Close()

	conn, err := newDialer(t, gw, "").Dial(context.Background(), json.RawMessage(`{"me":"x"}`))
	require.NoError(t, err)
	defer conn.Close()

	assert.True(t, conn.Registered())
	assert.JSONEq(t, `{"me":"x"}`, string(<-seen))
}

func TestWSDialer_LoggedOutClose(t *testing.T) {
	gw := bridgetest.NewGateway("", func(s *bridgetest.GatewaySession) {
		_ = s.Ready(true)
		_ = s.Closed(v1.StatusLoggedOut, "logged out")
	})
	defer gw.Close()

	conn, err := newDialer(t, gw, "").Dial(context.Background(), json.RawMessage(`{}`))
	require.NoError(t, err)
	defer conn.Close()

	ev := nextEvent(t, conn)
	require.Equal(t, bridge.EventConnectionClose, ev.Kind)
	require.NotNil(t, ev.Close)
	assert.True(t, ev.Close.LoggedOut())
	assert.False(t, bridge.IsTransient(ev.Close))

	_, ok := <-conn.Events()
	assert.False(t, ok, "stream ends after the close event")

	_, err = conn.RequestPairingCode(context.Background(), "15551234567")
	assert.True(t, bridge.IsLoggedOut(err), "requests after close report the close cause, got %v", err)
}

func TestWSDialer_CloseCodeCarriesStatus(t *testing.T) {
	gw := bridgetest.NewGateway("", func(s *bridgetest.GatewaySession) {
		_ = s.Ready(false)
		s.Drop(websocket.StatusCode(4000+v1.StatusRestartRequired), "restart required")
	})
	defer gw.Close()

	conn, err := newDialer(t, gw, "").Dial(context.Background(), nil)
	require.NoError(t, err)
	defer conn.Close()

	ev := nextEvent(t, conn)
	require.Equal(t, bridge.EventConnectionClose, ev.Kind)
	assert.Equal(t, v1.StatusRestartRequired, ev.Close.Status)
	assert.True(t, bridge.IsTransient(ev.Close))
}

func TestWSDialer_QREvent(t *testing.T) {
	gw := bridgetest.NewGateway("", func(s *bridgetest.GatewaySession) {
		_ = s.Ready(false)
		_ = s.QR("2@abc,def")
		_ = s.Serve("", nil)
	})
	defer gw.Close()

	conn, err := newDialer(t, gw, "").Dial(context.Background(), nil)
	require.NoError(t, err)
	defer conn.Close()

	ev := nextEvent(t, conn)
	require.Equal(t, bridge.EventQRAvailable, ev.Kind)
	assert.Equal(t, "2@abc,def", ev.QR)
}

func TestWSDialer_GatewayErrorReply(t *testing.T) {
	gw := bridgetest.NewGateway("", func(s *bridgetest.GatewaySession) {
		_ = s.Ready(true)
		req, err := s.Expect(v1.TypePairingRequest)
		if err != nil {
			return
		}
		_ = s.Send(v1.TypeError, req.ID, v1.ErrorPayload{Code: "already_registered", Message: "session is registered"})
		_ = s.Serve("", nil)
	})
	defer gw.Close()

	conn, err := newDialer(t, gw, "").Dial(context.Background(), nil)
	require.NoError(t, err)
	defer conn.Close()

	_, err = conn.RequestPairingCode(context.Background(), "15551234567")
	var gwErr *bridge.GatewayError
	require.ErrorAs(t, err, &gwErr)
	assert.Equal(t, "already_registered", gwErr.Code)
	assert.False(t, bridge.IsTransient(err))
}

func TestWSDialer_RejectsBadToken(t *testing.T) {
	gw := bridgetest.NewGateway("secret", func(s *bridgetest.GatewaySession) {})
	defer gw.Close()

	_, err := newDialer(t, gw, "wrong").Dial(context.Background(), nil)
	require.Error(t, err)
	assert.Zero(t, gw.Sessions())
}

func TestWSDialer_HandshakeEndsBeforeReady(t *testing.T) {
	gw := bridgetest.NewGateway("", func(s *bridgetest.GatewaySession) {
		s.Drop(websocket.StatusTryAgainLater, "busy")
	})
	defer gw.Close()

	_, err := newDialer(t, gw, "").Dial(context.Background(), nil)
	require.Error(t, err)
	assert.True(t, bridge.IsTransient(err))
}
