package pairing

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"regexp"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pairgate/cmd/internal/attemptlock"
	"pairgate/cmd/internal/bridge"
	"pairgate/cmd/internal/bridge/bridgetest"
	"pairgate/cmd/internal/sessionstore"
)

const testNumber = "15551234567"

var codePattern = regexp.MustCompile(`^[A-Za-z0-9]{4}-[A-Za-z0-9]{4}$`)

// recordingStore wraps a Store and records every call.
type recordingStore struct {
	Store

	mu    sync.Mutex
	calls int
	puts  []string
}

func (s *recordingStore) Get(ctx context.Context, id string) (json.RawMessage, bool, error) {
	s.count()
	return s.Store.Get(ctx, id)
}

func (s *recordingStore) Put(ctx context.Context, id string, b json.RawMessage) (string, error) {
	s.mu.Lock()
	s.calls++
	s.puts = append(s.puts, string(b))
	s.mu.Unlock()
	return s.Store.Put(ctx, id, b)
}

func (s *recordingStore) Delete(ctx context.Context, id string) (bool, error) {
	s.count()
	return s.Store.Delete(ctx, id)
}

func (s *recordingStore) count() {
	s.mu.Lock()
	s.calls++
	s.mu.Unlock()
}

func (s *recordingStore) Calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

func (s *recordingStore) Puts() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.puts...)
}

type downStore struct{ Store }

func (downStore) Get(context.Context, string) (json.RawMessage, bool, error) {
	return nil, false, sessionstore.ErrUnavailable
}

// refusingStore rejects every write.
type refusingStore struct{ Store }

func (refusingStore) Put(context.Context, string, json.RawMessage) (string, error) {
	return "", sessionstore.ErrUnavailable
}

// gatedStore holds the first write until release is closed.
type gatedStore struct {
	Store

	once    sync.Once
	entered chan struct{}
	release chan struct{}
}

func newGatedStore(inner Store) *gatedStore {
	return &gatedStore{Store: inner, entered: make(chan struct{}), release: make(chan struct{})}
}

func (s *gatedStore) Put(ctx context.Context, id string, b json.RawMessage) (string, error) {
	first := false
	s.once.Do(func() { first = true })
	if first {
		close(s.entered)
		<-s.release
	}
	return s.Store.Put(ctx, id, b)
}

type panicDialer struct{}

func (panicDialer) Dial(context.Context, json.RawMessage) (bridge.Conn, error) {
	panic("driver bug")
}

type harness struct {
	orch   *Orchestrator
	dialer *bridgetest.FakeDialer
	store  *recordingStore
	client *sessionstore.Client
}

func fastConfig() Config {
	cfg := DefaultConfig()
	cfg.PairingTimeout = 2 * time.Second
	cfg.LinkTimeout = 5 * time.Second
	cfg.SettleDelay = time.Millisecond
	cfg.StoreTimeout = time.Second
	cfg.Reconnect = NewReconnectPolicy(BackoffFixed, time.Millisecond, time.Millisecond, 3)
	return cfg
}

func newHarness(t *testing.T, script bridgetest.Script, mutate func(*Config), opts ...Option) *harness {
	t.Helper()
	return newHarnessOver(t, nil, script, mutate, opts...)
}

// newHarnessOver is newHarness with wrap sitting between the recorder and the
// memory-backed client.
func newHarnessOver(t *testing.T, wrap func(Store) Store, script bridgetest.Script, mutate func(*Config), opts ...Option) *harness {
	t.Helper()

	client, err := sessionstore.NewClient(sessionstore.NewMemoryBackend())
	require.NoError(t, err)
	var inner Store = client
	if wrap != nil {
		inner = wrap(client)
	}
	store := &recordingStore{Store: inner}
	dialer := bridgetest.NewFakeDialer(script)

	cfg := fastConfig()
	if mutate != nil {
		mutate(&cfg)
	}
	opts = append([]Option{WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil)))}, opts...)
	orch, err := New(store, dialer, cfg, opts...)
	require.NoError(t, err)

	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = orch.Shutdown(ctx)
	})
	return &harness{orch: orch, dialer: dialer, store: store, client: client}
}

func (h *harness) wait(t *testing.T, id string) Snapshot {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	snap, err := h.orch.Wait(ctx, id)
	require.NoError(t, err)
	return snap
}

func TestBeginPairing_InvalidIdentifierDoesNoIO(t *testing.T) {
	h := newHarness(t, nil, nil)

	for _, raw := range []string{"", "abc", "123", "07911123456", "999123456789"} {
		_, err := h.orch.BeginPairing(context.Background(), raw)
		require.Error(t, err, raw)
		assert.True(t, errors.Is(err, ErrInvalidIdentifier), raw)
		assert.Equal(t, KindInvalidIdentifier, KindOf(err))
		assert.NotEmpty(t, HintOf(err))
	}
	assert.Equal(t, 0, h.store.Calls())
	assert.Equal(t, 0, h.dialer.Dials())
}

func TestBeginPairing_ExistingSessionIsReported(t *testing.T) {
	h := newHarness(t, nil, nil)
	_, err := h.client.Put(context.Background(), testNumber, json.RawMessage(`{"me":{"id":"1"}}`))
	require.NoError(t, err)

	res, err := h.orch.BeginPairing(context.Background(), "+1 (555) 123-4567")
	require.NoError(t, err)
	assert.Equal(t, OutcomeAlreadyPaired, res.Outcome)
	assert.Equal(t, testNumber, res.Identifier)
	assert.Equal(t, 0, h.dialer.Dials())

	snap := h.wait(t, res.AttemptID)
	assert.Equal(t, StateClosedExisting, snap.State)
	assert.Equal(t, 0, h.orch.Active())
}

func TestBeginPairing_IssuesGroupedCodeAndPersistsInOrder(t *testing.T) {
	h := newHarness(t, nil, nil)

	res, err := h.orch.BeginPairing(context.Background(), testNumber)
	require.NoError(t, err)
	assert.Equal(t, OutcomeCode, res.Outcome)
	assert.Regexp(t, codePattern, res.Code)
	assert.Equal(t, "ABCD-1234", res.Code)

	conn := h.dialer.Conns()[0]
	assert.Equal(t, []string{testNumber}, conn.CodeRequests())

	const e1, e2 = `{"step":1}`, `{"step":2}`
	require.True(t, conn.EmitCredentials(e1))
	require.True(t, conn.EmitCredentials(e2))
	require.True(t, conn.EmitOpen())

	snap := h.wait(t, res.AttemptID)
	assert.Equal(t, StateClosedLinked, snap.State)
	assert.Equal(t, []State{StateValidating, StateResumingOrFresh, StateConnecting, StateAwaitingCode, StateOpen, StateClosedLinked}, snap.History)

	puts := h.store.Puts()
	require.GreaterOrEqual(t, len(puts), 2)
	assert.Equal(t, []string{e1, e2}, puts[:2])
	assert.Equal(t, e2, puts[len(puts)-1])

	got, found, err := h.client.Get(context.Background(), testNumber)
	require.NoError(t, err)
	require.True(t, found)
	assert.JSONEq(t, e2, string(got))
	assert.Equal(t, 1, conn.CloseCount())
}

func TestBeginPairing_DeliversCredentialsOnOpen(t *testing.T) {
	h := newHarness(t, nil, func(c *Config) { c.DeliverCredentials = true })

	res, err := h.orch.BeginPairing(context.Background(), testNumber)
	require.NoError(t, err)
	conn := h.dialer.Conns()[0]
	conn.EmitCredentials(`{"me":{"id":"x"}}`)
	conn.EmitOpen()
	h.wait(t, res.AttemptID)

	sent := conn.Sent()
	require.Len(t, sent, 2)
	assert.Equal(t, testNumber, sent[0].To)
	assert.Equal(t, "creds.json", sent[0].FileName)
	assert.Equal(t, "application/json", sent[0].Mimetype)
	assert.JSONEq(t, `{"me":{"id":"x"}}`, string(sent[0].Document))
	assert.Equal(t, DefaultDeliveryNote, sent[1].Text)
}

func TestBeginPairing_DeliveryFailureStillLinks(t *testing.T) {
	h := newHarness(t, func(int, json.RawMessage) (*bridgetest.FakeConn, error) {
		return bridgetest.NewFakeConn(false, "ABCD1234").FailSend(errors.New("send refused")), nil
	}, func(c *Config) { c.DeliverCredentials = true })

	res, err := h.orch.BeginPairing(context.Background(), testNumber)
	require.NoError(t, err)
	conn := h.dialer.Conns()[0]
	conn.EmitCredentials(`{"a":1}`)
	conn.EmitOpen()

	snap := h.wait(t, res.AttemptID)
	assert.Equal(t, StateClosedLinked, snap.State)
	assert.Empty(t, snap.ErrorKind)
}

func TestBeginPairing_LogoutDeletesAndDoesNotRetry(t *testing.T) {
	h := newHarness(t, nil, nil)

	res, err := h.orch.BeginPairing(context.Background(), testNumber)
	require.NoError(t, err)
	conn := h.dialer.Conns()[0]
	conn.EmitCredentials(`{"a":1}`)
	conn.EmitClose(bridge.StatusLoggedOut, "logged out")

	snap := h.wait(t, res.AttemptID)
	assert.Equal(t, StateClosedLoggedOut, snap.State)
	assert.Equal(t, KindAuthTerminated, snap.ErrorKind)
	assert.Equal(t, 0, snap.Reconnects)
	assert.Equal(t, 1, h.dialer.Dials())

	_, found, err := h.client.Get(context.Background(), testNumber)
	require.NoError(t, err)
	assert.False(t, found)
}

func TestBeginPairing_LogoutBeforeAnswer(t *testing.T) {
	h := newHarness(t, func(int, json.RawMessage) (*bridgetest.FakeConn, error) {
		c := bridgetest.NewFakeConn(false, "ABCD1234")
		c.EmitClose(bridge.StatusLoggedOut, "logged out")
		return c, nil
	}, func(c *Config) { c.SettleDelay = time.Hour })

	_, err := h.orch.BeginPairing(context.Background(), testNumber)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrAuthTerminated))
	assert.Equal(t, 1, h.dialer.Dials())
}

func TestBeginPairing_TransientClosesAreBounded(t *testing.T) {
	h := newHarness(t, func(int, json.RawMessage) (*bridgetest.FakeConn, error) {
		c := bridgetest.NewFakeConn(false, "ABCD1234")
		c.EmitClose(428, "connection closed")
		return c, nil
	}, func(c *Config) { c.SettleDelay = time.Hour })

	_, err := h.orch.BeginPairing(context.Background(), testNumber)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrTransientTransport))

	var ce *bridge.CloseError
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, 428, ce.Status)

	snap := h.wait(t, idOf(t, h))
	assert.Equal(t, StateClosedFailed, snap.State)
	assert.Equal(t, 3, snap.Reconnects)
	assert.Equal(t, 4, h.dialer.Dials())
}

func TestBeginPairing_ReconnectSeedsLastPersistedBundle(t *testing.T) {
	first := bridgetest.NewFakeConn(false, "ABCD1234")
	second := bridgetest.NewFakeConn(true, "")
	second.EmitCredentials(`{"step":2}`)
	second.EmitOpen()
	h := newHarness(t, bridgetest.Sequence(first, second), nil)

	res, err := h.orch.BeginPairing(context.Background(), testNumber)
	require.NoError(t, err)
	first.EmitCredentials(`{"step":1}`)
	first.EmitClose(515, "restart required")

	snap := h.wait(t, res.AttemptID)
	assert.Equal(t, StateClosedLinked, snap.State)
	assert.Equal(t, 1, snap.Reconnects)

	seeds := h.dialer.Seeds()
	require.Len(t, seeds, 2)
	assert.Empty(t, seeds[0])
	assert.JSONEq(t, `{"step":1}`, string(seeds[1]))
	assert.Empty(t, second.CodeRequests())

	got, _, err := h.client.Get(context.Background(), testNumber)
	require.NoError(t, err)
	assert.JSONEq(t, `{"step":2}`, string(got))
}

func TestBeginPairing_TimeoutClosesConnectionOnce(t *testing.T) {
	h := newHarness(t, nil, func(c *Config) {
		c.PairingTimeout = 50 * time.Millisecond
		c.SettleDelay = time.Hour
	})

	_, err := h.orch.BeginPairing(context.Background(), testNumber)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrPairingTimeout))

	conn := h.dialer.Conns()[0]
	snap := h.wait(t, idOf(t, h))
	assert.Equal(t, StateClosedFailed, snap.State)
	assert.Equal(t, KindPairingTimeout, snap.ErrorKind)
	assert.Equal(t, 1, conn.CloseCount())
	assert.Equal(t, 1, h.dialer.Dials())
}

func TestBeginPairing_DeadlineOnlyBoundsTheAnswer(t *testing.T) {
	h := newHarness(t, nil, func(c *Config) { c.PairingTimeout = 100 * time.Millisecond })

	res, err := h.orch.BeginPairing(context.Background(), testNumber)
	require.NoError(t, err)

	time.Sleep(250 * time.Millisecond)
	conn := h.dialer.Conns()[0]
	require.True(t, conn.EmitCredentials(`{"late":true}`))
	require.True(t, conn.EmitOpen())

	snap := h.wait(t, res.AttemptID)
	assert.Equal(t, StateClosedLinked, snap.State)
}

func TestBeginPairing_CodeRequestFailure(t *testing.T) {
	h := newHarness(t, func(int, json.RawMessage) (*bridgetest.FakeConn, error) {
		return bridgetest.NewFakeConn(false, "").FailPairingCode(&bridge.GatewayError{Code: "bad_request", Message: "number not on network"}), nil
	}, nil)

	_, err := h.orch.BeginPairing(context.Background(), testNumber)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrPairingFailed))

	var ge *bridge.GatewayError
	assert.ErrorAs(t, err, &ge)
	h.wait(t, idOf(t, h))
	assert.Equal(t, 1, h.dialer.Conns()[0].CloseCount())
}

func TestBeginPairing_DialFailure(t *testing.T) {
	h := newHarness(t, bridgetest.Sequence(), nil)

	_, err := h.orch.BeginPairing(context.Background(), testNumber)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrPairingFailed))
	assert.ErrorIs(t, err, bridgetest.ErrScriptExhausted)
}

func TestBeginPairing_RejectsConcurrentAttempt(t *testing.T) {
	h := newHarness(t, nil, nil)

	res, err := h.orch.BeginPairing(context.Background(), testNumber)
	require.NoError(t, err)
	assert.Equal(t, 1, h.orch.Active())

	_, err = h.orch.BeginPairing(context.Background(), "+1 555 123 4567")
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrAttemptInProgress))
	assert.Equal(t, 1, h.dialer.Dials())

	h.dialer.Conns()[0].EmitClose(bridge.StatusLoggedOut, "")
	h.wait(t, res.AttemptID)
	assert.Equal(t, 0, h.orch.Active())
}

func TestBeginPairing_RespectsDistributedLock(t *testing.T) {
	locker := attemptlock.NewMemoryLocker()
	lease, err := locker.Acquire(context.Background(), testNumber, time.Minute)
	require.NoError(t, err)

	h := newHarness(t, nil, nil, WithLocker(locker))
	_, err = h.orch.BeginPairing(context.Background(), testNumber)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrAttemptInProgress))
	assert.Equal(t, 0, h.orch.Active())
	assert.Equal(t, 0, h.dialer.Dials())

	require.NoError(t, lease.Release(context.Background()))
	res, err := h.orch.BeginPairing(context.Background(), testNumber)
	require.NoError(t, err)
	assert.True(t, locker.Held(testNumber))

	h.dialer.Conns()[0].EmitOpen()
	h.wait(t, res.AttemptID)
	assert.False(t, locker.Held(testNumber))
}

func TestBeginPairing_StoreUnavailable(t *testing.T) {
	dialer := bridgetest.NewFakeDialer(nil)
	orch, err := New(downStore{}, dialer, fastConfig(), WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))))
	require.NoError(t, err)

	_, err = orch.BeginPairing(context.Background(), testNumber)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrStoreUnavailable))
	assert.ErrorIs(t, err, sessionstore.ErrUnavailable)
	assert.Equal(t, 0, dialer.Dials())
	assert.Equal(t, 0, orch.Active())
}

func TestBeginPairing_ResumeUsesStoredBundle(t *testing.T) {
	conn := bridgetest.NewFakeConn(true, "")
	conn.EmitOpen()
	h := newHarness(t, bridgetest.Sequence(conn), func(c *Config) { c.ExistingSession = ExistingResume })
	_, err := h.client.Put(context.Background(), testNumber, json.RawMessage(`{"me":{"id":"1"}}`))
	require.NoError(t, err)

	res, err := h.orch.BeginPairing(context.Background(), testNumber)
	require.NoError(t, err)
	assert.Equal(t, OutcomeConnected, res.Outcome)
	assert.Empty(t, conn.CodeRequests())

	seeds := h.dialer.Seeds()
	require.Len(t, seeds, 1)
	assert.JSONEq(t, `{"me":{"id":"1"}}`, string(seeds[0]))

	snap := h.wait(t, res.AttemptID)
	assert.Equal(t, StateClosedLinked, snap.State)
}

func TestBeginPairing_QRMode(t *testing.T) {
	conn := bridgetest.NewFakeConn(false, "ABCD1234")
	conn.EmitQR("2@qr-payload")
	h := newHarness(t, bridgetest.Sequence(conn), func(c *Config) { c.Mode = ModeQR })

	res, err := h.orch.BeginPairing(context.Background(), testNumber)
	require.NoError(t, err)
	assert.Equal(t, OutcomeQR, res.Outcome)
	assert.Equal(t, "2@qr-payload", res.QR)
	assert.Empty(t, res.Code)
	assert.Empty(t, conn.CodeRequests())

	conn.EmitCredentials(`{"me":{"id":"q"}}`)
	conn.EmitOpen()
	snap := h.wait(t, res.AttemptID)
	assert.Equal(t, StateClosedLinked, snap.State)
}

func TestBeginPairing_PersistFailureIsNotLinked(t *testing.T) {
	h := newHarnessOver(t, func(s Store) Store { return refusingStore{s} }, nil, nil)

	res, err := h.orch.BeginPairing(context.Background(), testNumber)
	require.NoError(t, err)
	conn := h.dialer.Conns()[0]
	require.True(t, conn.EmitCredentials(`{"me":{"id":"x"}}`))
	require.True(t, conn.EmitOpen())

	snap := h.wait(t, res.AttemptID)
	assert.Equal(t, StateClosedFailed, snap.State)
	assert.Equal(t, KindStoreUnavailable, snap.ErrorKind)
	assert.NotContains(t, snap.History, StateClosedLinked)
	assert.Equal(t, 0, snap.Persisted)
	assert.Equal(t, 2, snap.PersistErrors)
	assert.Equal(t, 1, conn.CloseCount())

	_, found, err := h.client.Get(context.Background(), testNumber)
	require.NoError(t, err)
	assert.False(t, found)
}

func TestBeginPairing_OpenWithoutCommittedBundleFails(t *testing.T) {
	h := newHarness(t, nil, nil)

	res, err := h.orch.BeginPairing(context.Background(), testNumber)
	require.NoError(t, err)
	conn := h.dialer.Conns()[0]
	require.True(t, conn.EmitOpen())

	snap := h.wait(t, res.AttemptID)
	assert.Equal(t, StateClosedFailed, snap.State)
	assert.Equal(t, KindStoreUnavailable, snap.ErrorKind)
	assert.Equal(t, 1, conn.CloseCount())
	assert.Empty(t, h.store.Puts())
}

func TestBeginPairing_ResumePersistFailureAnswersError(t *testing.T) {
	conn := bridgetest.NewFakeConn(true, "")
	conn.EmitCredentials(`{"me":{"id":"2"}}`)
	conn.EmitOpen()
	h := newHarnessOver(t, func(s Store) Store { return refusingStore{s} },
		bridgetest.Sequence(conn), func(c *Config) { c.ExistingSession = ExistingResume })
	_, err := h.client.Put(context.Background(), testNumber, json.RawMessage(`{"me":{"id":"1"}}`))
	require.NoError(t, err)

	_, err = h.orch.BeginPairing(context.Background(), testNumber)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrStoreUnavailable))
	assert.ErrorIs(t, err, sessionstore.ErrUnavailable)

	snap := h.wait(t, idOf(t, h))
	assert.Equal(t, StateClosedFailed, snap.State)
	assert.Equal(t, 1, conn.CloseCount())

	got, _, err := h.client.Get(context.Background(), testNumber)
	require.NoError(t, err)
	assert.JSONEq(t, `{"me":{"id":"1"}}`, string(got))
}

func TestBeginPairing_SlowWriteKeepsNewestBundle(t *testing.T) {
	var gate *gatedStore
	h := newHarnessOver(t, func(s Store) Store {
		gate = newGatedStore(s)
		return gate
	}, nil, nil)

	res, err := h.orch.BeginPairing(context.Background(), testNumber)
	require.NoError(t, err)
	conn := h.dialer.Conns()[0]

	const e1, e2 = `{"step":1}`, `{"step":2}`
	require.True(t, conn.EmitCredentials(e1))
	require.True(t, conn.EmitCredentials(e2))

	select {
	case <-gate.entered:
	case <-time.After(2 * time.Second):
		t.Fatal("first write never started")
	}
	close(gate.release)
	require.True(t, conn.EmitOpen())

	snap := h.wait(t, res.AttemptID)
	require.Equal(t, StateClosedLinked, snap.State)

	puts := h.store.Puts()
	require.GreaterOrEqual(t, len(puts), 2)
	assert.Equal(t, []string{e1, e2}, puts[:2])

	got, found, err := h.client.Get(context.Background(), testNumber)
	require.NoError(t, err)
	require.True(t, found)
	assert.JSONEq(t, e2, string(got))
}

func TestBeginPairing_PanicFailsOnlyTheAttempt(t *testing.T) {
	client, err := sessionstore.NewClient(sessionstore.NewMemoryBackend())
	require.NoError(t, err)
	orch, err := New(client, panicDialer{}, fastConfig(), WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))))
	require.NoError(t, err)

	_, err = orch.BeginPairing(context.Background(), testNumber)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrInternal))

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, orch.Shutdown(ctx))
	assert.Equal(t, 0, orch.Active())
}

func TestShutdown_StopsRunningAttempts(t *testing.T) {
	h := newHarness(t, nil, nil)

	res, err := h.orch.BeginPairing(context.Background(), testNumber)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, h.orch.Shutdown(ctx))

	snap, ok := h.orch.Attempt(res.AttemptID)
	require.True(t, ok)
	assert.Equal(t, StateClosedFailed, snap.State)
	assert.NotNil(t, snap.Finished)
	assert.Equal(t, 1, h.dialer.Conns()[0].CloseCount())
}

func TestCheckAndDeleteSession(t *testing.T) {
	h := newHarness(t, nil, nil)
	ctx := context.Background()

	st, err := h.orch.CheckSession(ctx, testNumber)
	require.NoError(t, err)
	assert.False(t, st.Exists)
	assert.Nil(t, st.Active)

	_, err = h.client.Put(ctx, testNumber, json.RawMessage(`{"a":1}`))
	require.NoError(t, err)

	st, err = h.orch.CheckSession(ctx, "+1 555-123-4567")
	require.NoError(t, err)
	assert.True(t, st.Exists)
	assert.Equal(t, testNumber, st.Identifier)

	sessions, err := h.orch.ListSessions(ctx)
	require.NoError(t, err)
	require.Len(t, sessions, 1)
	assert.Equal(t, testNumber, sessions[0].Identifier)
	assert.Equal(t, "sessions/15551234567.json", sessions[0].Path)

	deleted, err := h.orch.DeleteSession(ctx, testNumber)
	require.NoError(t, err)
	assert.True(t, deleted)

	deleted, err = h.orch.DeleteSession(ctx, testNumber)
	require.NoError(t, err)
	assert.False(t, deleted)

	_, err = h.orch.CheckSession(ctx, "12")
	assert.True(t, errors.Is(err, ErrInvalidIdentifier))
}

func TestDeleteSession_RejectedWhileAttemptRuns(t *testing.T) {
	h := newHarness(t, nil, nil)

	res, err := h.orch.BeginPairing(context.Background(), testNumber)
	require.NoError(t, err)

	st, err := h.orch.CheckSession(context.Background(), testNumber)
	require.NoError(t, err)
	require.NotNil(t, st.Active)
	assert.Equal(t, res.AttemptID, st.Active.ID)

	_, err = h.orch.DeleteSession(context.Background(), testNumber)
	assert.True(t, errors.Is(err, ErrAttemptInProgress))

	h.dialer.Conns()[0].EmitClose(bridge.StatusLoggedOut, "")
	h.wait(t, res.AttemptID)
}

func TestWait_UnknownAttempt(t *testing.T) {
	h := newHarness(t, nil, nil)
	_, err := h.orch.Wait(context.Background(), "nope")
	assert.ErrorIs(t, err, ErrUnknownAttempt)
}

func TestNew_RejectsBadConfig(t *testing.T) {
	client, err := sessionstore.NewClient(sessionstore.NewMemoryBackend())
	require.NoError(t, err)

	_, err = New(nil, bridgetest.NewFakeDialer(nil), Config{})
	assert.Error(t, err)
	_, err = New(client, nil, Config{})
	assert.Error(t, err)
	_, err = New(client, bridgetest.NewFakeDialer(nil), Config{Mode: "smoke-signals"})
	assert.Error(t, err)

	o, err := New(client, bridgetest.NewFakeDialer(nil), Config{})
	require.NoError(t, err)
	assert.Equal(t, DefaultConfig().PairingTimeout, o.Config().PairingTimeout)
	assert.Greater(t, o.Config().LockTTL, o.Config().LinkTimeout)
}

// idOf returns the id of the only attempt the harness has seen.
func idOf(t *testing.T, h *harness) string {
	t.Helper()
	h.orch.reg.mu.Lock()
	defer h.orch.reg.mu.Unlock()
	for id := range h.orch.reg.byID {
		return id
	}
	t.Fatal("no attempt registered")
	return ""
}
