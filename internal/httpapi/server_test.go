package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"trackbot/internal/notifier"
	"trackbot/internal/storage"
	"trackbot/internal/tracking"
	logx "trackbot/pkg/logx"
)

type failingStore struct{}

func (failingStore) LoadSubscriptions(context.Context) ([]storage.Subscription, error) {
	return nil, nil
}

func (failingStore) UpsertSubscription(context.Context, storage.Subscription) error {
	return errors.New("disk full")
}

func (failingStore) DeleteSubscription(context.Context, int64, uint8) error {
	return errors.New("disk full")
}

func newTracker(t *testing.T, store tracking.Store) *tracking.Tracker {
	t.Helper()
	tr, err := tracking.New(context.Background(), tracking.Config{}, store, logx.Nop())
	require.NoError(t, err)
	return tr
}

func newServer(t *testing.T, cfg Config, d Deps) http.Handler {
	t.Helper()
	s, err := New(cfg, d, logx.Nop())
	require.NoError(t, err)
	return s.Handler()
}

func do(h http.Handler, method, path, body string, hdr ...string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	for i := 0; i+1 < len(hdr); i += 2 {
		req.Header.Set(hdr[i], hdr[i+1])
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func decode(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	return out
}

func TestSubscriptionLifecycle(t *testing.T) {
	tr := newTracker(t, nil)
	h := newServer(t, Config{}, Deps{Tracker: tr})

	rec := do(h, http.MethodPost, "/v1/subscriptions", `{"entity_id":5,"mode":"mania","channel_id":10,"limit":25}`)
	require.Equal(t, http.StatusCreated, rec.Code)
	require.Equal(t, true, decode(t, rec)["changed"])

	rec = do(h, http.MethodPost, "/v1/subscriptions", `{"entity_id":5,"mode":"mania","channel_id":10,"limit":25}`)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, false, decode(t, rec)["changed"])

	rec = do(h, http.MethodPost, "/v1/subscriptions", `{"entity_id":5,"channel_id":10,"limit":3}`)
	require.Equal(t, http.StatusCreated, rec.Code)

	rec = do(h, http.MethodGet, "/v1/channels/10/subscriptions", "")
	require.Equal(t, http.StatusOK, rec.Code)
	require.JSONEq(t, `{"subscriptions":[{"entity_id":5,"mode":"standard","limit":3},{"entity_id":5,"mode":"mania","limit":25}]}`, rec.Body.String())

	rec = do(h, http.MethodGet, "/v1/tracking", "")
	require.Equal(t, http.StatusOK, rec.Code)
	require.EqualValues(t, 2, decode(t, rec)["tracked"])

	rec = do(h, http.MethodDelete, "/v1/channels/10?mode=mania", "")
	require.Equal(t, http.StatusOK, rec.Code)
	require.EqualValues(t, 1, decode(t, rec)["removed"])

	rec = do(h, http.MethodDelete, "/v1/channels/10/entities/5", "")
	require.Equal(t, http.StatusOK, rec.Code)
	require.EqualValues(t, 1, decode(t, rec)["removed"])
	require.Zero(t, tr.Stats().Tracked)
}

func TestAddAcceptsZeroIDs(t *testing.T) {
	tr := newTracker(t, nil)
	h := newServer(t, Config{}, Deps{Tracker: tr})

	rec := do(h, http.MethodPost, "/v1/subscriptions", `{"entity_id":0,"channel_id":0,"limit":1}`)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	got, ok := tr.Get(0, tracking.ModeStandard)
	require.True(t, ok)
	require.Equal(t, map[tracking.ChannelID]int{0: 1}, got.Channels)

	rec = do(h, http.MethodPost, "/v1/subscriptions", `{"entity_id":0,"limit":1}`)
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestBadInput(t *testing.T) {
	h := newServer(t, Config{}, Deps{Tracker: newTracker(t, nil)})

	cases := []struct {
		method, path, body string
	}{
		{http.MethodPost, "/v1/subscriptions", `{"mode":"mania","channel_id":10}`},
		{http.MethodPost, "/v1/subscriptions", `{"entity_id":1,"mode":"golf","channel_id":10}`},
		{http.MethodPost, "/v1/subscriptions", `{"entity_id":1,"channel_id":10,"limit":-1}`},
		{http.MethodPost, "/v1/subscriptions", `not json`},
		{http.MethodGet, "/v1/channels/abc/subscriptions", ""},
		{http.MethodDelete, "/v1/channels/1/entities/x", ""},
		{http.MethodDelete, "/v1/channels/1?mode=golf", ""},
	}
	for _, tc := range cases {
		rec := do(h, tc.method, tc.path, tc.body)
		require.Equal(t, http.StatusBadRequest, rec.Code, "%s %s %s", tc.method, tc.path, tc.body)
	}
}

func TestPersistenceFailureIs503(t *testing.T) {
	h := newServer(t, Config{}, Deps{Tracker: newTracker(t, failingStore{})})
	rec := do(h, http.MethodPost, "/v1/subscriptions", `{"entity_id":1,"channel_id":10,"limit":1}`)
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestAuthAndRequestID(t *testing.T) {
	h := newServer(t, Config{Token: "s3cret"}, Deps{Tracker: newTracker(t, nil)})

	rec := do(h, http.MethodGet, "/v1/tracking", "")
	require.Equal(t, http.StatusUnauthorized, rec.Code)
	require.NotEmpty(t, rec.Header().Get(requestIDHeader))

	rec = do(h, http.MethodGet, "/v1/tracking", "", "Authorization", "Bearer s3cret", requestIDHeader, "abc")
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "abc", rec.Header().Get(requestIDHeader))

	rec = do(h, http.MethodGet, "/v1/tracking?token=s3cret", "")
	require.Equal(t, http.StatusOK, rec.Code)

	rec = do(h, http.MethodGet, "/healthz", "")
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestInsecureBindRefused(t *testing.T) {
	_, err := New(Config{Addr: "0.0.0.0:8080"}, Deps{Tracker: newTracker(t, nil)}, logx.Nop())
	require.Error(t, err)

	_, err = New(Config{Addr: "0.0.0.0:8080", AllowInsecure: true}, Deps{Tracker: newTracker(t, nil)}, logx.Nop())
	require.NoError(t, err)

	_, err = New(Config{Addr: "0.0.0.0:8080", Token: "t"}, Deps{Tracker: newTracker(t, nil)}, logx.Nop())
	require.NoError(t, err)
}

func TestOptionalRoutes(t *testing.T) {
	metrics := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { _, _ = w.Write([]byte("m 1\n")) })
	h := newServer(t, Config{Pprof: true}, Deps{
		Tracker: newTracker(t, nil),
		Metrics: metrics,
		History: func() []notifier.HistoryItem { return []notifier.HistoryItem{{ID: "x", ChatID: 1, Text: "hi"}} },
	})

	rec := do(h, http.MethodGet, "/metrics", "")
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "m 1\n", rec.Body.String())

	rec = do(h, http.MethodGet, "/v1/notifications", "")
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), `"text":"hi"`)

	rec = do(h, http.MethodGet, "/debug/pprof/cmdline", "")
	require.Equal(t, http.StatusOK, rec.Code)

	h = newServer(t, Config{}, Deps{Tracker: newTracker(t, nil)})
	rec = do(h, http.MethodGet, "/debug/pprof/cmdline", "")
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestIsLoopbackAddr(t *testing.T) {
	require.True(t, isLoopbackAddr("127.0.0.1:1"))
	require.True(t, isLoopbackAddr("localhost:1"))
	require.True(t, isLoopbackAddr("[::1]:1"))
	require.False(t, isLoopbackAddr(":8080"))
	require.False(t, isLoopbackAddr("10.0.0.1:1"))
	require.False(t, isLoopbackAddr("nonsense"))
}
