package routes

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/prometheus/client_golang/prometheus"
	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/prestige-merchandise/storefront/api/controllers"
	"github.com/prestige-merchandise/storefront/api/middleware"
	"github.com/prestige-merchandise/storefront/internal/collection"
	"github.com/prestige-merchandise/storefront/internal/collection/memstore"
	"github.com/prestige-merchandise/storefront/internal/localstore"
	"github.com/prestige-merchandise/storefront/internal/notify"
	"github.com/prestige-merchandise/storefront/internal/sessions"
	"github.com/prestige-merchandise/storefront/internal/shipping"
	pkgAuth "github.com/prestige-merchandise/storefront/pkg/auth"
	"github.com/prestige-merchandise/storefront/pkg/config"
	"github.com/prestige-merchandise/storefront/pkg/logger"
	"github.com/prestige-merchandise/storefront/pkg/metrics"
	redisclient "github.com/prestige-merchandise/storefront/pkg/redis"
)

type stubPinger struct{ err error }

func (s stubPinger) Ping(context.Context) error { return s.err }

type envelope struct {
	Data  json.RawMessage `json:"data"`
	Error *struct {
		Code      string `json:"code"`
		Message   string `json:"message"`
		Retryable bool   `json:"retryable"`
	} `json:"error"`
}

type listBody struct {
	Kind     string            `json:"kind"`
	Identity string            `json:"identity"`
	Items    []collection.Item `json:"items"`
	Notices  []notify.Notice   `json:"notices"`
	Outcome  string            `json:"outcome"`
}

type testServer struct {
	srv    *httptest.Server
	cfg    *config.Config
	remote *memstore.Remote
}

func testConfig() *config.Config {
	return &config.Config{
		App: config.AppConfig{Env: "test", CORSOrigins: []string{"http://localhost:3000"}},
		JWT: config.JWTConfig{Secret: "secret", Issuer: "prestige", ExpirationMinutes: 10},
		Shipping: config.ShippingConfig{
			OriginLat: 5.6037, OriginLng: -0.1870, BaseFee: "20.00", PerKmFee: "2.50", Currency: "GHS",
		},
	}
}

func newTestServer(t *testing.T, ready ...controllers.Dependency) *testServer {
	t.Helper()
	cfg := testConfig()

	mr := miniredis.RunT(t)
	rdb := redisclient.Wrap(goredis.NewClient(&goredis.Options{Addr: mr.Addr()}))
	t.Cleanup(func() { _ = rdb.Close() })
	guests := localstore.NewRedis(rdb, time.Hour, nil)
	remote := memstore.NewRemote()

	reg := prometheus.NewRegistry()
	collMetrics := metrics.NewCollectionMetrics(reg)
	factory := func(ctx context.Context, sessionID string, kind collection.Kind, notes notify.Notifier) (*collection.Session, error) {
		return collection.NewSession(ctx, collection.Options{
			Kind:     kind,
			Local:    guests.ForSession(sessionID),
			Remote:   remote,
			Notifier: notes,
			Recorder: collMetrics,
		})
	}
	hub := sessions.NewHub(factory, sessions.Config{}, nil, collMetrics, nil)
	t.Cleanup(func() { _ = hub.Close() })

	calc, err := shipping.NewCalculator(cfg.Shipping)
	require.NoError(t, err)

	router := NewRouter(cfg, logger.Discard(), Deps{
		Hub:      hub,
		Shipping: calc,
		Gatherer: reg,
		Ready:    ready,
	})
	srv := httptest.NewServer(router)
	t.Cleanup(srv.Close)
	return &testServer{srv: srv, cfg: cfg, remote: remote}
}

func (s *testServer) token(t *testing.T, userID string) string {
	t.Helper()
	tok, err := pkgAuth.MintAccessToken(s.cfg.JWT, time.Now(), pkgAuth.AccessTokenPayload{UserID: userID})
	require.NoError(t, err)
	return tok
}

func (s *testServer) do(t *testing.T, method, path, sessionID, token, body string) (*http.Response, envelope) {
	t.Helper()
	req, err := http.NewRequest(method, s.srv.URL+path, strings.NewReader(body))
	require.NoError(t, err)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	if sessionID != "" {
		req.Header.Set(middleware.SessionIDHeader, sessionID)
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	var env envelope
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&env))
	return resp, env
}

func decodeList(t *testing.T, env envelope) listBody {
	t.Helper()
	require.Nil(t, env.Error)
	var body listBody
	require.NoError(t, json.Unmarshal(env.Data, &body))
	return body
}

func subjects(items []collection.Item) []string {
	out := make([]string, 0, len(items))
	for _, it := range items {
		out = append(out, it.SubjectID)
	}
	return out
}

func TestHealthLiveAndReady(t *testing.T) {
	s := newTestServer(t,
		controllers.Dependency{Name: "database", Pinger: stubPinger{}},
		controllers.Dependency{Name: "redis"},
	)

	resp, _ := s.do(t, http.MethodGet, "/health/live", "", "", "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "test", resp.Header.Get("X-Prestige-Env"))

	resp, env := s.do(t, http.MethodGet, "/health/ready", "", "", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var ready struct {
		Checks map[string]string `json:"checks"`
	}
	require.NoError(t, json.Unmarshal(env.Data, &ready))
	assert.Equal(t, map[string]string{"database": "ok", "redis": "disabled"}, ready.Checks)
}

func TestHealthReadyReportsFailures(t *testing.T) {
	s := newTestServer(t, controllers.Dependency{Name: "database", Pinger: stubPinger{err: errors.New("down")}})

	resp, env := s.do(t, http.MethodGet, "/health/ready", "", "", "")
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
	require.NotNil(t, env.Error)
	assert.True(t, env.Error.Retryable)
}

func TestGuestCollectionLifecycle(t *testing.T) {
	s := newTestServer(t)

	resp, env := s.do(t, http.MethodPost, "/api/v1/collections/wishlist/items", "sess-1", "", `{"subject_id":"sku-1"}`)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	assert.Equal(t, "sess-1", resp.Header.Get(middleware.SessionIDHeader))
	body := decodeList(t, env)
	assert.Equal(t, "added", body.Outcome)
	assert.Equal(t, "guest", body.Identity)
	assert.Equal(t, []string{"sku-1"}, subjects(body.Items))
	require.NotEmpty(t, body.Notices)
	assert.Equal(t, "Added to your wishlist.", body.Notices[len(body.Notices)-1].Message)

	resp, env = s.do(t, http.MethodPost, "/api/v1/collections/wishlist/items", "sess-1", "", `{"subject_id":"sku-1"}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "already_present", decodeList(t, env).Outcome)

	_, env = s.do(t, http.MethodGet, "/api/v1/collections/wishlist/items/sku-1", "sess-1", "", "")
	var contains struct {
		Contains bool `json:"contains"`
	}
	require.NoError(t, json.Unmarshal(env.Data, &contains))
	assert.True(t, contains.Contains)

	resp, env = s.do(t, http.MethodDelete, "/api/v1/collections/wishlist/items/sku-1", "sess-1", "", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Empty(t, decodeList(t, env).Items)

	// Another browser session sees nothing.
	_, env = s.do(t, http.MethodGet, "/api/v1/collections/wishlist", "sess-2", "", "")
	assert.Empty(t, decodeList(t, env).Items)
}

func TestSignInMergesGuestCollection(t *testing.T) {
	s := newTestServer(t)
	s.remote.Seed("cart", "user-1", collection.NewItem("sku-2", time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)))

	for _, sku := range []string{"sku-1", "sku-2"} {
		resp, _ := s.do(t, http.MethodPost, "/api/v1/collections/cart/items", "sess-1", "", `{"subject_id":"`+sku+`"}`)
		require.Equal(t, http.StatusCreated, resp.StatusCode)
	}

	token := s.token(t, "user-1")
	resp, env := s.do(t, http.MethodGet, "/api/v1/collections/cart", "sess-1", token, "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	body := decodeList(t, env)
	assert.Equal(t, "user:user-1", body.Identity)
	require.NotEmpty(t, body.Notices)
	assert.Contains(t, body.Notices[len(body.Notices)-1].Message, "into your account")

	assert.ElementsMatch(t, []string{"sku-1", "sku-2"}, subjects(s.remote.Items("cart", "user-1")))
	// The live subscription delivers the merged rows asynchronously.
	deadline := time.Now().Add(2 * time.Second)
	for {
		_, env := s.do(t, http.MethodGet, "/api/v1/collections/cart", "sess-1", token, "")
		if len(decodeList(t, env).Items) == 2 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("merged items never reached the projection")
		}
		time.Sleep(10 * time.Millisecond)
	}

	// Guest copy is gone after a successful merge.
	_, env = s.do(t, http.MethodGet, "/api/v1/collections/cart", "sess-1", "", "")
	body = decodeList(t, env)
	assert.Equal(t, "guest", body.Identity)
	assert.Empty(t, body.Items)
}

func TestCollectionRejectsBadRequests(t *testing.T) {
	s := newTestServer(t)

	resp, env := s.do(t, http.MethodGet, "/api/v1/collections/favourites", "sess-1", "", "")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	require.NotNil(t, env.Error)

	resp, _ = s.do(t, http.MethodPost, "/api/v1/collections/wishlist/items", "sess-1", "", `{}`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, _ = s.do(t, http.MethodGet, "/api/v1/collections/wishlist", "sess-1", "not-a-token", "")
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestMultibyteSubjectIDIsStoredAsSent(t *testing.T) {
	s := newTestServer(t)
	subject := "a" + strings.Repeat("é", 60)
	itemPath := "/api/v1/collections/wishlist/items/" + url.PathEscape(subject)

	resp, env := s.do(t, http.MethodPost, "/api/v1/collections/wishlist/items", "sess-1", "", `{"subject_id":"`+subject+`"}`)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	assert.Equal(t, []string{subject}, subjects(decodeList(t, env).Items))

	resp, env = s.do(t, http.MethodGet, itemPath, "sess-1", "", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var contains struct {
		SubjectID string `json:"subject_id"`
		Contains  bool   `json:"contains"`
	}
	require.NoError(t, json.Unmarshal(env.Data, &contains))
	assert.Equal(t, subject, contains.SubjectID)
	assert.True(t, contains.Contains)

	resp, env = s.do(t, http.MethodDelete, itemPath, "sess-1", "", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Empty(t, decodeList(t, env).Items)
}

func TestOverlongSubjectIDIsRejectedNotTruncated(t *testing.T) {
	s := newTestServer(t)
	// 71 runes but 141 bytes.
	subject := "a" + strings.Repeat("é", 70)

	resp, env := s.do(t, http.MethodPost, "/api/v1/collections/wishlist/items", "sess-1", "", `{"subject_id":"`+subject+`"}`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	require.NotNil(t, env.Error)
	assert.Equal(t, "VALIDATION_ERROR", env.Error.Code)

	resp, _ = s.do(t, http.MethodGet, "/api/v1/collections/wishlist/items/"+url.PathEscape(subject), "sess-1", "", "")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, _ = s.do(t, http.MethodGet, "/api/v1/collections/wishlist/items/sku-%FF", "sess-1", "", "")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	_, env = s.do(t, http.MethodGet, "/api/v1/collections/wishlist", "sess-1", "", "")
	assert.Empty(t, decodeList(t, env).Items)
}

func TestAccountWriteFailureSurfacesDependencyError(t *testing.T) {
	s := newTestServer(t)
	token := s.token(t, "user-1")
	s.remote.FailUpserts(errors.New("db down"))

	resp, env := s.do(t, http.MethodPost, "/api/v1/collections/wishlist/items", "sess-1", token, `{"subject_id":"sku-1"}`)
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
	require.NotNil(t, env.Error)
	assert.True(t, env.Error.Retryable)
}

func TestCollectionKinds(t *testing.T) {
	s := newTestServer(t)
	_, env := s.do(t, http.MethodGet, "/api/v1/collections", "", "", "")
	var kinds []struct {
		Name     string `json:"name"`
		MaxItems int    `json:"max_items"`
	}
	require.NoError(t, json.Unmarshal(env.Data, &kinds))
	require.Len(t, kinds, 3)
	assert.Equal(t, "recently_viewed", kinds[2].Name)
	assert.Equal(t, 12, kinds[2].MaxItems)
}

func TestShippingQuote(t *testing.T) {
	s := newTestServer(t)

	resp, env := s.do(t, http.MethodPost, "/api/v1/shipping/quote", "", "", `{"lat":5.6037,"lng":-0.1870}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var quote struct {
		Fee      string `json:"fee"`
		Currency string `json:"currency"`
	}
	require.NoError(t, json.Unmarshal(env.Data, &quote))
	assert.Equal(t, "20", quote.Fee)
	assert.Equal(t, "GHS", quote.Currency)

	resp, _ = s.do(t, http.MethodPost, "/api/v1/shipping/quote", "", "", `{"lat":120,"lng":0}`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, _ = s.do(t, http.MethodPost, "/api/v1/shipping/quote", "", "", `{"lng":0}`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestMetricsEndpoint(t *testing.T) {
	s := newTestServer(t)
	s.do(t, http.MethodGet, "/api/v1/collections/wishlist", "sess-1", "", "")

	resp, err := http.Get(s.srv.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var found bool
	scanner := bufio.NewScanner(resp.Body)
	for scanner.Scan() {
		if strings.HasPrefix(scanner.Text(), "storefront_collection_active_sessions") {
			found = true
		}
	}
	assert.True(t, found, "expected active session gauge")
}

func TestCollectionStream(t *testing.T) {
	s := newTestServer(t)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.srv.URL+"/api/v1/collections/wishlist/stream", nil)
	require.NoError(t, err)
	req.Header.Set(middleware.SessionIDHeader, "sess-1")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	events := make(chan listBody, 8)
	go func() {
		scanner := bufio.NewScanner(resp.Body)
		for scanner.Scan() {
			line := scanner.Text()
			if !strings.HasPrefix(line, "data: ") {
				continue
			}
			var ev listBody
			if json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &ev) == nil {
				events <- ev
			}
		}
		close(events)
	}()

	select {
	case first := <-events:
		assert.Empty(t, first.Items)
	case <-time.After(2 * time.Second):
		t.Fatal("no initial stream event")
	}

	addResp, _ := s.do(t, http.MethodPost, "/api/v1/collections/wishlist/items", "sess-1", "", `{"subject_id":"sku-9"}`)
	require.Equal(t, http.StatusCreated, addResp.StatusCode)

	deadline := time.After(2 * time.Second)
	for {
		select {
		case ev, ok := <-events:
			require.True(t, ok, "stream closed early")
			if len(ev.Items) == 1 {
				assert.Equal(t, "sku-9", ev.Items[0].SubjectID)
				return
			}
		case <-deadline:
			t.Fatal("no stream event for the added item")
		}
	}
}
