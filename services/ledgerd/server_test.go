package ledgerd

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/big"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/facebookgo/clock"
	"github.com/stretchr/testify/require"

	"stakeledger/config"
	"stakeledger/core/ledger"
	"stakeledger/crypto"
	"stakeledger/native/common"
	"stakeledger/storage"
)

const testSecret = "0123456789abcdef0123456789abcdef"

func account(name string) crypto.Address {
	var raw [crypto.AddressLength]byte
	copy(raw[:], name)
	return crypto.NewAddress(crypto.AccountPrefix, raw[:])
}

func testLedger(t *testing.T) *config.Ledger {
	t.Helper()
	doc := fmt.Sprintf(`governor = %q

[[tokens]]
id = "gmx"
name = "GMX"
symbol = "GMX"
[[tokens.mints]]
account = %q
amount = "1000000000000000000000"

[[tokens]]
id = "esgmx"
name = "Escrowed GMX"
symbol = "esGMX"
private_transfer = true

[[tokens]]
id = "bngmx"
name = "Bonus GMX"
symbol = "bnGMX"

[[tokens]]
id = "weth"
name = "Wrapped Ether"
symbol = "WETH"

[[trackers]]
id = "sgmx"
name = "Staked GMX"
symbol = "sGMX"
deposit_tokens = ["gmx", "esgmx"]
private_transfer = true
private_staking = true
[trackers.distributor]
reward_token = "esgmx"
tokens_per_interval = "20667989410000000"
fund = "50000000000000000000000"

[[trackers]]
id = "sbgmx"
name = "Staked + Bonus GMX"
symbol = "sbGMX"
deposit_tokens = ["sgmx"]
private_transfer = true
private_staking = true
private_claiming = true
[trackers.distributor]
kind = "bonus"
reward_token = "bngmx"
bonus_multiplier_bps = 10000
fund = "1500000000000000000000"

[[trackers]]
id = "sbfgmx"
name = "Staked + Bonus + Fee GMX"
symbol = "sbfGMX"
deposit_tokens = ["sbgmx", "bngmx"]
private_transfer = true
private_staking = true
[trackers.distributor]
reward_token = "weth"

[[vesters]]
id = "vgmx"
name = "Vested GMX"
symbol = "vGMX"
vesting_duration = 31536000
es_token = "esgmx"
claimable_token = "gmx"
pair_token = "sbfgmx"
reward_tracker = "sgmx"

[router]
base_token = "gmx"
es_token = "esgmx"
bn_token = "bngmx"
staked_tracker = "sgmx"
bonus_tracker = "sbgmx"
fee_tracker = "sbfgmx"
vester = "vgmx"
`, account("gov").String(), account("alice").String())
	cfg, err := config.ParseLedger([]byte(doc))
	require.NoError(t, err)
	return cfg
}

type harness struct {
	server  *Server
	handler http.Handler
	auth    *Authenticator
	stack   *ledger.Stack
}

func newHarness(t *testing.T, withAuth bool, limit RateLimit) *harness {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	clk := clock.NewMock()
	clk.Add(1_700_000_000 * time.Second)
	stack, err := ledger.Build(testLedger(t),
		ledger.WithClock(clk),
		ledger.WithLogger(logger),
		ledger.WithEmitter(NewEventSink(logger)))
	require.NoError(t, err)
	if limit.RequestsPerMinute == 0 {
		limit = RateLimit{RequestsPerMinute: 60_000, Burst: 1_000}
	}
	cfg := Config{
		Stack:     stack,
		Store:     storage.NewSnapshotStore(storage.NewMemDB(), "ledgerd-test"),
		RateLimit: limit,
		Retain:    2,
		Logger:    logger,
	}
	var auth *Authenticator
	if withAuth {
		auth = NewAuthenticator(AuthConfig{HMACSecret: testSecret, Issuer: "test", Audience: "ledgerd"}, logger)
		cfg.Auth = auth
	}
	srv, err := New(cfg)
	require.NoError(t, err)
	return &harness{server: srv, handler: srv.Handler(), auth: auth, stack: stack}
}

func (h *harness) token(t *testing.T, who crypto.Address, scopes ...string) string {
	t.Helper()
	tok, err := h.auth.IssueToken(who, time.Hour, scopes...)
	require.NoError(t, err)
	return tok
}

func (h *harness) do(t *testing.T, method, path, bearer, body string) (int, map[string]interface{}) {
	t.Helper()
	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, reader)
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}
	rec := httptest.NewRecorder()
	h.handler.ServeHTTP(rec, req)
	out := make(map[string]interface{})
	if rec.Body.Len() > 0 && strings.HasPrefix(rec.Header().Get("Content-Type"), "application/json") {
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	}
	return rec.Code, out
}

func TestStateAndReads(t *testing.T) {
	h := newHarness(t, false, RateLimit{})
	alice := account("alice")

	code, body := h.do(t, http.MethodGet, "/v1/state", "", "")
	require.Equal(t, http.StatusOK, code)
	root, err := h.stack.StateRoot()
	require.NoError(t, err)
	require.Equal(t, root.Hex(), body["root"])
	require.Equal(t, account("gov").String(), body["governor"])
	require.Len(t, body["trackers"], 3)

	code, body = h.do(t, http.MethodGet, "/v1/tokens/gmx/accounts/"+alice.String(), "", "")
	require.Equal(t, http.StatusOK, code)
	require.Equal(t, "1000000000000000000000", body["balance"])

	code, body = h.do(t, http.MethodGet, "/v1/trackers/sgmx", "", "")
	require.Equal(t, http.StatusOK, code)
	require.Equal(t, "esGMX", body["reward_token"])
	require.Equal(t, true, body["private_staking"])

	code, body = h.do(t, http.MethodGet, "/v1/vesters/vgmx", "", "")
	require.Equal(t, http.StatusOK, code)
	require.Equal(t, float64(31536000), body["vesting_duration"])

	code, _ = h.do(t, http.MethodGet, "/v1/tokens/nope", "", "")
	require.Equal(t, http.StatusNotFound, code)
	code, _ = h.do(t, http.MethodGet, "/v1/tokens/gmx/accounts/not-an-address", "", "")
	require.Equal(t, http.StatusBadRequest, code)
	code, _ = h.do(t, http.MethodGet, "/v1/transfers/"+alice.String(), "", "")
	require.Equal(t, http.StatusNotFound, code)

	code, _ = h.do(t, http.MethodGet, "/healthz", "", "")
	require.Equal(t, http.StatusOK, code)
}

func TestWriteRoutesRequireAuthConfig(t *testing.T) {
	h := newHarness(t, false, RateLimit{})
	code, _ := h.do(t, http.MethodPost, "/v1/router/stake", "", `{"amount":"1"}`)
	require.Equal(t, http.StatusNotFound, code)
}

func TestStakeThroughAPI(t *testing.T) {
	h := newHarness(t, true, RateLimit{})
	alice := account("alice")
	bearer := h.token(t, alice, ScopeWrite)

	code, body := h.do(t, http.MethodPost, "/v1/router/stake", bearer, `{"amount":"400000000000000000000"}`)
	require.Equal(t, http.StatusOK, code, body)
	require.Equal(t, "router.stake", body["operation"])
	require.Equal(t, alice.String(), body["account"])

	code, body = h.do(t, http.MethodGet, "/v1/trackers/sbfgmx/accounts/"+alice.String(), "", "")
	require.Equal(t, http.StatusOK, code)
	require.Equal(t, "400000000000000000000", body["staked"])
	deposits, ok := body["deposits"].(map[string]interface{})
	require.True(t, ok)
	require.Equal(t, "400000000000000000000", deposits["sbgmx"])

	staked := h.stack.Trackers["sgmx"].StakedAmount(alice)
	require.Zero(t, new(big.Int).Mul(big.NewInt(400), new(big.Int).Exp(big.NewInt(10), big.NewInt(18), nil)).Cmp(staked))

	code, _ = h.do(t, http.MethodPost, "/v1/router/unstake", bearer, `{"amount":"500000000000000000000"}`)
	require.Equal(t, http.StatusUnprocessableEntity, code)
}

func TestTransferSignalThroughAPI(t *testing.T) {
	h := newHarness(t, true, RateLimit{})
	alice, bob := account("alice"), account("bob")

	code, body := h.do(t, http.MethodPost, "/v1/router/stake", h.token(t, alice, ScopeWrite), `{"amount":"1000"}`)
	require.Equal(t, http.StatusOK, code, body)
	code, body = h.do(t, http.MethodPost, "/v1/router/signal-transfer", h.token(t, alice, ScopeWrite),
		fmt.Sprintf(`{"receiver":%q}`, bob.String()))
	require.Equal(t, http.StatusOK, code, body)

	code, body = h.do(t, http.MethodGet, "/v1/transfers/"+alice.String(), "", "")
	require.Equal(t, http.StatusOK, code)
	require.Equal(t, bob.String(), body["receiver"])

	code, _ = h.do(t, http.MethodPost, "/v1/router/accept-transfer", h.token(t, bob, ScopeWrite),
		fmt.Sprintf(`{"sender":%q}`, account("carol").String()))
	require.Equal(t, http.StatusConflict, code)

	code, body = h.do(t, http.MethodPost, "/v1/router/accept-transfer", h.token(t, bob, ScopeWrite),
		fmt.Sprintf(`{"sender":%q}`, alice.String()))
	require.Equal(t, http.StatusOK, code, body)
	require.Equal(t, "1000", h.stack.Trackers["sbfgmx"].StakedAmount(bob).String())
}

func TestWriteAuthEnforced(t *testing.T) {
	h := newHarness(t, true, RateLimit{})
	alice := account("alice")

	code, _ := h.do(t, http.MethodPost, "/v1/router/stake", "", `{"amount":"1"}`)
	require.Equal(t, http.StatusUnauthorized, code)
	code, _ = h.do(t, http.MethodPost, "/v1/router/stake", "garbage", `{"amount":"1"}`)
	require.Equal(t, http.StatusUnauthorized, code)
	code, _ = h.do(t, http.MethodPost, "/v1/router/stake", h.token(t, alice), `{"amount":"1"}`)
	require.Equal(t, http.StatusForbidden, code)

	other := NewAuthenticator(AuthConfig{HMACSecret: strings.Repeat("x", 32)}, nil)
	forged, err := other.IssueToken(alice, time.Hour, ScopeWrite)
	require.NoError(t, err)
	code, _ = h.do(t, http.MethodPost, "/v1/router/stake", forged, `{"amount":"1"}`)
	require.Equal(t, http.StatusUnauthorized, code)

	bearer := h.token(t, alice, ScopeWrite)
	code, _ = h.do(t, http.MethodPost, "/v1/router/teleport", bearer, "")
	require.Equal(t, http.StatusNotFound, code)
	code, _ = h.do(t, http.MethodPost, "/v1/router/stake", bearer, `{"amount":"-5"}`)
	require.Equal(t, http.StatusBadRequest, code)
	code, _ = h.do(t, http.MethodPost, "/v1/router/stake", bearer, `{"amount":`)
	require.Equal(t, http.StatusBadRequest, code)
}

func TestAdminRoutesRequireGovernor(t *testing.T) {
	h := newHarness(t, true, RateLimit{})
	alice, gov := account("alice"), account("gov")

	code, _ := h.do(t, http.MethodPost, "/v1/admin/pause", h.token(t, alice, ScopeAdmin), `{"module":"router","paused":true}`)
	require.Equal(t, http.StatusForbidden, code)
	code, _ = h.do(t, http.MethodPost, "/v1/admin/pause", h.token(t, gov, ScopeWrite), `{"module":"router","paused":true}`)
	require.Equal(t, http.StatusForbidden, code)

	admin := h.token(t, gov, ScopeAdmin)
	code, body := h.do(t, http.MethodPost, "/v1/admin/pause", admin, `{"module":"router","paused":true}`)
	require.Equal(t, http.StatusOK, code, body)
	require.True(t, h.stack.Pauses.IsPaused("router"))
	code, body = h.do(t, http.MethodGet, "/v1/state", "", "")
	require.Equal(t, http.StatusOK, code)
	require.Equal(t, []interface{}{"router"}, body["paused"])

	code, _ = h.do(t, http.MethodPost, "/v1/router/stake", h.token(t, alice, ScopeWrite), `{"amount":"1"}`)
	require.Equal(t, http.StatusServiceUnavailable, code)

	code, _ = h.do(t, http.MethodPost, "/v1/admin/pause", admin, `{"module":"router","paused":false}`)
	require.Equal(t, http.StatusOK, code)
	code, body = h.do(t, http.MethodPost, "/v1/admin/compound", admin, fmt.Sprintf(`{"accounts":[%q]}`, alice.String()))
	require.Equal(t, http.StatusOK, code, body)

	code, body = h.do(t, http.MethodPost, "/v1/admin/snapshot", admin, "")
	require.Equal(t, http.StatusOK, code)
	require.Equal(t, float64(1), body["sequence"])
}

func TestVesterRoutes(t *testing.T) {
	h := newHarness(t, true, RateLimit{})
	alice := account("alice")
	bearer := h.token(t, alice, ScopeWrite)

	// Nothing staked, so the vestable ceiling is zero.
	code, _ := h.do(t, http.MethodPost, "/v1/vesters/vgmx/deposit", bearer, `{"amount":"1"}`)
	require.Equal(t, http.StatusUnprocessableEntity, code)
	code, body := h.do(t, http.MethodPost, "/v1/vesters/vgmx/claim", bearer, "")
	require.Equal(t, http.StatusOK, code, body)
	code, _ = h.do(t, http.MethodPost, "/v1/vesters/missing/claim", bearer, "")
	require.Equal(t, http.StatusNotFound, code)

	code, body = h.do(t, http.MethodGet, "/v1/vesters/vgmx/accounts/"+alice.String(), "", "")
	require.Equal(t, http.StatusOK, code)
	require.Equal(t, "0", body["max_vestable_amount"])
}

func TestRateLimiterThrottles(t *testing.T) {
	h := newHarness(t, false, RateLimit{RequestsPerMinute: 1, Burst: 1})
	code, _ := h.do(t, http.MethodGet, "/v1/state", "", "")
	require.Equal(t, http.StatusOK, code)
	code, _ = h.do(t, http.MethodGet, "/v1/state", "", "")
	require.Equal(t, http.StatusTooManyRequests, code)
	code, _ = h.do(t, http.MethodGet, "/healthz", "", "")
	require.Equal(t, http.StatusOK, code)
}

func TestRateLimiterSweepsIdleClients(t *testing.T) {
	limiter := NewRateLimiter(RateLimit{RequestsPerMinute: 1, Burst: 1})
	now := time.Unix(1_700_000_000, 0)
	limiter.now = func() time.Time { return now }

	require.True(t, limiter.allow("a"))
	require.False(t, limiter.allow("a"))
	now = now.Add(visitorTTL + time.Second)
	require.True(t, limiter.allow("b"))
	require.Len(t, limiter.visitors, 1)
}

func TestRequestIDPropagates(t *testing.T) {
	h := newHarness(t, false, RateLimit{})
	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec := httptest.NewRecorder()
	h.handler.ServeHTTP(rec, req)
	require.NotEmpty(t, rec.Header().Get(requestIDHeader))

	const id = "8f14e45f-ceea-467f-a0d5-8a5b5f0f1b2a"
	req = httptest.NewRequest(http.MethodGet, "/healthz", nil)
	req.Header.Set(requestIDHeader, id)
	rec = httptest.NewRecorder()
	h.handler.ServeHTTP(rec, req)
	require.Equal(t, id, rec.Header().Get(requestIDHeader))
}

func TestStatusFor(t *testing.T) {
	cases := []struct {
		err  error
		want int
	}{
		{fmt.Errorf("router: %w", common.ErrModulePaused), http.StatusServiceUnavailable},
		{common.ErrForbidden, http.StatusForbidden},
		{common.ErrTransferNotSignalled, http.StatusConflict},
		{common.ErrExceedsStaked, http.StatusUnprocessableEntity},
		{common.ErrVestingCeilingExceeded, http.StatusUnprocessableEntity},
		{common.ErrInputInvalid, http.StatusBadRequest},
		{errors.New("boom"), http.StatusInternalServerError},
	}
	for _, tc := range cases {
		require.Equal(t, tc.want, statusFor(tc.err), tc.err.Error())
	}
}

func TestSnapshotPrunes(t *testing.T) {
	h := newHarness(t, false, RateLimit{})
	for i := 0; i < 4; i++ {
		_, err := h.server.Snapshot(context.Background())
		require.NoError(t, err)
	}
	seq, _, err := h.server.store.Latest()
	require.NoError(t, err)
	require.Equal(t, uint64(4), seq)
	err = h.server.store.Load(1, &ledger.Snapshot{})
	require.ErrorIs(t, err, storage.ErrNotFound)
	require.NoError(t, h.server.store.Load(3, &ledger.Snapshot{}))
}
