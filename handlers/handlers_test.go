package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tournament-escrow/middleware"
	"tournament-escrow/models"
	"tournament-escrow/safety"
	"tournament-escrow/services"
	"tournament-escrow/workers"
)

type fakeLifecycle struct {
	registerErr  error
	cancelReason string
	transitions  []string
	ranking      []services.RankedEntry
}

func (f *fakeLifecycle) Create(_ context.Context, req services.CreateRequest) (*models.TournamentInstance, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}
	return &models.TournamentInstance{ID: "new", VariantKey: req.VariantKey}, nil
}

func (f *fakeLifecycle) Register(_ context.Context, id, wallet, _ string) (*models.TournamentEntry, error) {
	if f.registerErr != nil {
		return nil, f.registerErr
	}
	return &models.TournamentEntry{ID: "e1", TournamentID: id, WalletAddress: wallet}, nil
}

func (f *fakeLifecycle) step(name, id string) (*services.TransitionResult, error) {
	f.transitions = append(f.transitions, name+":"+id)
	return &services.TransitionResult{Applied: true}, nil
}

func (f *fakeLifecycle) OpenRegistration(_ context.Context, id string) (*services.TransitionResult, error) {
	return f.step("open", id)
}

func (f *fakeLifecycle) LockRegistration(_ context.Context, id string) (*services.TransitionResult, error) {
	return f.step("lock", id)
}

func (f *fakeLifecycle) Start(_ context.Context, id string) (*services.TransitionResult, error) {
	return f.step("start", id)
}

func (f *fakeLifecycle) End(_ context.Context, id string) (*services.TransitionResult, error) {
	return f.step("end", id)
}

func (f *fakeLifecycle) Complete(_ context.Context, id string) (*services.TransitionResult, error) {
	return nil, services.ErrTransitionNotAllowed
}

func (f *fakeLifecycle) Cancel(_ context.Context, id, reason string) (*services.TransitionResult, error) {
	f.cancelReason = reason
	return f.step("cancel", id)
}

func (f *fakeLifecycle) DistributePrizes(_ context.Context, _ string, ranking []services.RankedEntry) (services.BatchReport, error) {
	f.ranking = ranking
	return services.BatchReport{Succeeded: len(ranking)}, nil
}

func (f *fakeLifecycle) RetrySettlements(context.Context, string) (services.BatchReport, error) {
	return services.BatchReport{Failed: 1}, nil
}

func (f *fakeLifecycle) Report(_ context.Context, id string) (*services.SettlementReport, error) {
	return nil, services.ErrNotFound
}

type fakeDeployer struct{ runs int }

func (d *fakeDeployer) Run(context.Context) (workers.RunReport, error) {
	d.runs++
	return workers.RunReport{Created: 3}, nil
}

type testAPI struct {
	app      *fiber.App
	lc       *fakeLifecycle
	store    *services.MemoryStore
	reg      *safety.Registry
	deployer *fakeDeployer
}

func newTestAPI(t *testing.T) *testAPI {
	t.Helper()
	api := &testAPI{
		app:      fiber.New(),
		lc:       &fakeLifecycle{},
		store:    services.NewMemoryStore(),
		reg:      safety.NewRegistry(),
		deployer: &fakeDeployer{},
	}
	require.NoError(t, api.store.CreateInstance(context.Background(), &models.TournamentInstance{
		ID:           "t-1",
		VariantKey:   "scalp-sprint",
		ScheduledFor: time.Date(2026, 10, 19, 18, 0, 0, 0, time.UTC),
		Status:       models.StatusRegistering,
	}))

	SetupHealthRoutes(api.app, api.reg, prometheus.NewRegistry())
	router := api.app.Group("/", middleware.GatewayAuthMiddleware("secret"), middleware.OperatorContextMiddleware())
	SetupOpsRoutes(router, api.reg, api.deployer)
	SetupTournamentRoutes(router, &TournamentHandler{Lifecycle: api.lc, Reader: api.store})
	return api
}

func (a *testAPI) do(t *testing.T, method, path, body string, roles string) (*http.Response, map[string]interface{}) {
	t.Helper()
	var r io.Reader
	if body != "" {
		r = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, r)
	req.Header.Set("Authorization", "Bearer secret")
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-User-ID", "alice")
	if roles != "" {
		req.Header.Set("X-User-Roles", roles)
	}
	resp, err := a.app.Test(req, -1)
	require.NoError(t, err)

	out := map[string]interface{}{}
	raw, _ := io.ReadAll(resp.Body)
	_ = json.Unmarshal(raw, &out)
	return resp, out
}

func TestStatusForErrorKinds(t *testing.T) {
	cases := []struct {
		err  error
		want int
	}{
		{services.ErrNotFound, http.StatusNotFound},
		{services.ErrInvalidEntryFee, http.StatusBadRequest},
		{services.ErrTournamentFull, http.StatusConflict},
		{services.ErrUnavailable, http.StatusServiceUnavailable},
		{&safety.CircuitOpenError{Name: "settlement"}, http.StatusServiceUnavailable},
		{safety.ErrRateLimitExceeded, http.StatusTooManyRequests},
		{services.ErrFatal, http.StatusInternalServerError},
		{errors.New("boom"), http.StatusInternalServerError},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, statusFor(tc.err), tc.err.Error())
	}
}

func TestGatewayTokenRequired(t *testing.T) {
	api := newTestAPI(t)
	req := httptest.NewRequest(http.MethodGet, "/tournaments", nil)
	resp, err := api.app.Test(req, -1)
	require.NoError(t, err)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	req = httptest.NewRequest(http.MethodGet, "/tournaments", nil)
	req.Header.Set("Authorization", "Bearer nope")
	resp, err = api.app.Test(req, -1)
	require.NoError(t, err)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestListAndGetTournaments(t *testing.T) {
	api := newTestAPI(t)

	resp, body := api.do(t, http.MethodGet, "/tournaments?status=registering", "", "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.EqualValues(t, 1, body["count"])

	resp, _ = api.do(t, http.MethodGet, "/tournaments?status=bogus", "", "")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, body = api.do(t, http.MethodGet, "/tournaments/t-1", "", "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "scalp-sprint", body["variant_key"])

	resp, body = api.do(t, http.MethodGet, "/tournaments/missing/entries", "", "")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.Equal(t, "domain", body["kind"])

	resp, body = api.do(t, http.MethodGet, "/tournaments/t-1/entries", "", "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.EqualValues(t, 0, body["count"])
}

func TestRegisterMapsErrors(t *testing.T) {
	api := newTestAPI(t)
	payload := `{"wallet_address":"w1","credential":"c"}`

	resp, body := api.do(t, http.MethodPost, "/tournaments/t-1/entries", payload, "")
	assert.Equal(t, http.StatusCreated, resp.StatusCode)
	assert.Equal(t, "w1", body["wallet_address"])

	api.lc.registerErr = services.ErrTournamentFull
	resp, _ = api.do(t, http.MethodPost, "/tournaments/t-1/entries", payload, "")
	assert.Equal(t, http.StatusConflict, resp.StatusCode)

	api.lc.registerErr = &safety.CircuitOpenError{Name: "settlement", RetryAt: time.Now().Add(20 * time.Second)}
	resp, body = api.do(t, http.MethodPost, "/tournaments/t-1/entries", payload, "")
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
	assert.NotEmpty(t, resp.Header.Get("Retry-After"))
	assert.Equal(t, "transient", body["kind"])

	resp, _ = api.do(t, http.MethodPost, "/tournaments/t-1/entries", "{", "")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestOperatorRoutesRequireRole(t *testing.T) {
	api := newTestAPI(t)

	resp, _ := api.do(t, http.MethodPost, "/tournaments/t-1/transitions/open", "", "")
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
	assert.Empty(t, api.lc.transitions)

	resp, body := api.do(t, http.MethodPost, "/tournaments/t-1/transitions/open", "", "viewer, Operator")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, true, body["applied"])
	assert.Equal(t, []string{"open:t-1"}, api.lc.transitions)
}

func TestTransitions(t *testing.T) {
	api := newTestAPI(t)

	resp, _ := api.do(t, http.MethodPost, "/tournaments/t-1/transitions/cancel", "", "admin")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "cancelled by alice", api.lc.cancelReason)

	_, _ = api.do(t, http.MethodPost, "/tournaments/t-1/transitions/cancel", `{"reason":"sponsor pulled out"}`, "admin")
	assert.Equal(t, "sponsor pulled out", api.lc.cancelReason)

	resp, _ = api.do(t, http.MethodPost, "/tournaments/t-1/transitions/complete", "", "admin")
	assert.Equal(t, http.StatusConflict, resp.StatusCode)

	resp, _ = api.do(t, http.MethodPost, "/tournaments/t-1/transitions/explode", "", "admin")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestDistributeAndRetry(t *testing.T) {
	api := newTestAPI(t)

	resp, body := api.do(t, http.MethodPost, "/tournaments/t-1/distribute",
		`{"ranking":[{"rank":1,"wallet_address":"a"},{"rank":2,"wallet_address":"b"}]}`, "admin")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, true, body["done"])
	require.Len(t, api.lc.ranking, 2)
	assert.Equal(t, "b", api.lc.ranking[1].WalletAddress)

	resp, _ = api.do(t, http.MethodPost, "/tournaments/t-1/distribute", "", "admin")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Nil(t, api.lc.ranking)

	resp, body = api.do(t, http.MethodPost, "/tournaments/t-1/settlements/retry", "", "admin")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, false, body["done"])

	resp, _ = api.do(t, http.MethodGet, "/tournaments/t-1/report", "", "")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestCreateValidatesRequest(t *testing.T) {
	api := newTestAPI(t)

	resp, _ := api.do(t, http.MethodPost, "/tournaments", `{"variant_key":"x","entry_fee":"0"}`, "admin")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestBreakersAndHealth(t *testing.T) {
	api := newTestAPI(t)
	b := api.reg.Breaker(safety.DepSettlement)
	for i := 0; i < safety.DefaultBreakerConfig().FailureThreshold; i++ {
		_ = b.Execute(func() error { return errors.New("down") })
	}

	resp, body := api.do(t, http.MethodGet, "/healthz", "", "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "degraded", body["status"])

	resp, _ = api.do(t, http.MethodGet, "/breakers", "", "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp, _ = api.do(t, http.MethodPost, "/breakers/unknown/reset", "", "admin")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp, body = api.do(t, http.MethodPost, "/breakers/settlement/reset", "", "admin")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "closed", body["mode"])

	_, body = api.do(t, http.MethodGet, "/healthz", "", "")
	assert.Equal(t, "ok", body["status"])
}

func TestDeploymentRunAndMetrics(t *testing.T) {
	api := newTestAPI(t)

	resp, body := api.do(t, http.MethodPost, "/deployments/run", "", "admin")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.EqualValues(t, 3, body["created"])
	assert.Equal(t, 1, api.deployer.runs)

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	resp, err := api.app.Test(req, -1)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}
