package app

import (
	"bytes"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/odyssey-erp/condo-ledger/internal/auth"
	"github.com/odyssey-erp/condo-ledger/internal/billing"
	"github.com/odyssey-erp/condo-ledger/internal/observability"
	"github.com/odyssey-erp/condo-ledger/internal/statements"
	"github.com/odyssey-erp/condo-ledger/internal/store/memory"
)

const testSecret = "0123456789abcdef-secret"

func TestLoadConfig(t *testing.T) {
	t.Setenv("JWT_SECRET", testSecret)
	t.Setenv("CRON_COMMUNITIES", "1,4")
	t.Setenv("APP_REQUEST_TIMEOUT", "5s")

	cfg, err := LoadConfig()
	require.NoError(t, err)
	require.Equal(t, ":8080", cfg.AppAddr)
	require.Equal(t, []int64{1, 4}, cfg.CronCommunities)
	require.Equal(t, 5*time.Second, cfg.AppRequestTimeout)
	require.False(t, cfg.IsProduction())
}

func TestLoadConfigRejects(t *testing.T) {
	cases := map[string]map[string]string{
		"short secret":       {"JWT_SECRET": "short"},
		"negative community": {"JWT_SECRET": testSecret, "CRON_COMMUNITIES": "-1"},
		"zero rate":          {"JWT_SECRET": testSecret, "APP_RATE_LIMIT": "0"},
	}
	for name, env := range cases {
		t.Run(name, func(t *testing.T) {
			for k, v := range env {
				t.Setenv(k, v)
			}
			_, err := LoadConfig()
			require.Error(t, err)
		})
	}
}

func TestNewLoggerFormats(t *testing.T) {
	var buf bytes.Buffer
	newLogger(&Config{LogFormat: "json", LogLevel: "warn"}, &buf).Info("hidden")
	require.Empty(t, buf.String())
	newLogger(&Config{LogFormat: "json", LogLevel: "warn"}, &buf).Warn("shown")
	require.True(t, strings.HasPrefix(buf.String(), "{"))
}

func TestRouterAuthenticatesAPIRoutes(t *testing.T) {
	store := memory.New()
	period := store.AddPeriod(billing.Period{CommunityID: 1, Code: "2026-01", Seq: 1})
	cfg := &Config{JWTSecret: testSecret, RateLimit: 100, AppRequestTimeout: time.Second}
	router := NewRouter(RouterParams{
		Config:            cfg,
		StatementsHandler: statements.NewHandler(nil, statements.NewService(store, nil)),
		Metrics:           observability.NewMetrics(),
	})

	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	require.Equal(t, http.StatusOK, rr.Code)
	require.Equal(t, "nosniff", rr.Header().Get("X-Content-Type-Options"))

	target := fmt.Sprintf("/periods/id/%d/statements", period.ID)
	rr = httptest.NewRecorder()
	router.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, target, nil))
	require.Equal(t, http.StatusUnauthorized, rr.Code)

	token, err := auth.Issue(billing.AuthorizationContext{ActorID: 1, CommunityID: 1, Permissions: []string{billing.PermStatementRead}}, []byte(testSecret), time.Hour, time.Now())
	require.NoError(t, err)
	req := httptest.NewRequest(http.MethodGet, target, nil)
	req.Header.Set("Authorization", "Bearer "+token)
	rr = httptest.NewRecorder()
	router.ServeHTTP(rr, req)
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())

	rr = httptest.NewRecorder()
	router.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rr.Code)
	require.Contains(t, rr.Body.String(), `route="/periods/id/{id}/statements"`)
}

func TestNewServicesBucketRulesFile(t *testing.T) {
	store := memory.New()
	_, err := NewServices(ServiceDeps{Store: store, BucketRulesFile: filepath.Join(t.TempDir(), "missing.yml")})
	require.Error(t, err)

	path := filepath.Join(t.TempDir(), "buckets.yml")
	require.NoError(t, os.WriteFile(path, []byte("rules:\n  - bucket: ROOF\n    community_id: 1\n"), 0o600))
	services, err := NewServices(ServiceDeps{Store: store, BucketRulesFile: path})
	require.NoError(t, err)
	require.NotNil(t, services.Periods)
	require.NotNil(t, services.Payments)
}

func TestInTestModeFollowsEnvironment(t *testing.T) {
	t.Cleanup(RefreshTestMode)

	t.Setenv(testModeEnv, "1")
	RefreshTestMode()
	require.True(t, InTestMode())

	t.Setenv(testModeEnv, "yes")
	RefreshTestMode()
	require.False(t, InTestMode(), "only 1 enables test mode")
}
