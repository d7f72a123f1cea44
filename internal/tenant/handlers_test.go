package tenant

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/tenantfleet/internal/limits"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func setupTestRouter(t *testing.T) (*gin.Engine, *Service) {
	t.Helper()
	svc, _ := newTestService(t)
	router := gin.New()
	NewHandler(svc).RegisterAdminRoutes(router.Group("/v1"))
	return router, svc
}

func doJSON(t *testing.T, router *gin.Engine, method, path string, body any) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(raw)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	var resp map[string]any
	_ = json.Unmarshal(w.Body.Bytes(), &resp)
	return w, resp
}

func TestCreateAccount_Success(t *testing.T) {
	router, _ := setupTestRouter(t)

	w, resp := doJSON(t, router, http.MethodPost, "/v1/accounts", map[string]string{"name": "New Tenant"})
	assert.Equal(t, http.StatusCreated, w.Code)
	account := resp["account"].(map[string]any)
	assert.Equal(t, "new-tenant", account["slug"])
	assert.Equal(t, "active", account["status"])
}

func TestCreateAccount_Errors(t *testing.T) {
	router, _ := setupTestRouter(t)
	doJSON(t, router, http.MethodPost, "/v1/accounts", map[string]string{"name": "Taken", "slug": "taken"})

	tests := []struct {
		name     string
		body     any
		wantCode int
		wantErr  string
	}{
		{"missing name", map[string]string{}, http.StatusBadRequest, "invalid_request"},
		{"long slug", map[string]string{"name": "z", "slug": strings.Repeat("a", 64)}, http.StatusBadRequest, "invalid_request"},
		{"bad slug", map[string]string{"name": "x", "slug": "Bad Slug!"}, http.StatusBadRequest, "configuration_error"},
		{"duplicate slug", map[string]string{"name": "y", "slug": "taken"}, http.StatusConflict, "slug_taken"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w, resp := doJSON(t, router, http.MethodPost, "/v1/accounts", tt.body)
			assert.Equal(t, tt.wantCode, w.Code)
			assert.Equal(t, tt.wantErr, resp["error"])
		})
	}
}

func TestSubscriptionRoutes(t *testing.T) {
	router, svc := setupTestRouter(t)
	a, err := svc.CreateAccount(context.Background(), "Acme", "")
	require.NoError(t, err)

	w, resp := doJSON(t, router, http.MethodPost, "/v1/accounts/"+a.ID+"/subscriptions", map[string]string{"tier": "starter"})
	require.Equal(t, http.StatusCreated, w.Code)
	sub := resp["subscription"].(map[string]any)
	subID := sub["id"].(string)
	assert.Equal(t, "starter", sub["tier"])
	assert.EqualValues(t, 3, sub["limits"].(map[string]any)["maxAgents"])

	w, resp = doJSON(t, router, http.MethodPost, "/v1/accounts/"+a.ID+"/subscriptions", map[string]string{"tier": "free"})
	assert.Equal(t, http.StatusConflict, w.Code)
	assert.Equal(t, "active_subscription_exists", resp["error"])

	w, resp = doJSON(t, router, http.MethodPatch, "/v1/subscriptions/"+subID+"/tier", map[string]string{"tier": "enterprise"})
	require.Equal(t, http.StatusOK, w.Code)
	assert.EqualValues(t, limits.Unlimited, resp["subscription"].(map[string]any)["limits"].(map[string]any)["maxAgents"])

	w, resp = doJSON(t, router, http.MethodPatch, "/v1/subscriptions/"+subID+"/tier", map[string]string{"tier": "gold"})
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, "configuration_error", resp["error"])

	w, _ = doJSON(t, router, http.MethodPatch, "/v1/subscriptions/"+subID+"/status", map[string]string{"status": "paused"})
	assert.Equal(t, http.StatusOK, w.Code)

	w, resp = doJSON(t, router, http.MethodPatch, "/v1/subscriptions/"+subID+"/status", map[string]string{"status": "past_due"})
	assert.Equal(t, http.StatusConflict, w.Code)
	assert.Equal(t, "invalid_transition", resp["error"])

	w, resp = doJSON(t, router, http.MethodPatch, "/v1/subscriptions/"+subID+"/status", map[string]string{"status": "nope"})
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, "invalid_request", resp["error"])

	w, resp = doJSON(t, router, http.MethodGet, "/v1/accounts/"+a.ID, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, subID, resp["subscription"].(map[string]any)["id"])
}

func TestGetSubscription_NotFound(t *testing.T) {
	router, _ := setupTestRouter(t)

	w, resp := doJSON(t, router, http.MethodGet, "/v1/subscriptions/sub_000000000000000000000000", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Equal(t, "subscription_not_found", resp["error"])
}

func TestDeleteAccount_Accepted(t *testing.T) {
	router, svc := setupTestRouter(t)
	a, _ := svc.CreateAccount(context.Background(), "Acme", "")

	w, resp := doJSON(t, router, http.MethodDelete, "/v1/accounts/"+a.ID, nil)
	assert.Equal(t, http.StatusAccepted, w.Code)
	account := resp["account"].(map[string]any)
	assert.Equal(t, "deleted", account["status"])
	assert.NotEmpty(t, account["deleteAfter"])

	w, resp = doJSON(t, router, http.MethodDelete, "/v1/accounts/acct_000000000000000000000000", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Equal(t, "account_not_found", resp["error"])
}
