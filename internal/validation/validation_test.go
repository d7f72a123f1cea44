package validation

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/tenantfleet/internal/idgen"
)

func init() {
	gin.SetMode(gin.TestMode)
}

type tier string

func TestCheck_CollectsFailuresInOrder(t *testing.T) {
	assert.Empty(t, Check(
		Required("name", "Acme"),
		PrefixedID("subscriptionId", "sub_0123456789abcdef01234567", idgen.PrefixSubscription),
		OneOf("tier", tier("starter"), "free", "starter"),
	))

	errs := Check(
		Required("name", "  "),
		PrefixedID("subscriptionId", "acct_0123456789abcdef01234567", idgen.PrefixSubscription),
		OneOf("tier", tier("gold"), "free", "starter"),
		MaxLength("slug", "acme", 3),
	)
	require.Len(t, errs, 4)
	assert.Equal(t, "name: is required", errs.Error())
	assert.Equal(t, FieldError{Field: "subscriptionId", Message: "must be a sub id"}, errs[1])
	assert.Equal(t, "must be one of free, starter", errs[2].Message)
	assert.Equal(t, "slug", errs[3].Field)

	assert.Equal(t, "validation failed", Errors(nil).Error())
}

func TestOptionalRulesAcceptEmpty(t *testing.T) {
	assert.Nil(t, PrefixedID("subscriptionId", "", idgen.PrefixSubscription)())
	assert.Nil(t, OneOf("status", "", "active")())
	assert.Nil(t, MaxLength("slug", "", 0)())
}

func TestClean(t *testing.T) {
	tests := []struct {
		name   string
		in     string
		maxLen int
		want   string
	}{
		{"plain", "acme", 10, "acme"},
		{"trims", "  acme  ", 10, "acme"},
		{"truncates", "acme corp", 4, "acme"},
		{"drops NUL", "ac\x00me", 10, "acme"},
		{"drops newlines", "acme\r\ncorp", 20, "acmecorp"},
		{"keeps runes whole", "café", 4, "caf"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Clean(tt.in, tt.maxLen))
		})
	}
}

func TestAbort(t *testing.T) {
	w := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(w)

	assert.False(t, Abort(c, nil))
	assert.False(t, c.IsAborted())

	assert.True(t, Abort(c, Errors{{Field: "name", Message: "is required"}}))
	assert.True(t, c.IsAborted())
	assert.Equal(t, http.StatusBadRequest, w.Code)

	var body struct {
		Error   string       `json:"error"`
		Details []FieldError `json:"details"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, "invalid_request", body.Error)
	assert.Equal(t, []FieldError{{Field: "name", Message: "is required"}}, body.Details)
}

func TestPathParamMiddleware(t *testing.T) {
	r := gin.New()
	ok := func(c *gin.Context) { c.Status(http.StatusOK) }
	r.GET("/instances/:id", UUIDParam("id"), ok)
	r.GET("/accounts/:id", PrefixedParam("id", idgen.PrefixAccount), ok)

	tests := []struct {
		path string
		code int
	}{
		{"/instances/6ba7b810-9dad-11d1-80b4-00c04fd430c8", http.StatusOK},
		{"/instances/6ba7b8109dad11d180b400c04fd430c8", http.StatusBadRequest},
		{"/instances/garbage", http.StatusBadRequest},
		{"/accounts/acct_0123456789abcdef01234567", http.StatusOK},
		{"/accounts/sub_0123456789abcdef01234567", http.StatusBadRequest},
		{"/accounts/acct_missing", http.StatusBadRequest},
	}
	for _, tt := range tests {
		w := httptest.NewRecorder()
		r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, tt.path, nil))
		assert.Equal(t, tt.code, w.Code, tt.path)
	}
}

func TestLimitBody(t *testing.T) {
	r := gin.New()
	r.Use(LimitBody(8))
	r.POST("/accounts", func(c *gin.Context) {
		var body map[string]string
		if err := c.ShouldBindJSON(&body); err != nil {
			c.Status(http.StatusRequestEntityTooLarge)
			return
		}
		c.Status(http.StatusOK)
	})

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/accounts", strings.NewReader(`{"name":"a much longer account name"}`)))
	assert.Equal(t, http.StatusRequestEntityTooLarge, w.Code)

	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/accounts", strings.NewReader(`{}`)))
	assert.Equal(t, http.StatusOK, w.Code)
}
