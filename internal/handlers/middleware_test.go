package handlers

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"device_provisioner/internal/models"
	"device_provisioner/internal/service"

	"github.com/gin-gonic/gin"
)

// newMiddlewareOnlyRouter echoes the operator the middleware resolved.
func newMiddlewareOnlyRouter(s *service.Service) *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	h := NewHandler(s, nil, nil)
	r.GET("/secure", h.operatorMiddleware, func(c *gin.Context) {
		op := operatorFrom(c)
		c.JSON(http.StatusOK, gin.H{"ok": true, "operator_id": op.ID, "username": op.Username})
	})
	return r
}

func TestOperatorMiddleware_RejectsUnauthenticated(t *testing.T) {
	cases := []struct {
		name     string
		header   string
		parseErr error
		wantMsg  string
	}{
		{"no header", "", nil, "missing Authorization header"},
		{"basic scheme", "Basic b3A6cHc=", nil, "invalid Authorization header format"},
		{"bearer only", "Bearer", nil, "invalid Authorization header format"},
		{"token rejected", "Bearer stale", errors.New("token is expired"), "invalid or expired token"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			auth := &mockAuth{parseOperator: testOperator, parseErr: tc.parseErr}
			r := newMiddlewareOnlyRouter(&service.Service{Authorization: auth})

			w := httptest.NewRecorder()
			req := httptest.NewRequest(http.MethodGet, "/secure", nil)
			if tc.header != "" {
				req.Header.Set("Authorization", tc.header)
			}
			r.ServeHTTP(w, req)

			if w.Code != http.StatusUnauthorized {
				t.Fatalf("status = %d, want 401 (body=%s)", w.Code, w.Body.String())
			}
			var out struct {
				Error string `json:"error"`
			}
			_ = json.Unmarshal(w.Body.Bytes(), &out)
			if out.Error != tc.wantMsg {
				t.Fatalf("error = %q, want %q", out.Error, tc.wantMsg)
			}
			if strings.Contains(w.Body.String(), testOperator.Username) {
				t.Fatalf("rejected request reached the handler: %s", w.Body.String())
			}
		})
	}
}

func TestOperatorMiddleware_SuccessSetsOperatorAndProceeds(t *testing.T) {
	auth := &mockAuth{parseOperator: models.Operator{ID: 123, Username: "alice"}}
	s := &service.Service{Authorization: auth}
	r := newMiddlewareOnlyRouter(s)

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/secure", nil)
	req.Header.Set("Authorization", "Bearer good-token")
	r.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("status: got %d, want %d; body=%s", w.Code, http.StatusOK, w.Body.String())
	}

	var resp struct {
		OK         bool   `json:"ok"`
		OperatorID int    `json:"operator_id"`
		Username   string `json:"username"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if !resp.OK || resp.OperatorID != 123 || resp.Username != "alice" {
		t.Fatalf("unexpected response: %+v", resp)
	}
	if auth.lastParseToken != "good-token" {
		t.Fatalf("ParseToken got %q, want %q", auth.lastParseToken, "good-token")
	}
}

func TestOperatorFrom_OutsideMiddleware(t *testing.T) {
	gin.SetMode(gin.TestMode)
	c, _ := gin.CreateTestContext(httptest.NewRecorder())
	if op := operatorFrom(c); op != (models.Operator{}) {
		t.Fatalf("want zero operator, got %+v", op)
	}
	c.Set(operatorKey, "not an operator")
	if op := operatorFrom(c); op != (models.Operator{}) {
		t.Fatalf("want zero operator for a foreign value, got %+v", op)
	}
}
