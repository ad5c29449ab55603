package main

import (
	"errors"
	"net/http/httptest"
	"strings"
	"testing"

	"go-cim/internal/services"

	"github.com/gin-gonic/gin"
)

func doHTTPError(err error) *httptest.ResponseRecorder {
	gin.SetMode(gin.TestMode)
	w := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(w)
	httpError(c, err)
	return w
}

// 存储层诊断（DSN、SQL、内网地址）绝不能出现在响应体里。
func TestHTTPError_InternalDiagnosticsNotLeaked(t *testing.T) {
	w := doHTTPError(errors.New("dial tcp 10.0.0.5:3306: connect: connection refused"))
	if w.Code != 500 {
		t.Fatalf("status: got %d, want 500", w.Code)
	}
	body := w.Body.String()
	if strings.Contains(body, "10.0.0.5") || strings.Contains(body, "dial tcp") {
		t.Fatalf("diagnostic leaked to client: %s", body)
	}
	if !strings.Contains(body, "internal error") {
		t.Fatalf("expected fixed internal error body, got: %s", body)
	}
}

func TestHTTPError_SentinelStatusCodes(t *testing.T) {
	cases := []struct {
		err  error
		code int
	}{
		{services.ErrInvalidTalkMode, 400},
		{services.ErrPermissionDenied, 403},
		{services.ErrMessageNotFound, 404},
		{services.ErrAlreadyRevoked, 409},
	}
	for _, tc := range cases {
		w := doHTTPError(tc.err)
		if w.Code != tc.code {
			t.Fatalf("%v: status got %d, want %d", tc.err, w.Code, tc.code)
		}
		if !strings.Contains(w.Body.String(), tc.err.Error()) {
			t.Fatalf("%v: sentinel message missing from body %s", tc.err, w.Body.String())
		}
	}
}
