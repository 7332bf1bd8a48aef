package server

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/MarcoPoloResearchLab/storefront/internal/auth"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func TestAuthorizeRequestLogsExpiredSessionAtInfoLevel(t *testing.T) {
	gin.SetMode(gin.TestMode)
	recorder := httptest.NewRecorder()
	ctx, _ := gin.CreateTestContext(recorder)
	ctx.Request = httptest.NewRequest(http.MethodGet, "/api/studio/subscription", http.NoBody)

	core, logs := observer.New(zapcore.DebugLevel)
	handler := &httpHandler{
		sessions: stubSessions{err: auth.ErrExpiredSessionToken},
		logger:   zap.New(core),
	}

	handler.authorizeRequest(ctx)

	if recorder.Code != http.StatusUnauthorized {
		t.Fatalf("unexpected status code: got %d, want %d", recorder.Code, http.StatusUnauthorized)
	}
	if !ctx.IsAborted() {
		t.Fatalf("expected the chain to be aborted")
	}
	entries := logs.All()
	if len(entries) != 1 {
		t.Fatalf("expected exactly one log entry, got %d", len(entries))
	}
	entry := entries[0]
	if entry.Level != zapcore.InfoLevel {
		t.Fatalf("expected info level for expired session, got %s", entry.Level)
	}
	if entry.Message != "session validation failed" {
		t.Fatalf("unexpected log message: %q", entry.Message)
	}
	hasExpired := false
	for _, field := range entry.Context {
		if field.Type == zapcore.ErrorType && errors.Is(field.Interface.(error), auth.ErrExpiredSessionToken) {
			hasExpired = true
			break
		}
	}
	if !hasExpired {
		t.Fatalf("expected expired session error context, got %v", entry.Context)
	}
}

func TestAuthorizeRequestLogsForgedSessionAtWarnLevel(t *testing.T) {
	gin.SetMode(gin.TestMode)
	recorder := httptest.NewRecorder()
	ctx, _ := gin.CreateTestContext(recorder)
	ctx.Request = httptest.NewRequest(http.MethodGet, "/api/studio/subscription", http.NoBody)

	core, logs := observer.New(zapcore.DebugLevel)
	handler := &httpHandler{
		sessions: stubSessions{err: auth.ErrInvalidSessionToken},
		logger:   zap.New(core),
	}

	handler.authorizeRequest(ctx)

	if recorder.Code != http.StatusUnauthorized {
		t.Fatalf("unexpected status code: got %d, want %d", recorder.Code, http.StatusUnauthorized)
	}
	entries := logs.All()
	if len(entries) != 1 {
		t.Fatalf("expected exactly one log entry, got %d", len(entries))
	}
	if entries[0].Level != zapcore.WarnLevel {
		t.Fatalf("expected warn level for invalid session, got %s", entries[0].Level)
	}
}

func TestAuthorizeRequestStoresClaims(t *testing.T) {
	gin.SetMode(gin.TestMode)
	recorder := httptest.NewRecorder()
	ctx, _ := gin.CreateTestContext(recorder)
	ctx.Request = httptest.NewRequest(http.MethodGet, "/api/studio/subscription", http.NoBody)

	handler := &httpHandler{
		sessions: stubSessions{claims: auth.SessionClaims{UserID: "user-1"}},
		logger:   zap.NewNop(),
	}
	handler.authorizeRequest(ctx)

	claims, ok := sessionClaims(ctx)
	if !ok || claims.UserID != "user-1" {
		t.Fatalf("expected claims in context, got %#v", claims)
	}
}
