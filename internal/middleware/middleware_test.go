package middleware

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/mindful-ai/companion/pkg/logger"
)

const testSecret = "test-secret"

func signToken(t *testing.T, method jwt.SigningMethod, key any, subject string) string {
	t.Helper()
	token := jwt.NewWithClaims(method, jwt.RegisteredClaims{
		Subject:   subject,
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
	})
	signed, err := token.SignedString(key)
	require.NoError(t, err)
	return signed
}

func ownerEcho() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(GetOwnerID(r.Context())))
	})
}

func TestAuth(t *testing.T) {
	tests := []struct {
		name       string
		header     string
		wantStatus int
		wantOwner  string
	}{
		{
			name:       "valid token",
			header:     "Bearer " + signToken(t, jwt.SigningMethodHS256, []byte(testSecret), "user-42"),
			wantStatus: http.StatusOK,
			wantOwner:  "user-42",
		},
		{
			name:       "missing header",
			wantStatus: http.StatusUnauthorized,
		},
		{
			name:       "wrong scheme",
			header:     "Basic abc",
			wantStatus: http.StatusUnauthorized,
		},
		{
			name:       "wrong secret",
			header:     "Bearer " + signToken(t, jwt.SigningMethodHS256, []byte("other"), "user-42"),
			wantStatus: http.StatusUnauthorized,
		},
		{
			name:       "unsigned token",
			header:     "Bearer " + signToken(t, jwt.SigningMethodNone, jwt.UnsafeAllowNoneSignatureType, "user-42"),
			wantStatus: http.StatusUnauthorized,
		},
		{
			name:       "missing subject",
			header:     "Bearer " + signToken(t, jwt.SigningMethodHS256, []byte(testSecret), ""),
			wantStatus: http.StatusUnauthorized,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/", nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			rec := httptest.NewRecorder()

			Auth(testSecret)(ownerEcho()).ServeHTTP(rec, req)

			assert.Equal(t, tt.wantStatus, rec.Code)
			if tt.wantStatus == http.StatusOK {
				assert.Equal(t, tt.wantOwner, rec.Body.String())
			} else {
				assert.Contains(t, rec.Body.String(), `"error"`)
			}
		})
	}
}

func TestAnonymous(t *testing.T) {
	rec := httptest.NewRecorder()
	Anonymous(ownerEcho()).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, AnonymousOwner, rec.Body.String())
}

func TestLogging(t *testing.T) {
	core, logs := observer.New(zap.InfoLevel)
	var sawFlusher bool
	handler := Logging(logger.Wrap(zap.New(core)))(Anonymous(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, sawFlusher = w.(http.Flusher)
		assert.NotEmpty(t, GetCorrelationID(r.Context()))
		w.WriteHeader(http.StatusTeapot)
	})))

	req := httptest.NewRequest(http.MethodGet, "/brew", nil)
	req.Header.Set("X-Correlation-ID", "corr-1")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	assert.True(t, sawFlusher)
	assert.Equal(t, "corr-1", rec.Header().Get("X-Correlation-ID"))

	entries := logs.FilterMessage("request completed").All()
	require.Len(t, entries, 1)
	fields := entries[0].ContextMap()
	assert.Equal(t, int64(http.StatusTeapot), fields["status"])
	assert.Equal(t, "corr-1", fields["correlation_id"])
	assert.Equal(t, AnonymousOwner, fields["owner_id"])
}

func TestLogging_GeneratesCorrelationID(t *testing.T) {
	rec := httptest.NewRecorder()
	Logging(logger.NewNop())(ownerEcho()).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))

	_, err := uuid.Parse(rec.Header().Get("X-Correlation-ID"))
	assert.NoError(t, err)
}

func TestSecurityHeaders(t *testing.T) {
	rec := httptest.NewRecorder()
	SecurityHeaders(ownerEcho()).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))

	assert.Equal(t, "nosniff", rec.Header().Get("X-Content-Type-Options"))
	assert.Equal(t, "DENY", rec.Header().Get("X-Frame-Options"))
}

func TestRateLimit(t *testing.T) {
	handler := Anonymous(RateLimit(2, time.Minute)(ownerEcho()))

	for i := 0; i < 2; i++ {
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
		require.Equal(t, http.StatusOK, rec.Code)
	}

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "60", rec.Header().Get("Retry-After"))
}

func TestValidateMessageContent(t *testing.T) {
	assert.NoError(t, ValidateMessageContent("I had a good day"))
	assert.Error(t, ValidateMessageContent(""))
	assert.Error(t, ValidateMessageContent(" \n\t"))
	assert.Error(t, ValidateMessageContent(strings.Repeat("a", MaxMessageLength+1)))
	assert.Error(t, ValidateMessageContent(string([]byte{0xff, 0xfe})))
}

func TestValidateConversationID(t *testing.T) {
	assert.NoError(t, ValidateConversationID(uuid.NewString()))
	assert.Error(t, ValidateConversationID("not-a-uuid"))
	assert.Error(t, ValidateConversationID(""))
}
