package httpapi

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/meridiantv/broadcastd/internal/agent"
)

type fakeAgentInvoker struct {
	containmentActive bool
	invokeResult      string
	invokeErr         error
}

func (f *fakeAgentInvoker) NewLoop() *agent.Loop { return &agent.Loop{} }

func (f *fakeAgentInvoker) Invoke(ctx context.Context, loop *agent.Loop, toolName string, args map[string]any, confidence float64) (string, error) {
	return f.invokeResult, f.invokeErr
}

func (f *fakeAgentInvoker) ContainmentActive(channelID int64) bool { return f.containmentActive }

var testSecret = []byte("test-secret")

func signToken(t *testing.T, role string, method jwt.SigningMethod) string {
	t.Helper()
	claims := jwt.MapClaims{"role": role, "exp": time.Now().Add(time.Hour).Unix()}
	token := jwt.NewWithClaims(method, claims)
	signed, err := token.SignedString(testSecret)
	require.NoError(t, err)
	return signed
}

func TestHealthzIsOpen(t *testing.T) {
	s := New(&fakeAgentInvoker{}, testSecret, zerolog.Nop())
	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	w := httptest.NewRecorder()
	s.Router().ServeHTTP(w, req)
	require.Equal(t, http.StatusOK, w.Code)
}

func TestAgentInvokeRequiresBearerToken(t *testing.T) {
	s := New(&fakeAgentInvoker{}, testSecret, zerolog.Nop())
	req := httptest.NewRequest(http.MethodPost, "/agent/invoke", strings.NewReader(`{}`))
	w := httptest.NewRecorder()
	s.Router().ServeHTTP(w, req)
	require.Equal(t, http.StatusForbidden, w.Code)
}

func TestAgentInvokeRejectsWrongRole(t *testing.T) {
	s := New(&fakeAgentInvoker{}, testSecret, zerolog.Nop())
	token := signToken(t, "viewer", jwt.SigningMethodHS256)

	req := httptest.NewRequest(http.MethodPost, "/agent/invoke", strings.NewReader(`{}`))
	req.Header.Set("Authorization", "Bearer "+token)
	w := httptest.NewRecorder()
	s.Router().ServeHTTP(w, req)
	require.Equal(t, http.StatusForbidden, w.Code)
}

func TestAgentInvokeRejectsNonHMACSigningMethod(t *testing.T) {
	s := New(&fakeAgentInvoker{}, testSecret, zerolog.Nop())
	claims := jwt.MapClaims{"role": "operator"}
	unsigned := jwt.NewWithClaims(jwt.SigningMethodNone, claims)
	tokenStr, err := unsigned.SignedString(jwt.UnsafeAllowNoneSignatureType)
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodPost, "/agent/invoke", strings.NewReader(`{}`))
	req.Header.Set("Authorization", "Bearer "+tokenStr)
	w := httptest.NewRecorder()
	s.Router().ServeHTTP(w, req)
	require.Equal(t, http.StatusForbidden, w.Code)
}

func TestAgentInvokeAllowsOperatorRole(t *testing.T) {
	s := New(&fakeAgentInvoker{invokeResult: "ok"}, testSecret, zerolog.Nop())
	token := signToken(t, "operator", jwt.SigningMethodHS256)

	req := httptest.NewRequest(http.MethodPost, "/agent/invoke", strings.NewReader(`{"tool":"get_channel_health","args":{},"confidence":1}`))
	req.Header.Set("Authorization", "Bearer "+token)
	w := httptest.NewRecorder()
	s.Router().ServeHTTP(w, req)
	require.Equal(t, http.StatusOK, w.Code)
	require.Contains(t, w.Body.String(), `"result":"ok"`)
}

func TestAgentContainmentReflectsInvoker(t *testing.T) {
	s := New(&fakeAgentInvoker{containmentActive: true}, testSecret, zerolog.Nop())
	token := signToken(t, "operator", jwt.SigningMethodHS256)

	req := httptest.NewRequest(http.MethodGet, "/agent/containment", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	w := httptest.NewRecorder()
	s.Router().ServeHTTP(w, req)
	require.Equal(t, http.StatusOK, w.Code)
	require.Contains(t, w.Body.String(), `"containment_active":true`)
}
