package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
)

func signToken(t *testing.T, secret string, claims jwt.MapClaims) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString([]byte(secret))
	assert.NoError(t, err)
	return signed
}

func TestOperatorAuth(t *testing.T) {
	viper.Set("jwt.secret_key", "test-secret")

	var seenOperator string
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seenOperator = OperatorFrom(r.Context())
		w.WriteHeader(http.StatusOK)
	})
	protected := OperatorAuth(next)

	t.Run("passes a valid operator token and exposes the subject", func(t *testing.T) {
		token := signToken(t, "test-secret", jwt.MapClaims{
			"sub":  "operator-1",
			"role": "operator",
			"exp":  time.Now().Add(time.Hour).Unix(),
		})

		r := httptest.NewRequest(http.MethodPost, "/admin/reconcile", nil)
		r.Header.Set("Authorization", "Bearer "+token)
		w := httptest.NewRecorder()
		protected.ServeHTTP(w, r)

		assert.Equal(t, http.StatusOK, w.Code)
		assert.Equal(t, "operator-1", seenOperator)
	})

	t.Run("rejects a missing header", func(t *testing.T) {
		r := httptest.NewRequest(http.MethodPost, "/admin/reconcile", nil)
		w := httptest.NewRecorder()
		protected.ServeHTTP(w, r)

		assert.Equal(t, http.StatusUnauthorized, w.Code)
	})

	t.Run("rejects a token without the operator role", func(t *testing.T) {
		token := signToken(t, "test-secret", jwt.MapClaims{
			"sub":  "member-1",
			"role": "member",
			"exp":  time.Now().Add(time.Hour).Unix(),
		})

		r := httptest.NewRequest(http.MethodPost, "/admin/reconcile", nil)
		r.Header.Set("Authorization", "Bearer "+token)
		w := httptest.NewRecorder()
		protected.ServeHTTP(w, r)

		assert.Equal(t, http.StatusUnauthorized, w.Code)
	})

	t.Run("rejects a token signed with the wrong secret", func(t *testing.T) {
		token := signToken(t, "other-secret", jwt.MapClaims{
			"sub":  "operator-1",
			"role": "operator",
			"exp":  time.Now().Add(time.Hour).Unix(),
		})

		r := httptest.NewRequest(http.MethodPost, "/admin/reconcile", nil)
		r.Header.Set("Authorization", "Bearer "+token)
		w := httptest.NewRecorder()
		protected.ServeHTTP(w, r)

		assert.Equal(t, http.StatusUnauthorized, w.Code)
	})
}
