package auth

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/gorilla/mux"
	"go.uber.org/zap"
)

var ErrUnauthorized = errors.New("unauthorized")

// Resolver - bearer 토큰 → account id
type Resolver interface {
	Resolve(ctx context.Context, token string) (string, error)
}

type accountKey struct{}

// WithAccount - context 에 account id 저장
func WithAccount(ctx context.Context, accountID string) context.Context {
	return context.WithValue(ctx, accountKey{}, accountID)
}

// AccountFrom - Middleware 가 저장한 account id
func AccountFrom(ctx context.Context) (string, bool) {
	accountID, ok := ctx.Value(accountKey{}).(string)
	return accountID, ok && accountID != ""
}

// Middleware - Authorization: Bearer 검증, 실패 시 401 (크레딧/생성 로직 진입 전)
func Middleware(resolver Resolver, log *zap.Logger) mux.MiddlewareFunc {
	log = log.Named("auth")
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.Method == http.MethodOptions {
				next.ServeHTTP(w, r)
				return
			}

			token := bearerToken(r)
			if token == "" {
				writeUnauthorized(w)
				return
			}

			accountID, err := resolver.Resolve(r.Context(), token)
			if err != nil {
				log.Info("🚫 Rejected bearer token", zap.String("path", r.URL.Path), zap.Error(err))
				writeUnauthorized(w)
				return
			}

			next.ServeHTTP(w, r.WithContext(WithAccount(r.Context(), accountID)))
		})
	}
}

// ServiceKeyMiddleware - 내부 서비스 호출용 X-Internal-Api-Key 검증
func ServiceKeyMiddleware(key string) mux.MiddlewareFunc {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			provided := r.Header.Get("X-Internal-Api-Key")
			if key == "" || subtle.ConstantTimeCompare([]byte(provided), []byte(key)) != 1 {
				writeUnauthorized(w)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func bearerToken(r *http.Request) string {
	header := r.Header.Get("Authorization")
	if len(header) < 7 || !strings.EqualFold(header[:7], "bearer ") {
		return ""
	}
	return strings.TrimSpace(header[7:])
}

func writeUnauthorized(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusUnauthorized)
	json.NewEncoder(w).Encode(map[string]string{
		"error": "Unauthorized",
	})
}
