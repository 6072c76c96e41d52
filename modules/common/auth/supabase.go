package auth

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/patrickmn/go-cache"
	"github.com/supabase-community/supabase-go"
)

// UserLookup - 토큰으로 사용자 id 조회 (Supabase GoTrue)
type UserLookup func(token string) (string, error)

// SupabaseResolver - GoTrue GetUser 로 토큰 검증, 결과는 go-cache 로 메모
type SupabaseResolver struct {
	lookup UserLookup
	memo   *cache.Cache
}

// NewSupabaseResolver - Supabase 클라이언트 기반 Resolver 생성
func NewSupabaseResolver(client *supabase.Client, ttl time.Duration) *SupabaseResolver {
	return NewSupabaseResolverWithLookup(func(token string) (string, error) {
		user, err := client.Auth.WithToken(token).GetUser()
		if err != nil {
			return "", err
		}
		return user.ID.String(), nil
	}, ttl)
}

func NewSupabaseResolverWithLookup(lookup UserLookup, ttl time.Duration) *SupabaseResolver {
	return &SupabaseResolver{
		lookup: lookup,
		memo:   cache.New(ttl, 2*ttl),
	}
}

func (s *SupabaseResolver) Resolve(_ context.Context, token string) (string, error) {
	key := tokenKey(token)
	if cached, ok := s.memo.Get(key); ok {
		return cached.(string), nil
	}

	accountID, err := s.lookup(token)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrUnauthorized, err)
	}
	if accountID == "" || accountID == "00000000-0000-0000-0000-000000000000" {
		return "", ErrUnauthorized
	}

	s.memo.SetDefault(key, accountID)
	return accountID, nil
}

// 토큰 원문은 메모리 캐시 키로 쓰지 않음
func tokenKey(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}
