// Package authz answers "is this address an authorized validator right now".
// Implementations are consulted on every submission; none of them cache.
package authz

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	goredis "github.com/go-redis/redis/v8"

	"priceoracle/internal/model"
)

// DefaultValidatorSetKey is the Redis set holding validator addresses.
const DefaultValidatorSetKey = "oracle:validators"

// Static is an in-memory validator allowlist that can be changed at runtime.
type Static struct {
	mu  sync.RWMutex
	set map[common.Address]struct{}
}

// NewStatic creates an allowlist from the given addresses.
func NewStatic(addrs ...common.Address) *Static {
	s := &Static{set: make(map[common.Address]struct{}, len(addrs))}
	for _, a := range addrs {
		s.set[a] = struct{}{}
	}
	return s
}

// ParseStatic builds an allowlist from a comma-separated address list.
func ParseStatic(csv string) (*Static, error) {
	s := NewStatic()
	for _, part := range strings.Split(csv, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		a, err := model.ParseAddress(part)
		if err != nil {
			return nil, fmt.Errorf("validator %q: %w", part, err)
		}
		s.set[a] = struct{}{}
	}
	return s, nil
}

func (s *Static) IsAuthorized(_ context.Context, addr common.Address) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.set[addr]
	return ok, nil
}

// Grant adds a validator.
func (s *Static) Grant(addr common.Address) {
	s.mu.Lock()
	s.set[addr] = struct{}{}
	s.mu.Unlock()
}

// Revoke removes a validator. Takes effect on the next call.
func (s *Static) Revoke(addr common.Address) {
	s.mu.Lock()
	delete(s.set, addr)
	s.mu.Unlock()
}

// Len returns the number of validators.
func (s *Static) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.set)
}

// RedisSet checks membership in a Redis set with SISMEMBER, so validator
// status can be granted and revoked by any process sharing the Redis instance.
type RedisSet struct {
	client *goredis.Client
	key    string
}

// NewRedisSet creates a Redis-backed authorizer. An empty key selects
// DefaultValidatorSetKey.
func NewRedisSet(client *goredis.Client, key string) *RedisSet {
	if key == "" {
		key = DefaultValidatorSetKey
	}
	return &RedisSet{client: client, key: key}
}

func (r *RedisSet) IsAuthorized(ctx context.Context, addr common.Address) (bool, error) {
	ok, err := r.client.SIsMember(ctx, r.key, model.AssetKey(addr)).Result()
	if err != nil {
		return false, fmt.Errorf("redis SISMEMBER %s: %w", r.key, err)
	}
	return ok, nil
}

// Grant adds a validator to the set.
func (r *RedisSet) Grant(ctx context.Context, addr common.Address) error {
	return r.client.SAdd(ctx, r.key, model.AssetKey(addr)).Err()
}

// Revoke removes a validator from the set.
func (r *RedisSet) Revoke(ctx context.Context, addr common.Address) error {
	return r.client.SRem(ctx, r.key, model.AssetKey(addr)).Err()
}

// Any authorizes an address if any of the wrapped authorizers does. Lookup
// errors are returned only when no authorizer granted access.
type Any []interface {
	IsAuthorized(ctx context.Context, addr common.Address) (bool, error)
}

func (a Any) IsAuthorized(ctx context.Context, addr common.Address) (bool, error) {
	var firstErr error
	for _, au := range a {
		ok, err := au.IsAuthorized(ctx, addr)
		if err != nil {
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		if ok {
			return true, nil
		}
	}
	return false, firstErr
}
