package services

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Identity is the authenticated principal bound to a connection. Actors are
// owned by the external identity collaborator; the engine only verifies the
// credential it issued.
type Identity struct {
	ActorID  string
	Username string
}

// IdentityVerifier validates signed credentials and caches positive results
// briefly to bound verification cost on reconnect storms.
type IdentityVerifier struct {
	secret   []byte
	cacheTTL time.Duration

	mu    sync.Mutex
	cache map[string]cachedIdentity
}

type cachedIdentity struct {
	identity Identity
	expires  time.Time
}

func NewIdentityVerifier(secret string, cacheTTL time.Duration) *IdentityVerifier {
	return &IdentityVerifier{
		secret:   []byte(secret),
		cacheTTL: cacheTTL,
		cache:    make(map[string]cachedIdentity),
	}
}

// VerifyCredential validates the token and returns the actor identity it
// carries. Any parse or signature failure is ErrInvalidCredential.
func (v *IdentityVerifier) VerifyCredential(tokenString string) (Identity, error) {
	if tokenString == "" {
		return Identity{}, ErrInvalidCredential
	}

	v.mu.Lock()
	if c, ok := v.cache[tokenString]; ok && time.Now().Before(c.expires) {
		v.mu.Unlock()
		return c.identity, nil
	}
	v.mu.Unlock()

	token, err := jwt.Parse(tokenString, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, errors.New("unexpected signing method")
		}
		return v.secret, nil
	})
	if err != nil {
		return Identity{}, fmt.Errorf("%w: %v", ErrInvalidCredential, err)
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok || !token.Valid {
		return Identity{}, ErrInvalidCredential
	}

	actorID, ok := claims["actor_id"].(string)
	if !ok || actorID == "" {
		return Identity{}, fmt.Errorf("%w: missing actor_id claim", ErrInvalidCredential)
	}
	username, _ := claims["username"].(string)

	id := Identity{ActorID: actorID, Username: username}

	v.mu.Lock()
	v.cache[tokenString] = cachedIdentity{identity: id, expires: time.Now().Add(v.cacheTTL)}
	// Drop stale entries opportunistically so the cache cannot grow
	// without bound under token churn.
	if len(v.cache) > 1024 {
		now := time.Now()
		for k, c := range v.cache {
			if now.After(c.expires) {
				delete(v.cache, k)
			}
		}
	}
	v.mu.Unlock()

	return id, nil
}
