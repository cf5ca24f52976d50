package session

import (
	"fmt"
	"net"
	"strconv"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/session"
	"github.com/gofiber/storage/redis"
	"github.com/google/uuid"

	"github.com/dhstx/productpage-sub002/internal/pkg/cache"
	"github.com/dhstx/productpage-sub002/internal/pkg/env"
)

// AnonymousIDKey holds the stable id of an unauthenticated visitor.
const AnonymousIDKey = "anon_id"

// Lifetime of a session; it covers one anonymous question window.
const Expiration = 24 * time.Hour

var sessionStore *session.Store

// NewRedisStorage returns the fiber storage backing sessions and the rate
// limiter, on the cache server's database 1.
func NewRedisStorage() *redis.Storage {
	// Get Redis client configuration from existing cache setup
	cacheClient := cache.GetClient()
	host := "localhost"
	port := 6379
	password := env.GetEnv("CACHE_PASSWORD", "")
	if cacheClient != nil {
		addr := cacheClient.Options().Addr
		if h, p, err := net.SplitHostPort(addr); err == nil {
			host = h
			if v, err := strconv.Atoi(p); err == nil {
				port = v
			}
		}
		// Prefer password from the underlying client if present
		if p := cacheClient.Options().Password; p != "" {
			password = p
		}
	}

	return redis.New(redis.Config{
		Host:     host,
		Port:     port,
		Password: password,
		Database: env.GetInt("SESSION_DB", 1), // Separate database for sessions
		Reset:    false,
	})
}

// NewSessionStoreWithStorage builds the store on any fiber storage; nil uses
// fiber's in-memory storage.
func NewSessionStoreWithStorage(storage fiber.Storage) *session.Store {
	cfg := session.Config{
		CookieHTTPOnly: true,
		CookieSecure:   !env.IsDev(),
		CookieSameSite: "Lax",
		Expiration:     Expiration,
		KeyLookup:      "cookie:session_id",
	}
	if storage != nil {
		cfg.Storage = storage
	}
	sessionStore = session.New(cfg)
	return sessionStore
}

// AnonymousID returns the visitor's anonymous id, creating and persisting one
// on first use.
func AnonymousID(c *fiber.Ctx) (string, error) {
	if sessionStore == nil {
		return "", fmt.Errorf("session store not initialized")
	}

	sess, err := sessionStore.Get(c)
	if err != nil {
		return "", fmt.Errorf("failed to get session: %v", err)
	}

	if id, ok := sess.Get(AnonymousIDKey).(string); ok && id != "" {
		return id, nil
	}

	id := uuid.NewString()
	sess.Set(AnonymousIDKey, id)
	if err := sess.Save(); err != nil {
		return "", fmt.Errorf("failed to save session: %v", err)
	}
	return id, nil
}
