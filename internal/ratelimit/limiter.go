// Package ratelimit implements rate limiting logic using Redis or local memory.
package ratelimit

import (
	"context"
	"fmt"
	"net/http"
	"strconv"

	"github.com/kiyo-e/pairlane/internal/config"
	"github.com/kiyo-e/pairlane/internal/logging"
	"github.com/kiyo-e/pairlane/internal/metrics"
	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"github.com/ulule/limiter/v3"
	"github.com/ulule/limiter/v3/drivers/store/memory"
	sredis "github.com/ulule/limiter/v3/drivers/store/redis"
	"go.uber.org/zap"
)

// RateLimiter holds the rate limiter instances used by the Rendezvous Router.
// There is no account system in this protocol (spec §4.1/§6 — cid is
// self-chosen and unauthenticated), so every limiter here is keyed by source
// network address rather than by a validated identity.
type RateLimiter struct {
	apiRooms *limiter.Limiter
	wsUpgrade *limiter.Limiter
	store    limiter.Store
}

// NewRateLimiter creates a new RateLimiter instance.
func NewRateLimiter(cfg *config.Config, redisClient *redis.Client) (*RateLimiter, error) {
	apiRoomsRate, err := limiter.NewRateFromFormatted(cfg.RateLimitAPIRooms)
	if err != nil {
		return nil, fmt.Errorf("invalid API rooms rate: %w", err)
	}

	wsUpgradeRate, err := limiter.NewRateFromFormatted(cfg.RateLimitWsUpgrade)
	if err != nil {
		return nil, fmt.Errorf("invalid WS upgrade rate: %w", err)
	}

	var store limiter.Store
	if redisClient != nil {
		s, err := sredis.NewStoreWithOptions(redisClient, limiter.StoreOptions{
			Prefix: "pairlane:limiter:",
		})
		if err != nil {
			return nil, fmt.Errorf("failed to create redis store: %w", err)
		}
		store = s
		logging.Info(context.Background(), "rate limiter using Redis store")
	} else {
		store = memory.NewStore()
		logging.Warn(context.Background(), "rate limiter using memory store (Redis disabled)")
	}

	return &RateLimiter{
		apiRooms:  limiter.New(store, apiRoomsRate),
		wsUpgrade: limiter.New(store, wsUpgradeRate),
		store:     store,
	}, nil
}

// RoomsMiddleware enforces the per-source-address rate limit on POST /api/rooms
// required by spec §4.1 and exercised by scenario S6.
func (rl *RateLimiter) RoomsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx := c.Request.Context()
		key := c.ClientIP()

		lctx, err := rl.apiRooms.Get(ctx, key)
		if err != nil {
			// Fail open: availability of room creation outranks strict enforcement
			// of a limiter whose backing store is unreachable.
			logging.Error(ctx, "rate limiter store failed", zap.Error(err))
			c.Next()
			return
		}

		c.Header("X-RateLimit-Limit", strconv.FormatInt(lctx.Limit, 10))
		c.Header("X-RateLimit-Remaining", strconv.FormatInt(lctx.Remaining, 10))
		c.Header("X-RateLimit-Reset", strconv.FormatInt(lctx.Reset, 10))

		if lctx.Reached {
			metrics.RateLimitExceeded.WithLabelValues("/api/rooms", "ip").Inc()
			c.Header("Retry-After", strconv.FormatInt(lctx.Reset, 10))
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
				"error":       "too many requests",
				"retry_after": lctx.Reset,
			})
			return
		}

		metrics.RateLimitRequests.WithLabelValues("/api/rooms").Inc()
		c.Next()
	}
}

// CheckWebSocketUpgrade checks the per-address limit for new websocket
// upgrades. Returns true if the upgrade should proceed.
func (rl *RateLimiter) CheckWebSocketUpgrade(c *gin.Context) bool {
	ctx := c.Request.Context()
	ip := c.ClientIP()

	lctx, err := rl.wsUpgrade.Get(ctx, ip)
	if err != nil {
		logging.Error(ctx, "ws rate limiter store failed", zap.Error(err))
		return true
	}

	if lctx.Reached {
		metrics.RateLimitExceeded.WithLabelValues("/ws", "ip").Inc()
		c.Header("X-RateLimit-Retry-After", strconv.FormatInt(lctx.Reset, 10))
		c.JSON(http.StatusTooManyRequests, gin.H{"error": "too many connections from this address"})
		return false
	}

	return true
}
