package middleware

import (
	"time"

	"github.com/gin-gonic/gin"
	"github.com/ulule/limiter/v3"
	mgin "github.com/ulule/limiter/v3/drivers/middleware/gin"
	"github.com/ulule/limiter/v3/drivers/store/memory"
)

const DefaultRequestsPerSecond = 10

// RateLimit limits every client ip to rps requests per second.
func RateLimit(rps int64) gin.HandlerFunc {
	if rps <= 0 {
		rps = DefaultRequestsPerSecond
	}
	store := memory.NewStore()
	rateLimiter := limiter.New(store, limiter.Rate{
		Period: 1 * time.Second,
		Limit:  rps,
	})
	return mgin.NewMiddleware(rateLimiter)
}
