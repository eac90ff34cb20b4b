package web

import (
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/ulule/limiter/v3"
	mgin "github.com/ulule/limiter/v3/drivers/middleware/gin"
	"github.com/ulule/limiter/v3/drivers/store/memory"
)

// NewRateLimiter limits each client IP to requestsPerMinute using an in-process store.
func NewRateLimiter(requestsPerMinute int) (gin.HandlerFunc, error) {
	if requestsPerMinute <= 0 {
		return nil, fmt.Errorf("web.rate_limit: requests per minute must be positive, got %d", requestsPerMinute)
	}
	rate := limiter.Rate{
		Period: time.Minute,
		Limit:  int64(requestsPerMinute),
	}
	store := memory.NewStoreWithOptions(limiter.StoreOptions{
		Prefix:          "nownoise",
		CleanUpInterval: 5 * time.Minute,
	})
	instance := limiter.New(store, rate)
	return mgin.NewMiddleware(instance, mgin.WithLimitReachedHandler(func(contextGin *gin.Context) {
		contextGin.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{"error": "rate_limited"})
	})), nil
}
