package middleware

import (
	"bytes"
	"context"
	"crypto/sha1"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/khahhy/AdvWeb-BusTicketBooking-sub001/internal/cache"
	"github.com/sirupsen/logrus"
)

// SeatListCachePrefix namespaces cached seat lists. Writers that change seat
// state drop "<prefix><tripId>:".
const SeatListCachePrefix = "seatlist:"

// captureWriter keeps a copy of the body while forwarding it to the client
type captureWriter struct {
	gin.ResponseWriter
	buf bytes.Buffer
}

func (w *captureWriter) Write(b []byte) (int, error) {
	w.buf.Write(b)
	return w.ResponseWriter.Write(b)
}

func (w *captureWriter) WriteString(s string) (int, error) {
	w.buf.WriteString(s)
	return w.ResponseWriter.WriteString(s)
}

// SeatListCacheKey builds the key for one trip's seat list and query string
func SeatListCacheKey(tripID, rawQuery string) string {
	sum := sha1.Sum([]byte(rawQuery))
	return fmt.Sprintf("%s%s:%x", SeatListCachePrefix, tripID, sum[:])
}

// InvalidateSeatList drops every cached seat list of a trip
func InvalidateSeatList(ctx context.Context, store cache.Store, tripID string) error {
	if store == nil {
		return nil
	}
	return store.DeletePrefix(ctx, SeatListCachePrefix+tripID+":")
}

// CacheSeatList serves GET seat lists from the cache for a short ttl.
// Only 200 JSON responses are stored.
func CacheSeatList(store cache.Store, ttl time.Duration, logger *logrus.Logger) gin.HandlerFunc {
	if store == nil || ttl <= 0 {
		return func(c *gin.Context) { c.Next() }
	}

	return func(c *gin.Context) {
		if c.Request.Method != http.MethodGet {
			c.Next()
			return
		}

		ctx := c.Request.Context()
		key := SeatListCacheKey(c.Param("tripId"), c.Request.URL.RawQuery)

		if body, err := store.Get(ctx, key); err == nil {
			c.Header("X-Cache", "HIT")
			c.Data(http.StatusOK, "application/json; charset=utf-8", []byte(body))
			c.Abort()
			return
		}

		cw := &captureWriter{ResponseWriter: c.Writer}
		c.Writer = cw
		c.Header("X-Cache", "MISS")

		c.Next()

		if cw.Status() != http.StatusOK || cw.buf.Len() == 0 {
			return
		}
		if err := store.Set(context.Background(), key, cw.buf.String(), ttl); err != nil {
			logger.WithError(err).WithField("key", key).Warn("Failed to cache seat list")
		}
	}
}
