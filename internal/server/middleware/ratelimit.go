package middleware

import (
	"math"
	"net/http"
	"strconv"
	"time"

	"golang.org/x/time/rate"

	apperrors "github.com/3leaps/vidgen/internal/errors"
)

// RateLimit rejects requests beyond limiter's budget with 429. A nil limiter
// passes everything through.
func RateLimit(limiter *rate.Limiter) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if limiter == nil {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			res := limiter.Reserve()
			if !res.OK() {
				reject(w, r, time.Second)
				return
			}
			if delay := res.Delay(); delay > 0 {
				res.Cancel()
				reject(w, r, delay)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func reject(w http.ResponseWriter, r *http.Request, retryAfter time.Duration) {
	secs := int(math.Ceil(retryAfter.Seconds()))
	if secs < 1 {
		secs = 1
	}
	w.Header().Set("Retry-After", strconv.Itoa(secs))
	env := requestEnvelope(r, apperrors.CodeTooManyRequests, "too many job submissions, retry later")
	writeErrorResponse(w, env, http.StatusTooManyRequests)
}
