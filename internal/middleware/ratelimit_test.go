package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stemsi/exstem-attempt/internal/service"
)

func TestRateLimiter_RefillsPerInterval(t *testing.T) {
	rl := NewRateLimiter(2, time.Second)
	now := time.Date(2026, 4, 20, 8, 0, 0, 0, time.UTC)
	rl.now = func() time.Time { return now }

	if !rl.allow("a") || !rl.allow("a") {
		t.Fatal("first two requests should pass")
	}
	if rl.allow("a") {
		t.Fatal("third request inside the interval should be limited")
	}
	if !rl.allow("b") {
		t.Fatal("other keys have their own bucket")
	}

	now = now.Add(time.Second)
	if !rl.allow("a") {
		t.Fatal("bucket should refill after one interval")
	}
}

func TestRateLimiter_KeysByIdentity(t *testing.T) {
	rl := NewRateLimiter(1, time.Minute)

	r := gin.New()
	r.GET("/x", func(c *gin.Context) {
		if id := c.GetHeader("X-Student"); id != "" {
			n := 7
			if id == "2" {
				n = 8
			}
			c.Set(ContextKeyClaims, &service.Claims{TokenType: service.TokenTypeStudent, UserID: n})
		}
		c.Next()
	}, rl.Middleware(), func(c *gin.Context) {
		c.Status(http.StatusNoContent)
	})

	do := func(student string) int {
		req := httptest.NewRequest(http.MethodGet, "/x", nil)
		req.RemoteAddr = "10.0.0.1:1234"
		if student != "" {
			req.Header.Set("X-Student", student)
		}
		w := httptest.NewRecorder()
		r.ServeHTTP(w, req)
		return w.Code
	}

	// Two students behind the same address do not share a bucket.
	if got := do("1"); got != http.StatusNoContent {
		t.Fatalf("student 1 first = %d", got)
	}
	if got := do("2"); got != http.StatusNoContent {
		t.Fatalf("student 2 first = %d", got)
	}
	if got := do("1"); got != http.StatusTooManyRequests {
		t.Fatalf("student 1 second = %d, want 429", got)
	}
	if got := do(""); got != http.StatusNoContent {
		t.Fatalf("anonymous first = %d", got)
	}
	if got := do(""); got != http.StatusTooManyRequests {
		t.Fatalf("anonymous second = %d, want 429", got)
	}
}
