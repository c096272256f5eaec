package idempotency

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"io"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/a2a-settlement/exchange/internal/accounts"
	"github.com/a2a-settlement/exchange/internal/apierror"
)

// Middleware replays a stored response for a repeated Idempotency-Key plus
// identical body, fails IDEMPOTENCY_CONFLICT when the body differs, and
// otherwise runs the handler and persists its response if it succeeded.
// Requests without the header pass through unmodified.
func Middleware(store Store) gin.HandlerFunc {
	return func(c *gin.Context) {
		key := c.GetHeader("Idempotency-Key")
		if key == "" {
			c.Next()
			return
		}

		var body []byte
		if c.Request.Body != nil {
			body, _ = io.ReadAll(c.Request.Body)
			c.Request.Body = io.NopCloser(bytes.NewReader(body))
		}
		sum := sha256.Sum256(body)
		hash := hex.EncodeToString(sum[:])

		scopedKey := key
		if account, ok := accounts.GetAuthenticatedAccount(c); ok {
			scopedKey = account.ID + ":" + key
		}

		existing, err := store.Get(c.Request.Context(), scopedKey)
		if err != nil {
			apierror.Write(c, apierror.Wrap(apierror.CodeTransientConflict, "idempotency lookup failed", err))
			c.Abort()
			return
		}
		if existing != nil {
			if existing.BodyHash != hash {
				apierror.Write(c, apierror.New(apierror.CodeIdempotencyConflict, "idempotency key already used with a different request body"))
				c.Abort()
				return
			}
			c.Data(existing.StatusCode, "application/json", existing.ResponseBody)
			c.Abort()
			return
		}

		recorder := &responseRecorder{ResponseWriter: c.Writer, buf: &bytes.Buffer{}}
		c.Writer = recorder
		c.Next()

		if recorder.status >= http.StatusOK && recorder.status < http.StatusMultipleChoices {
			accountID := ""
			if account, ok := accounts.GetAuthenticatedAccount(c); ok {
				accountID = account.ID
			}
			now := time.Now().UTC()
			_ = store.Put(c.Request.Context(), &Record{
				Key:          scopedKey,
				AccountID:    accountID,
				BodyHash:     hash,
				StatusCode:   recorder.status,
				ResponseBody: recorder.buf.Bytes(),
				CreatedAt:    now,
				ExpiresAt:    now.Add(TTL),
			})
		}
	}
}

// responseRecorder tees the handler's response into a buffer so it can be
// persisted after the fact, while still writing through to the client.
type responseRecorder struct {
	gin.ResponseWriter
	buf    *bytes.Buffer
	status int
}

func (r *responseRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (r *responseRecorder) Write(b []byte) (int, error) {
	if r.status == 0 {
		r.status = http.StatusOK
	}
	r.buf.Write(b)
	return r.ResponseWriter.Write(b)
}
