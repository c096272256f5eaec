package accounts

import (
	"bytes"
	"io"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/a2a-settlement/exchange/internal/apierror"
)

type contextKey string

const contextKeyAccount contextKey = "authenticated_account"

// RequireAuth validates the Authorization bearer token and, if an HMAC
// signing header set is present, the request signature. It aborts with
// AUTH_REQUIRED/AUTH_INVALID on failure.
func RequireAuth(svc *Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		header := c.GetHeader("Authorization")
		if !strings.HasPrefix(header, "Bearer ") {
			apierror.Write(c, apierror.New(apierror.CodeAuthRequired, "missing bearer token"))
			c.Abort()
			return
		}
		token := strings.TrimPrefix(header, "Bearer ")

		account, err := svc.Authenticate(c.Request.Context(), token)
		if err != nil {
			apierror.Write(c, apierror.New(apierror.CodeAuthInvalid, "invalid or unknown api key"))
			c.Abort()
			return
		}

		if ts := c.GetHeader("X-A2A-Timestamp"); ts != "" {
			sig := c.GetHeader("X-A2A-Signature")
			var body []byte
			if c.Request.Body != nil {
				body, _ = io.ReadAll(c.Request.Body)
				c.Request.Body = io.NopCloser(bytes.NewReader(body))
			}
			if err := svc.VerifySignature(token, ts, c.Request.Method, c.Request.URL.Path, body, sig); err != nil {
				apierror.Write(c, apierror.New(apierror.CodeAuthInvalid, "invalid request signature"))
				c.Abort()
				return
			}
		}

		if account.Status == StatusSuspended {
			apierror.Write(c, apierror.New(apierror.CodeForbidden, "account is suspended"))
			c.Abort()
			return
		}

		c.Set(string(contextKeyAccount), account)
		c.Next()
	}
}

// RequireOperator extends RequireAuth's result, aborting unless the
// authenticated account has operator status.
func RequireOperator() gin.HandlerFunc {
	return func(c *gin.Context) {
		account, ok := GetAuthenticatedAccount(c)
		if !ok {
			apierror.Write(c, apierror.New(apierror.CodeAuthRequired, "authentication required"))
			c.Abort()
			return
		}
		if account.Status != StatusOperator {
			apierror.Write(c, apierror.New(apierror.CodeForbidden, "operator privileges required"))
			c.Abort()
			return
		}
		c.Next()
	}
}

// GetAuthenticatedAccount retrieves the account attached by RequireAuth.
func GetAuthenticatedAccount(c *gin.Context) (*Account, bool) {
	v, ok := c.Get(string(contextKeyAccount))
	if !ok {
		return nil, false
	}
	a, ok := v.(*Account)
	return a, ok
}
