package auth

import (
	"errors"
	"io"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/gin-gonic/gin/binding"
	"go.uber.org/zap"

	"github.com/example/food-calorie/internal/apperr"
)

const (
	credentialField = "token"
	// identityKey is the gin context key holding the authenticated Identity.
	identityKey = "authIdentity"
	// multipartMemory matches gin's default MaxMultipartMemory.
	multipartMemory = 32 << 20
)

// Middleware authenticates every request through gate and stores the identity in the
// request context. The credential is read, in order, from an Authorization bearer header,
// a "token" form field, a "token" JSON body field, or a "token" query parameter.
func Middleware(gate *Gate, logger *zap.Logger) gin.HandlerFunc {
	logger = logger.Named("auth_middleware")

	return func(c *gin.Context) {
		credential, err := credentialFrom(c)
		if err == nil {
			var identity Identity
			identity, err = gate.Authenticate(c.Request.Context(), credential)
			if err == nil {
				c.Request = c.Request.WithContext(withIdentity(c.Request.Context(), identity))
				c.Set(identityKey, identity)
				c.Next()
				return
			}
		}

		status := apperr.HTTPStatus(err)
		logger.Info("request not authenticated",
			zap.String("path", c.FullPath()),
			zap.Int("status", status),
			zap.Error(err),
		)
		if status == http.StatusUnauthorized {
			c.Header("WWW-Authenticate", "Bearer")
		}
		c.AbortWithStatusJSON(status, gin.H{
			"error":   apperr.KindOf(err),
			"message": apperr.MessageOf(err),
		})
	}
}

const credentialOp = "auth.credential"

func credentialFrom(c *gin.Context) (string, error) {
	if header := c.GetHeader("Authorization"); header != "" {
		return extractBearerToken(header)
	}

	switch c.ContentType() {
	case gin.MIMEMultipartPOSTForm:
		if err := c.Request.ParseMultipartForm(multipartMemory); err != nil {
			return "", bodyError(err)
		}
		if token := c.PostForm(credentialField); token != "" {
			return token, nil
		}
	case gin.MIMEPOSTForm:
		if err := c.Request.ParseForm(); err != nil {
			return "", bodyError(err)
		}
		if token := c.PostForm(credentialField); token != "" {
			return token, nil
		}
	case gin.MIMEJSON:
		var body struct {
			Token string `json:"token"`
		}
		// ShouldBindBodyWith caches the raw body so handlers can bind it again.
		if err := c.ShouldBindBodyWith(&body, binding.JSON); err != nil && !errors.Is(err, io.EOF) {
			return "", bodyError(err)
		}
		if body.Token != "" {
			return body.Token, nil
		}
	}

	return c.Query(credentialField), nil
}

func bodyError(err error) error {
	var tooLarge *http.MaxBytesError
	if errors.As(err, &tooLarge) {
		return apperr.New(apperr.KindValidation, credentialOp, "request body exceeds upload limit", err)
	}
	return apperr.New(apperr.KindValidation, credentialOp, "malformed request body", err)
}

func extractBearerToken(header string) (string, error) {
	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return "", apperr.New(apperr.KindAuth, credentialOp, "invalid authorization header", ErrInvalidCredential)
	}
	token := strings.TrimSpace(parts[1])
	if token == "" {
		return "", apperr.New(apperr.KindAuth, credentialOp, "token missing", ErrInvalidCredential)
	}
	return token, nil
}

// IdentityFromGin returns the identity stored on c by Middleware.
func IdentityFromGin(c *gin.Context) (Identity, bool) {
	if value, ok := c.Get(identityKey); ok {
		if identity, ok := value.(Identity); ok && !identity.IsZero() {
			return identity, true
		}
	}
	return IdentityFrom(c.Request.Context())
}
