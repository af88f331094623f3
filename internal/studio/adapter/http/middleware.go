package http

import (
	"strings"

	apperrors "studio-core/internal/shared/errors"
	"studio-core/internal/shared/logger"
	"studio-core/internal/shared/utils"
	"studio-core/internal/studio/domain/model"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/requestid"
	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"
)

const (
	localUserID    = "userID"
	localRole      = "role"
	localRequestID = "requestid"
	tokenIssuer    = "studio-core"
)

// Claims are the bearer-token claims the API understands.
type Claims struct {
	UserID string         `json:"user_id"`
	Role   model.UserRole `json:"role"`
	jwt.RegisteredClaims
}

// AuthMiddleware checks HS256 bearer tokens and gates routes by role. With
// no secret configured every request passes.
type AuthMiddleware struct {
	secret []byte
	log    logger.Logger
}

// NewAuthMiddleware creates the middleware. An empty secret disables it.
func NewAuthMiddleware(secret string, log logger.Logger) *AuthMiddleware {
	if log == nil {
		log = logger.NewNopLogger()
	}
	return &AuthMiddleware{secret: []byte(secret), log: log.WithComponent("auth")}
}

// Enabled reports whether tokens are checked.
func (m *AuthMiddleware) Enabled() bool {
	return len(m.secret) > 0
}

// ValidateToken parses and verifies a token.
func (m *AuthMiddleware) ValidateToken(tokenString string) (*Claims, error) {
	if tokenString == "" {
		return nil, apperrors.ErrInvalidToken
	}
	claims := &Claims{}
	_, err := jwt.ParseWithClaims(tokenString, claims, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, apperrors.ErrInvalidToken
		}
		return m.secret, nil
	}, jwt.WithIssuer(tokenIssuer), jwt.WithExpirationRequired())
	if err != nil {
		return nil, apperrors.NewAuthenticationError("invalid token").WithCause(err)
	}
	return claims, nil
}

// RequestID tags every request with an id, echoed in X-Request-ID.
func (m *AuthMiddleware) RequestID() fiber.Handler {
	return requestid.New(requestid.Config{
		Header:     fiber.HeaderXRequestID,
		ContextKey: localRequestID,
	})
}

// withRequestContext copies the request id into the user context for
// logging.
func withRequestContext(c *fiber.Ctx) error {
	if id, ok := c.Locals(localRequestID).(string); ok && id != "" {
		c.SetUserContext(utils.WithRequestID(c.UserContext(), id))
	}
	return c.Next()
}

// Protect requires a valid token when authentication is enabled. Tokens come
// from the Authorization header or, for WebSocket clients, the token query
// parameter.
func (m *AuthMiddleware) Protect() fiber.Handler {
	return func(c *fiber.Ctx) error {
		if !m.Enabled() {
			return c.Next()
		}

		claims, err := m.ValidateToken(extractToken(c))
		if err != nil {
			m.log.WithContext(c.UserContext()).Debug("Rejected request", zap.String("path", c.Path()), zap.Error(err))
			return writeError(c, apperrors.NewAuthenticationError("authentication required"))
		}

		c.Locals(localUserID, claims.UserID)
		c.Locals(localRole, string(claims.Role))
		ctx := utils.WithUserID(c.UserContext(), claims.UserID)
		c.SetUserContext(utils.WithRole(ctx, string(claims.Role)))
		return c.Next()
	}
}

// RequireRole lets the request through only for one of roles. It must run
// after Protect.
func (m *AuthMiddleware) RequireRole(roles ...model.UserRole) fiber.Handler {
	return func(c *fiber.Ctx) error {
		if !m.Enabled() {
			return c.Next()
		}
		role, _ := c.Locals(localRole).(string)
		for _, r := range roles {
			if role == string(r) {
				return c.Next()
			}
		}
		return writeError(c, apperrors.NewAuthorizationError("insufficient permissions"))
	}
}

func extractToken(c *fiber.Ctx) string {
	auth := c.Get(fiber.HeaderAuthorization)
	if strings.HasPrefix(auth, "Bearer ") {
		return strings.TrimSpace(strings.TrimPrefix(auth, "Bearer "))
	}
	return c.Query("token")
}
