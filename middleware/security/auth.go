package security

import (
	"errors"
	"net/http"
	"strings"

	"SProject/global"
	"SProject/tools/errs"
	sec "SProject/tools/security"

	"github.com/gin-gonic/gin"
	jwtlib "github.com/golang-jwt/jwt/v5"
)

// —— context key ——
// 后续 handler 统一用这俩 key 读取
const (
	CtxUserIDKey = "user_id" // string
	CtxClaimsKey = "claims"  // *sec.JWTClaims
)

type Options struct {
	HeaderToken               string // 默认 "authorization"
	EnableAuthorizationBearer bool   // 默认 true
	Secret                    []byte
}

func DefaultOptions() *Options {
	return &Options{
		HeaderToken:               "authorization",
		EnableAuthorizationBearer: true,
		Secret:                    global.GetJwtSecret(),
	}
}

// Middleware 校验 JWT 并把 user_id 写进 gin context。
// 没有可信 user 的请求到不了业务层。
func Middleware(opts *Options) gin.HandlerFunc {
	if opts == nil {
		opts = DefaultOptions()
	}
	jwtOpts := sec.DefaultOptions(opts.Secret)
	return func(c *gin.Context) {
		token := strings.TrimSpace(c.GetHeader(opts.HeaderToken))

		// 兼容 Authorization: Bearer xxx
		if token == "" && opts.EnableAuthorizationBearer {
			if authz := strings.TrimSpace(c.GetHeader("Authorization")); authz != "" {
				if strings.HasPrefix(strings.ToLower(authz), "bearer ") {
					token = strings.TrimSpace(authz[len("bearer "):])
				}
			}
		}

		if token == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, global.Fail(errs.ErrTokenInvalid.Wrap()))
			return
		}

		claims, err := sec.Verify(jwtOpts, token)
		if err != nil {
			if errors.Is(err, jwtlib.ErrTokenExpired) {
				c.AbortWithStatusJSON(http.StatusUnauthorized, global.Fail(errs.ErrTokenExpired.Wrap()))
			} else {
				c.AbortWithStatusJSON(http.StatusUnauthorized, global.Fail(errs.ErrTokenInvalid.WrapMsg(err.Error())))
			}
			return
		}
		userID := claims.UserID()
		if userID == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, global.Fail(errs.ErrTokenInvalid.WrapMsg("missing sub")))
			return
		}

		c.Set(CtxUserIDKey, userID)
		c.Set(CtxClaimsKey, claims)
		c.Next()
	}
}

// UserID 从 context 取已认证的用户；中间件之后调用必然有值。
func UserID(c *gin.Context) string {
	return c.GetString(CtxUserIDKey)
}
