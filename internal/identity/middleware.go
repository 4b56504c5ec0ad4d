package identity

import (
	"net/http"
	"strings"

	"github.com/ethereum/go-ethereum/common"

	loggerpkg "AgentCustody/pkg/logger"
)

// CallerKeyHeader 是承载 API 访问密钥的请求头。
const CallerKeyHeader = "X-Caller-Key"

// MiddlewareConfig 配置调用方认证中间件的行为。
type MiddlewareConfig struct {
	// Keys 将 API 访问密钥映射到调用方地址。
	Keys map[string]common.Address
	// AllowAnonymous 为真时放行未携带密钥的请求（只读端点使用）。
	AllowAnonymous bool
	// AuditEvent 指定记录审计日志时使用的事件名称。
	AuditEvent string
}

// Middleware 返回一个 HTTP 中间件：校验访问密钥并把调用方地址注入上下文。
// 后续的所有者/管理员判定由各业务入口基于调用方地址完成。
func Middleware(cfg MiddlewareConfig) func(http.Handler) http.Handler {
	event := cfg.AuditEvent
	if event == "" {
		event = "caller_denied"
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := strings.TrimSpace(r.Header.Get(CallerKeyHeader))
			if key == "" {
				if cfg.AllowAnonymous {
					next.ServeHTTP(w, r)
					return
				}
				http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
				loggerpkg.Audit().Warn(event,
					"path", r.URL.Path,
					"method", r.Method,
					"reason", "missing caller key",
				)
				return
			}
			caller, ok := cfg.Keys[key]
			if !ok {
				http.Error(w, http.StatusText(http.StatusForbidden), http.StatusForbidden)
				loggerpkg.Audit().Warn(event,
					"path", r.URL.Path,
					"method", r.Method,
					"reason", "unknown caller key",
				)
				return
			}
			next.ServeHTTP(w, r.WithContext(WithCaller(r.Context(), caller)))
		})
	}
}
