package httpapi

import (
	"net/http"
	"strconv"
	"strings"

	"token_console/internal/config"
)

var (
	corsAllowHeaders  = []string{"Content-Type", "Authorization", "X-Request-ID"}
	corsAllowMethods  = []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"}
	corsExposeHeaders = []string{"X-Request-ID"}
)

func corsMiddleware(cfg config.CorsConfig, next http.Handler) http.Handler {
	maxAge := strconv.Itoa(600)

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if allowed := allowedOrigin(cfg.AllowOrigins, r.Header.Get("Origin")); allowed != "" {
			h := w.Header()
			h.Set("Access-Control-Allow-Origin", allowed)
			if allowed != "*" {
				h.Add("Vary", "Origin")
			}
			if cfg.AllowCredentials {
				h.Set("Access-Control-Allow-Credentials", "true")
			}
			h.Set("Access-Control-Allow-Headers", strings.Join(corsAllowHeaders, ", "))
			h.Set("Access-Control-Allow-Methods", strings.Join(corsAllowMethods, ", "))
			h.Set("Access-Control-Expose-Headers", strings.Join(corsExposeHeaders, ", "))
			h.Set("Access-Control-Max-Age", maxAge)
		}

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func allowedOrigin(origins []string, origin string) string {
	for _, o := range origins {
		if o == "*" {
			return "*"
		}
		if origin != "" && strings.EqualFold(o, origin) {
			return origin
		}
	}
	return ""
}
