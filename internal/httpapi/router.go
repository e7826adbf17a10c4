// Package httpapi 提供只读诊断 HTTP 接口：
// 开放会话、相机轨迹表、班次状态、主机资源与日报下载。
// 使用标准库 http.ServeMux，不引入第三方路由。
package httpapi

import (
	"net/http"
	"strings"

	"go.uber.org/zap"
)

// Router 基于标准库 ServeMux 的路由器
type Router struct {
	mux    *http.ServeMux
	logger *zap.Logger
}

// NewRouter 创建路由器
func NewRouter(logger *zap.Logger) *Router {
	return &Router{
		mux:    http.NewServeMux(),
		logger: logger,
	}
}

func (r *Router) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	r.mux.ServeHTTP(w, req)
}

// handleGet 注册只接受 GET 的路由
func (r *Router) handleGet(pattern string, h http.HandlerFunc) {
	r.mux.HandleFunc(pattern, func(w http.ResponseWriter, req *http.Request) {
		if req.Method != http.MethodGet {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		h(w, req)
	})
}

// Register 注册诊断接口路由
func (r *Router) Register(h *Handler) {
	r.handleGet("/health", h.Health)
	r.handleGet("/api/v1/sessions/active", h.ActiveSessions)
	r.handleGet("/api/v1/schedule/current", h.ScheduleCurrent)
	r.handleGet("/api/v1/system", h.System)
	r.handleGet("/api/v1/reports/daily", h.DailyReport)

	// cameras/{camera_id}/tracks
	r.handleGet("/api/v1/cameras/", func(w http.ResponseWriter, req *http.Request) {
		rest := strings.TrimPrefix(req.URL.Path, "/api/v1/cameras/")
		parts := strings.Split(rest, "/")
		if len(parts) != 2 || parts[0] == "" || parts[1] != "tracks" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		h.CameraTracks(w, req, parts[0])
	})
}
