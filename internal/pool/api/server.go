package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"hivemind/internal/pool/ledger"
	"hivemind/internal/pool/matcher"
	"hivemind/internal/pool/orchestrator"
	"hivemind/internal/pool/registry"
	"hivemind/pkg/store"

	"go.uber.org/zap"
)

// Server 节点池的请求/响应边界
// 传输只是外壳：业务失败一律转成带 kind 的结构化响应，
// 存储不可用映射为 503，调用方据此决定是否重试
type Server struct {
	registry *registry.Registry
	matcher  *matcher.Matcher
	ledger   *ledger.Ledger
	orch     *orchestrator.Orchestrator
	hub      *Hub
	log      *zap.Logger

	httpSrv *http.Server
}

func NewServer(addr string, reg *registry.Registry, m *matcher.Matcher, l *ledger.Ledger, orch *orchestrator.Orchestrator, hub *Hub, log *zap.Logger) *Server {
	s := &Server{
		registry: reg,
		matcher:  m,
		ledger:   l,
		orch:     orch,
		hub:      hub,
		log:      log,
	}

	mux := http.NewServeMux()
	mux.HandleFunc("POST /v1/nodes/register", s.handleRegisterNode)
	mux.HandleFunc("POST /v1/nodes/heartbeat", s.handleHeartbeat)
	mux.HandleFunc("GET /v1/nodes", s.handleListNodes)
	mux.HandleFunc("GET /v1/nodes/ws", s.hub.handleWS)
	mux.HandleFunc("POST /v1/resources/request", s.handleRequestResource)
	mux.HandleFunc("POST /v1/users/register", s.handleRegisterUser)
	mux.HandleFunc("POST /v1/users/login", s.handleLogin)
	mux.HandleFunc("POST /v1/users/logout", s.handleLogout)
	mux.HandleFunc("POST /v1/users/transfer", s.handleTransfer)
	mux.HandleFunc("GET /v1/users/balance", s.handleBalance)
	mux.HandleFunc("GET /v1/cluster/health", s.handleClusterHealth)

	s.httpSrv = &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	return s
}

// Run 启动 HTTP 服务直到 ctx 取消
func (s *Server) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		s.log.Info("api server listening", zap.String("addr", s.httpSrv.Addr))
		errCh <- s.httpSrv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return s.httpSrv.Shutdown(shutdownCtx)
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

// ---------------------------------------------------------
// 响应编码
// ---------------------------------------------------------

type apiResponse struct {
	OK      bool        `json:"ok"`
	Kind    string      `json:"kind,omitempty"` // 失败类别，调用方按它分支
	Message string      `json:"message,omitempty"`
	Data    interface{} `json:"data,omitempty"`
}

func writeJSON(w http.ResponseWriter, code int, resp apiResponse) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(resp)
}

func writeOK(w http.ResponseWriter, message string, data interface{}) {
	writeJSON(w, http.StatusOK, apiResponse{OK: true, Message: message, Data: data})
}

// writeError 把错误分类映射到 HTTP 状态码和 kind
// 业务规则失败是正常返回值，不是服务器故障
func (s *Server) writeError(w http.ResponseWriter, err error) {
	type mapping struct {
		target error
		code   int
		kind   string
	}
	mappings := []mapping{
		{registry.ErrNotRegistered, http.StatusNotFound, "not_registered"},
		{matcher.ErrNoEligibleNode, http.StatusConflict, "no_eligible_node"},
		{orchestrator.ErrNoNodeAvailable, http.StatusConflict, "no_eligible_node"},
		{orchestrator.ErrHandoffFailed, http.StatusBadGateway, "handoff_failed"},
		{orchestrator.ErrUnknownSession, http.StatusNotFound, "unknown_session"},
		{ledger.ErrUsernameTaken, http.StatusConflict, "username_taken"},
		{ledger.ErrInvalidCredentials, http.StatusUnauthorized, "invalid_credentials"},
		{ledger.ErrAccountDisabled, http.StatusForbidden, "account_disabled"},
		{ledger.ErrUnknownAccount, http.StatusNotFound, "unknown_account"},
		{ledger.ErrInvalidAmount, http.StatusBadRequest, "invalid_amount"},
		{ledger.ErrInsufficientBalance, http.StatusPaymentRequired, "insufficient_balance"},
		{ledger.ErrTokenExpired, http.StatusUnauthorized, "invalid_token"},
		{ledger.ErrTokenRevoked, http.StatusUnauthorized, "invalid_token"},
		{ledger.ErrTokenInvalid, http.StatusUnauthorized, "invalid_token"},
		{store.ErrNotFound, http.StatusNotFound, "not_found"},
		{store.ErrUnavailable, http.StatusServiceUnavailable, "store_unavailable"},
	}
	for _, m := range mappings {
		if errors.Is(err, m.target) {
			writeJSON(w, m.code, apiResponse{OK: false, Kind: m.kind, Message: err.Error()})
			return
		}
	}
	s.log.Error("internal error", zap.Error(err))
	writeJSON(w, http.StatusInternalServerError, apiResponse{OK: false, Kind: "internal", Message: "internal error"})
}

func decodeBody(w http.ResponseWriter, r *http.Request, out interface{}) bool {
	if err := json.NewDecoder(r.Body).Decode(out); err != nil {
		writeJSON(w, http.StatusBadRequest, apiResponse{OK: false, Kind: "bad_request", Message: "malformed request body"})
		return false
	}
	return true
}

// authenticate 解析 Bearer token，失败时已写好响应
func (s *Server) authenticate(w http.ResponseWriter, r *http.Request) (string, bool) {
	token := bearerToken(r)
	if token == "" {
		writeJSON(w, http.StatusUnauthorized, apiResponse{OK: false, Kind: "invalid_token", Message: "missing bearer token"})
		return "", false
	}
	username, err := s.ledger.VerifyToken(token)
	if err != nil {
		s.writeError(w, err)
		return "", false
	}
	return username, true
}

func bearerToken(r *http.Request) string {
	h := r.Header.Get("Authorization")
	if strings.HasPrefix(h, "Bearer ") {
		return strings.TrimPrefix(h, "Bearer ")
	}
	return ""
}
