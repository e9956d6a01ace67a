// Package api is the operational HTTP surface over the wagering core. The chat
// front end and operator tooling drive every core operation through it.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"

	"telegram-coinflip/internal/account"
	"telegram-coinflip/internal/database"
	"telegram-coinflip/internal/gateway"
	"telegram-coinflip/internal/ledger"
	"telegram-coinflip/internal/logger"
	"telegram-coinflip/internal/matchmaking"
	"telegram-coinflip/internal/monitor"
	"telegram-coinflip/internal/payout"
	"telegram-coinflip/internal/reconciler"
	"telegram-coinflip/internal/settlement"
	"telegram-coinflip/internal/validator"
)

// DepositChecker *reconciler.Reconciler 满足该接口
type DepositChecker interface {
	ForceCheck(ctx context.Context, accountID *int64) (reconciler.Result, error)
}

type Deps struct {
	DB         *database.DB
	Accounts   *account.Service
	Ledger     *ledger.Ledger
	Match      *matchmaking.Service
	Settler    *settlement.Settler
	Payouts    *payout.Dispatcher
	Reconciler DepositChecker
	Logger     *logger.Logger
	Metrics    *monitor.Metrics
}

type AuthConfig struct {
	Secret            []byte
	AdminSecretHash   string
	ServiceSecretHash string
	TokenTTL          time.Duration
}

type Server struct {
	Deps
	auth AuthConfig
	now  func() time.Time
}

func NewServer(deps Deps, auth AuthConfig) *Server {
	if auth.TokenTTL <= 0 {
		auth.TokenTTL = 12 * time.Hour
	}
	return &Server{Deps: deps, auth: auth, now: time.Now}
}

// Router 路由表
func (s *Server) Router() http.Handler {
	r := mux.NewRouter()
	r.Use(s.instrument)

	r.Handle("/metrics", s.Metrics.Handler()).Methods(http.MethodGet)
	r.HandleFunc("/healthz", s.healthz).Methods(http.MethodGet)
	r.HandleFunc("/auth/token", s.issueToken).Methods(http.MethodPost)

	api := r.PathPrefix("/api").Subrouter()
	api.Use(s.authMiddleware)

	api.HandleFunc("/accounts", s.registerAccount).Methods(http.MethodPost)
	api.HandleFunc("/accounts/{id:[0-9]+}", s.getAccount).Methods(http.MethodGet)
	api.HandleFunc("/accounts/{id:[0-9]+}/address", s.changeAddress).Methods(http.MethodPut)
	api.HandleFunc("/accounts/{id:[0-9]+}/balance", s.getBalance).Methods(http.MethodGet)
	api.HandleFunc("/accounts/{id:[0-9]+}/entries", s.listEntries).Methods(http.MethodGet)
	api.HandleFunc("/accounts/{id:[0-9]+}/address-history", s.addressHistory).Methods(http.MethodGet)
	api.HandleFunc("/accounts/{id:[0-9]+}/withdraw", s.withdraw).Methods(http.MethodPost)

	api.HandleFunc("/match/quick", s.quickMatch).Methods(http.MethodPost)
	api.HandleFunc("/rooms", s.createRoom).Methods(http.MethodPost)
	api.HandleFunc("/rooms", s.openRooms).Methods(http.MethodGet)
	api.HandleFunc("/rooms/{code}/join", s.joinRoom).Methods(http.MethodPost)
	api.HandleFunc("/rooms/{code}/close", s.closeRoom).Methods(http.MethodPost)
	api.HandleFunc("/duels/{id}", s.getDuel).Methods(http.MethodGet)
	api.HandleFunc("/duels/{id}/flip", s.flipDuel).Methods(http.MethodPost)

	admin := api.PathPrefix("/admin").Subrouter()
	admin.Use(requireRole(RoleAdmin))
	admin.HandleFunc("/duels/house", s.houseDuels).Methods(http.MethodGet)
	admin.HandleFunc("/duels/{id}/resolve", s.resolveDuel).Methods(http.MethodPost)
	admin.HandleFunc("/duels/{id}/cancel", s.cancelDuel).Methods(http.MethodPost)
	admin.HandleFunc("/reconciler/check", s.forceCheck).Methods(http.MethodPost)
	admin.HandleFunc("/accounts/{id:[0-9]+}/audit", s.auditAccount).Methods(http.MethodGet)
	admin.HandleFunc("/accounts/{id:[0-9]+}/deactivate", s.deactivateAccount).Methods(http.MethodPost)
	admin.HandleFunc("/payouts/recheck", s.recheckPayouts).Methods(http.MethodPost)

	return r
}

func (s *Server) healthz(w http.ResponseWriter, r *http.Request) {
	if err := s.DB.Ping(r.Context()); err != nil {
		writeError(w, http.StatusServiceUnavailable, "数据库不可用")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// statusRecorder 记录响应码供指标使用
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (s *Server) instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		route := "unmatched"
		if current := mux.CurrentRoute(r); current != nil {
			if tpl, err := current.GetPathTemplate(); err == nil {
				route = tpl
			}
		}

		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)

		s.Metrics.HTTPRequests.WithLabelValues(r.Method, route, strconv.Itoa(rec.status)).Inc()
		monitor.ObserveSince(s.Metrics.HTTPDuration.WithLabelValues(r.Method, route), start)
		if rec.status >= http.StatusInternalServerError {
			s.Logger.ErrorWithContext("API", "%s %s -> %d", r.Method, r.URL.Path, rec.status)
		} else {
			s.Logger.DebugWithContext("API", "%s %s -> %d (%v)", r.Method, r.URL.Path, rec.status, time.Since(start))
		}
	})
}

// statusFor 业务错误到HTTP状态码
func statusFor(err error) int {
	switch {
	case errors.Is(err, ledger.ErrInsufficientFunds):
		return http.StatusPaymentRequired
	case errors.Is(err, matchmaking.ErrRoomUnavailable),
		errors.Is(err, settlement.ErrDuelNotActive),
		errors.Is(err, database.ErrConcurrencyConflict),
		errors.Is(err, account.ErrAddressInUse):
		return http.StatusConflict
	case errors.Is(err, matchmaking.ErrNoMatch),
		errors.Is(err, gateway.ErrUnavailable):
		return http.StatusServiceUnavailable
	case errors.Is(err, ledger.ErrAccountNotFound),
		errors.Is(err, account.ErrNotFound),
		errors.Is(err, settlement.ErrDuelNotFound),
		errors.Is(err, database.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, matchmaking.ErrNotRoomCreator):
		return http.StatusForbidden
	case errors.Is(err, validator.ErrTooFrequent):
		return http.StatusTooManyRequests
	case errors.Is(err, validator.ErrStakeOutOfRange),
		errors.Is(err, ledger.ErrInvalidAmount),
		errors.Is(err, account.ErrInvalidAddress),
		errors.Is(err, settlement.ErrOverrideNotAllowed),
		errors.Is(err, settlement.ErrInvalidSide),
		errors.Is(err, payout.ErrNoPayoutAddress),
		errors.Is(err, payout.ErrAmountTooSmall):
		return http.StatusBadRequest
	case errors.Is(err, payout.ErrDispatchFailed),
		errors.Is(err, payout.ErrUnconfirmed):
		return http.StatusBadGateway
	}
	return http.StatusInternalServerError
}

func (s *Server) fail(w http.ResponseWriter, err error) {
	status := statusFor(err)
	if status == http.StatusInternalServerError {
		s.Logger.ErrorWithContext("API", "内部错误: %v", err)
		writeError(w, status, "内部错误")
		return
	}
	writeError(w, status, err.Error())
}

func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func decode(r *http.Request, v interface{}) error {
	if r.Body == nil {
		return errors.New("请求体为空")
	}
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	return dec.Decode(v)
}

func pathID(r *http.Request) (int64, error) {
	return strconv.ParseInt(mux.Vars(r)["id"], 10, 64)
}

func queryLimit(r *http.Request, fallback int) int {
	if n, err := strconv.Atoi(r.URL.Query().Get("limit")); err == nil && n > 0 && n <= 500 {
		return n
	}
	return fallback
}
