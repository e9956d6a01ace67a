package api

import (
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/shopspring/decimal"

	"telegram-coinflip/internal/models"
	"telegram-coinflip/internal/settlement"
)

// 账户

func (s *Server) registerAccount(w http.ResponseWriter, r *http.Request) {
	var req struct {
		TelegramID    int64  `json:"telegram_id"`
		Username      string `json:"username"`
		PayoutAddress string `json:"payout_address"`
	}
	if err := decode(r, &req); err != nil || req.TelegramID <= 0 {
		writeError(w, http.StatusBadRequest, "无效的请求数据")
		return
	}
	acc, err := s.Accounts.Register(r.Context(), req.TelegramID, req.Username, req.PayoutAddress)
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, acc)
}

func (s *Server) getAccount(w http.ResponseWriter, r *http.Request) {
	id, _ := pathID(r)
	acc, err := s.Accounts.Get(r.Context(), id)
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, acc)
}

func (s *Server) changeAddress(w http.ResponseWriter, r *http.Request) {
	id, _ := pathID(r)
	var req struct {
		Address string `json:"address"`
	}
	if err := decode(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "无效的请求数据")
		return
	}
	acc, err := s.Accounts.ChangePayoutAddress(r.Context(), id, req.Address)
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, acc)
}

func (s *Server) getBalance(w http.ResponseWriter, r *http.Request) {
	id, _ := pathID(r)
	acc, err := s.Ledger.Account(r.Context(), id)
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"account_id": acc.ID,
		"balance":    acc.Balance,
		"held":       acc.Held,
		"available":  acc.Available(),
	})
}

func (s *Server) listEntries(w http.ResponseWriter, r *http.Request) {
	id, _ := pathID(r)
	entries, err := s.Ledger.Entries(r.Context(), id, queryLimit(r, 50))
	if err != nil {
		s.fail(w, err)
		return
	}
	if entries == nil {
		entries = []*models.LedgerEntry{}
	}
	writeJSON(w, http.StatusOK, entries)
}

func (s *Server) addressHistory(w http.ResponseWriter, r *http.Request) {
	id, _ := pathID(r)
	history, err := s.Accounts.AddressHistory(r.Context(), id, queryLimit(r, 10))
	if err != nil {
		s.fail(w, err)
		return
	}
	if history == nil {
		history = []*models.AddressChange{}
	}
	writeJSON(w, http.StatusOK, history)
}

func (s *Server) withdraw(w http.ResponseWriter, r *http.Request) {
	id, _ := pathID(r)
	var req struct {
		Amount decimal.Decimal `json:"amount"`
	}
	if err := decode(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "无效的请求数据")
		return
	}
	result, err := s.Payouts.Withdraw(r.Context(), id, req.Amount)
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// 匹配与房间

func (s *Server) quickMatch(w http.ResponseWriter, r *http.Request) {
	var req struct {
		AccountID int64           `json:"account_id"`
		Stake     decimal.Decimal `json:"stake"`
	}
	if err := decode(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "无效的请求数据")
		return
	}
	result, err := s.Match.QuickMatch(r.Context(), req.AccountID, req.Stake)
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) createRoom(w http.ResponseWriter, r *http.Request) {
	var req struct {
		AccountID  int64           `json:"account_id"`
		Stake      decimal.Decimal `json:"stake"`
		TTLSeconds int             `json:"ttl_seconds"`
		Private    bool            `json:"private"`
	}
	if err := decode(r, &req); err != nil || req.TTLSeconds < 0 {
		writeError(w, http.StatusBadRequest, "无效的请求数据")
		return
	}
	ticket, err := s.Match.CreateRoom(r.Context(), req.AccountID, req.Stake, time.Duration(req.TTLSeconds)*time.Second, req.Private)
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, ticket)
}

func (s *Server) openRooms(w http.ResponseWriter, r *http.Request) {
	rooms, err := s.Match.OpenRooms(r.Context(), queryLimit(r, 50))
	if err != nil {
		s.fail(w, err)
		return
	}
	if rooms == nil {
		rooms = []*models.Room{}
	}
	writeJSON(w, http.StatusOK, rooms)
}

type accountRequest struct {
	AccountID int64 `json:"account_id"`
}

func (s *Server) joinRoom(w http.ResponseWriter, r *http.Request) {
	var req accountRequest
	if err := decode(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "无效的请求数据")
		return
	}
	result, err := s.Match.JoinRoom(r.Context(), req.AccountID, mux.Vars(r)["code"])
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) closeRoom(w http.ResponseWriter, r *http.Request) {
	var req accountRequest
	if err := decode(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "无效的请求数据")
		return
	}
	room, err := s.Match.CloseRoom(r.Context(), req.AccountID, mux.Vars(r)["code"])
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, room)
}

// 对局

func (s *Server) getDuel(w http.ResponseWriter, r *http.Request) {
	duel, err := s.Settler.Duel(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, duel)
}

// flipDuel 玩家侧只能随机抛掷
func (s *Server) flipDuel(w http.ResponseWriter, r *http.Request) {
	result, err := s.Settler.Resolve(r.Context(), mux.Vars(r)["id"], settlement.RandomDraw{})
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// 管理

func (s *Server) resolveDuel(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Side models.Side `json:"side"`
	}
	if r.ContentLength != 0 {
		if err := decode(r, &req); err != nil {
			writeError(w, http.StatusBadRequest, "无效的请求数据")
			return
		}
	}

	var src settlement.OutcomeSource = settlement.RandomDraw{}
	if req.Side != "" {
		src = settlement.Override{Side: req.Side}
	}
	id := mux.Vars(r)["id"]
	result, err := s.Settler.Resolve(r.Context(), id, src)
	if err != nil {
		s.fail(w, err)
		return
	}
	s.Logger.InfoWithContext("API", "管理员结算对局 %s，指定结果=%q，结果 %s", id, req.Side, result.Outcome)
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) cancelDuel(w http.ResponseWriter, r *http.Request) {
	duel, err := s.Settler.Cancel(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, duel)
}

func (s *Server) houseDuels(w http.ResponseWriter, r *http.Request) {
	duels, err := s.Settler.ActiveHouseDuels(r.Context(), queryLimit(r, 100))
	if err != nil {
		s.fail(w, err)
		return
	}
	if duels == nil {
		duels = []*models.Duel{}
	}
	writeJSON(w, http.StatusOK, duels)
}

func (s *Server) forceCheck(w http.ResponseWriter, r *http.Request) {
	if s.Reconciler == nil {
		writeError(w, http.StatusServiceUnavailable, "充值对账未启用")
		return
	}
	var req struct {
		AccountID *int64 `json:"account_id"`
	}
	if r.ContentLength != 0 {
		if err := decode(r, &req); err != nil {
			writeError(w, http.StatusBadRequest, "无效的请求数据")
			return
		}
	}
	result, err := s.Reconciler.ForceCheck(r.Context(), req.AccountID)
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) auditAccount(w http.ResponseWriter, r *http.Request) {
	id, _ := pathID(r)
	report, err := s.Ledger.Audit(r.Context(), id)
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

func (s *Server) deactivateAccount(w http.ResponseWriter, r *http.Request) {
	id, _ := pathID(r)
	if err := s.Accounts.Deactivate(r.Context(), id); err != nil {
		s.fail(w, err)
		return
	}
	acc, err := s.Accounts.Get(r.Context(), id)
	if err != nil {
		s.fail(w, err)
		return
	}
	s.Logger.InfoWithContext("API", "管理员停用账户 %d", id)
	writeJSON(w, http.StatusOK, acc)
}

func (s *Server) recheckPayouts(w http.ResponseWriter, r *http.Request) {
	result, err := s.Payouts.Recheck(r.Context())
	if err != nil && result == nil {
		s.fail(w, err)
		return
	}
	if err != nil {
		s.Logger.ErrorWithContext("API", "核实待确认出款部分失败: %v", err)
	}
	writeJSON(w, http.StatusOK, result)
}
