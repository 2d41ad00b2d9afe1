package api

import (
	"math/big"
	"net/http"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common/hexutil"

	"AgentDCA/internal/agentkey"
	xerrors "AgentDCA/internal/errors"
	"AgentDCA/internal/order"
)

type generateKeyRequest struct {
	UserAddress string `json:"userAddress"`
}

type storeSessionKeyRequest struct {
	UserAddress        string `json:"userAddress"`
	SmartWalletAddress string `json:"smartWalletAddress"`
	PrivateKey         string `json:"privateKey"`
	SessionKeyApproval string `json:"sessionKeyApproval"`
	Provider           string `json:"provider"`
}

type updateKeyRequest struct {
	SmartWalletAddress *string `json:"smartWalletAddress"`
	SessionKeyApproval *string `json:"sessionKeyApproval"`
	Provider           *string `json:"provider"`
}

type createOrderRequest struct {
	UserAddress        string `json:"userAddress"`
	AgentKeyID         string `json:"agentKeyId"`
	FromToken          string `json:"fromToken"`
	ToToken            string `json:"toToken"`
	DestinationAddress string `json:"destinationAddress"`
	TotalAmount        string `json:"totalAmount"`
	Frequency          string `json:"frequency"`
	TotalExecutions    int    `json:"totalExecutions"`
	StartAt            string `json:"startAt"`
}

type reasonRequest struct {
	Reason string `json:"reason"`
}

type reauthorizeRequest struct {
	AgentKeyID string `json:"agentKeyId"`
}

func (s *Server) handleGenerateKey(w http.ResponseWriter, r *http.Request) {
	var req generateKeyRequest
	if err := decode(w, r, &req); err != nil {
		writeError(w, err)
		return
	}
	key, err := s.keys.Generate(r.Context(), req.UserAddress)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, key)
}

func (s *Server) handleStoreSessionKey(w http.ResponseWriter, r *http.Request) {
	var req storeSessionKeyRequest
	if err := decode(w, r, &req); err != nil {
		writeError(w, err)
		return
	}
	raw := strings.TrimSpace(req.PrivateKey)
	if !strings.HasPrefix(raw, "0x") {
		raw = "0x" + raw
	}
	priv, err := hexutil.Decode(raw)
	if err != nil {
		writeError(w, xerrors.New(xerrors.CodeInvalidArgument, "privateKey 必须是十六进制字符串"))
		return
	}
	key, err := s.keys.StoreSessionKey(r.Context(), agentkey.StoreInput{
		UserAddress:        req.UserAddress,
		SmartWalletAddress: req.SmartWalletAddress,
		PrivateKey:         priv,
		Approval:           req.SessionKeyApproval,
		Provider:           req.Provider,
	})
	clear(priv)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, key)
}

func (s *Server) handleGetKey(w http.ResponseWriter, r *http.Request) {
	key, err := s.keys.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, key)
}

func (s *Server) handleUpdateKey(w http.ResponseWriter, r *http.Request) {
	var req updateKeyRequest
	if err := decode(w, r, &req); err != nil {
		writeError(w, err)
		return
	}
	key, err := s.keys.Update(r.Context(), r.PathValue("id"), agentkey.Patch{
		SmartWalletAddress: req.SmartWalletAddress,
		SessionKeyApproval: req.SessionKeyApproval,
		Provider:           req.Provider,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, key)
}

func (s *Server) handleDeactivateKey(w http.ResponseWriter, r *http.Request) {
	if err := s.keys.Deactivate(r.Context(), r.PathValue("id")); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleKeyByWallet(w http.ResponseWriter, r *http.Request) {
	key, err := s.keys.GetByWallet(r.Context(), r.PathValue("address"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, key)
}

func (s *Server) handleKeysByUser(w http.ResponseWriter, r *http.Request) {
	keys, err := s.keys.ListByUser(r.Context(), r.PathValue("address"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"agentKeys": keys})
}

func (s *Server) handleCreateOrder(w http.ResponseWriter, r *http.Request) {
	var req createOrderRequest
	if err := decode(w, r, &req); err != nil {
		writeError(w, err)
		return
	}
	amount, ok := new(big.Int).SetString(strings.TrimSpace(req.TotalAmount), 10)
	if !ok {
		writeError(w, xerrors.New(xerrors.CodeInvalidArgument, "totalAmount 必须是十进制整数字符串"))
		return
	}
	var startAt time.Time
	if req.StartAt != "" {
		t, err := time.Parse(time.RFC3339, req.StartAt)
		if err != nil {
			writeError(w, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "startAt 必须是 RFC3339 时间"))
			return
		}
		startAt = t
	}
	o, err := s.orders.Create(r.Context(), order.CreateRequest{
		UserAddress:        req.UserAddress,
		AgentKeyID:         req.AgentKeyID,
		FromToken:          req.FromToken,
		ToToken:            req.ToToken,
		DestinationAddress: req.DestinationAddress,
		TotalAmount:        amount,
		Frequency:          order.Frequency(req.Frequency),
		TotalExecutions:    req.TotalExecutions,
		StartAt:            startAt,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, o)
}

func (s *Server) handleGetOrder(w http.ResponseWriter, r *http.Request) {
	o, err := s.orders.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, o)
}

func (s *Server) handleOrdersByUser(w http.ResponseWriter, r *http.Request) {
	orders, err := s.orders.ListByUser(r.Context(), r.PathValue("address"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"orders": orders})
}

// readReason 允许空请求体。
func readReason(w http.ResponseWriter, r *http.Request) (string, error) {
	if r.ContentLength == 0 {
		return "", nil
	}
	var req reasonRequest
	if err := decode(w, r, &req); err != nil {
		return "", err
	}
	return req.Reason, nil
}

func (s *Server) handleCancelOrder(w http.ResponseWriter, r *http.Request) {
	reason, err := readReason(w, r)
	if err != nil {
		writeError(w, err)
		return
	}
	if reason == "" {
		reason = "cancelled by operator"
	}
	o, err := s.orders.Cancel(r.Context(), r.PathValue("id"), reason)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, o)
}

func (s *Server) handlePauseOrder(w http.ResponseWriter, r *http.Request) {
	reason, err := readReason(w, r)
	if err != nil {
		writeError(w, err)
		return
	}
	if reason == "" {
		reason = "paused by operator"
	}
	o, err := s.orders.Pause(r.Context(), r.PathValue("id"), reason)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, o)
}

func (s *Server) handleResumeOrder(w http.ResponseWriter, r *http.Request) {
	o, err := s.orders.Resume(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, o)
}

func (s *Server) handleReauthorizeOrder(w http.ResponseWriter, r *http.Request) {
	var req reauthorizeRequest
	if err := decode(w, r, &req); err != nil {
		writeError(w, err)
		return
	}
	o, err := s.orders.Reauthorize(r.Context(), r.PathValue("id"), req.AgentKeyID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, o)
}

func (s *Server) handleTick(w http.ResponseWriter, r *http.Request) {
	report, err := s.scheduler.Tick(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

func (s *Server) handleReconcile(w http.ResponseWriter, r *http.Request) {
	res, err := s.maintenance.Run(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleBackfill(w http.ResponseWriter, r *http.Request) {
	res, err := s.maintenance.Backfill(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.maintenance.Stats(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (s *Server) handleChains(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"chains": s.chains.Snapshots(r.Context())})
}
