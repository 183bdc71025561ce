package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/JakeFAU/verifyd/internal/orchestrator"
	"github.com/JakeFAU/verifyd/internal/service"
)

const (
	maxPayloadBytes = 1 << 20
	historyLimit    = 10
)

type registerRequest struct {
	ReferralCode string `json:"referral_code"`
}

type voucherRequest struct {
	Code string `json:"code"`
}

type submitResponse struct {
	JobID    orchestrator.JobID `json:"job_id"`
	Status   string             `json:"status"`
	Position int                `json:"position,omitempty"`
	Result   *resultView        `json:"result,omitempty"`
}

type resultView struct {
	Status   orchestrator.JobStatus `json:"status"`
	Category orchestrator.Category  `json:"category"`
	Reason   string                 `json:"reason,omitempty"`
	Refunded bool                   `json:"refunded"`
}

func newResultView(res orchestrator.Result) *resultView {
	return &resultView{
		Status:   res.Status,
		Category: res.Category(),
		Reason:   res.Reason,
		Refunded: res.Refunded,
	}
}

func (s *Server) register(w http.ResponseWriter, r *http.Request) {
	userID, ok := s.userID(w, r)
	if !ok {
		return
	}
	var req registerRequest
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
			s.writeError(w, http.StatusBadRequest, "invalid JSON")
			return
		}
	}
	acct, created, err := s.backend.Register(r.Context(), userID, req.ReferralCode)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	status := http.StatusOK
	if created {
		status = http.StatusCreated
	}
	s.writeJSON(w, status, map[string]any{"account": acct, "created": created})
}

// submitJob takes the raw request body as the job payload. With ?wait=<dur>
// it long-polls for the terminal result.
func (s *Server) submitJob(w http.ResponseWriter, r *http.Request) {
	userID, ok := s.userID(w, r)
	if !ok {
		return
	}
	body, err := io.ReadAll(io.LimitReader(r.Body, maxPayloadBytes+1))
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "read body")
		return
	}
	if len(body) > maxPayloadBytes {
		s.writeError(w, http.StatusRequestEntityTooLarge, "payload too large")
		return
	}
	if len(body) > 0 && !json.Valid(body) {
		s.writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	var wait time.Duration
	if raw := r.URL.Query().Get("wait"); raw != "" {
		wait, err = time.ParseDuration(raw)
		if err != nil || wait < 0 {
			s.writeError(w, http.StatusBadRequest, "invalid wait duration")
			return
		}
		wait = min(wait, s.cfg.MaxWait)
	}

	handle, err := s.backend.Submit(r.Context(), userID, orchestrator.Payload(body))
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	resp := submitResponse{JobID: handle.ID(), Status: string(orchestrator.JobStatusQueued)}
	if st, err := s.backend.Status(r.Context(), handle.ID()); err == nil {
		resp.Status = string(st.Status)
		resp.Position = st.Position
	}
	if wait > 0 {
		ctx, cancel := context.WithTimeout(r.Context(), wait)
		defer cancel()
		if res, err := handle.Wait(ctx); err == nil {
			resp.Status = string(res.Status)
			resp.Position = 0
			resp.Result = newResultView(res)
			s.writeJSON(w, http.StatusOK, resp)
			return
		}
	}
	s.writeJSON(w, http.StatusAccepted, resp)
}

func (s *Server) getAccount(w http.ResponseWriter, r *http.Request) {
	userID, ok := s.userID(w, r)
	if !ok {
		return
	}
	acct, err := s.backend.Account(r.Context(), userID)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	jobs, err := s.backend.History(r.Context(), userID, historyLimit)
	if err != nil {
		s.logger.Warn("list job history failed", zap.Int64("user_id", userID), zap.Error(err))
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"account": acct, "jobs": jobs})
}

func (s *Server) redeemVoucher(w http.ResponseWriter, r *http.Request) {
	userID, ok := s.userID(w, r)
	if !ok {
		return
	}
	var req voucherRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Code == "" {
		s.writeError(w, http.StatusBadRequest, "missing voucher code")
		return
	}
	amount, err := s.backend.RedeemVoucher(r.Context(), userID, req.Code)
	outcome := service.VoucherOutcome(err)
	switch outcome {
	case "ok":
		s.writeJSON(w, http.StatusOK, map[string]any{"outcome": outcome, "amount": amount})
	case "invalid":
		s.writeJSON(w, http.StatusNotFound, map[string]any{"outcome": outcome})
	case "expired":
		s.writeJSON(w, http.StatusGone, map[string]any{"outcome": outcome})
	case "limit_reached":
		s.writeJSON(w, http.StatusConflict, map[string]any{"outcome": outcome})
	default:
		s.writeServiceError(w, err)
	}
}

func (s *Server) getJob(w http.ResponseWriter, r *http.Request) {
	jobID, ok := s.jobID(w, r)
	if !ok {
		return
	}
	st, err := s.backend.Status(r.Context(), jobID)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, st)
}

func (s *Server) cancelJob(w http.ResponseWriter, r *http.Request) {
	jobID, ok := s.jobID(w, r)
	if !ok {
		return
	}
	if !s.backend.Cancel(r.Context(), jobID) {
		s.writeError(w, http.StatusConflict, "job is not queued")
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"job_id": jobID, "status": orchestrator.JobStatusCancelled})
}

func (s *Server) queueStatus(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, s.backend.QueueStatus())
}

func (s *Server) proxies(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]any{"proxies": s.backend.Proxies()})
}

func (s *Server) stats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.backend.Stats(r.Context())
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{
		"total":        stats.Total,
		"success":      stats.Success,
		"failed":       stats.Failed,
		"success_rate": stats.SuccessRate(),
	})
}

func (s *Server) userID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, "user_id"), 10, 64)
	if err != nil || id <= 0 {
		s.writeError(w, http.StatusBadRequest, "invalid user id")
		return 0, false
	}
	return id, true
}

func (s *Server) jobID(w http.ResponseWriter, r *http.Request) (orchestrator.JobID, bool) {
	id, err := strconv.ParseUint(chi.URLParam(r, "job_id"), 10, 64)
	if err != nil || id == 0 {
		s.writeError(w, http.StatusBadRequest, "invalid job id")
		return 0, false
	}
	return orchestrator.JobID(id), true
}

var errorStatus = []struct {
	err    error
	status int
}{
	{orchestrator.ErrInsufficientCredit, http.StatusPaymentRequired},
	{orchestrator.ErrRateLimited, http.StatusTooManyRequests},
	{orchestrator.ErrLimitReached, http.StatusServiceUnavailable},
	{orchestrator.ErrQueueClosed, http.StatusServiceUnavailable},
	{orchestrator.ErrJobNotFound, http.StatusNotFound},
	{orchestrator.ErrAccountNotFound, http.StatusNotFound},
	{orchestrator.ErrReferralCodeUnknown, http.StatusNotFound},
	{orchestrator.ErrSelfReferral, http.StatusBadRequest},
	{orchestrator.ErrAlreadyReferred, http.StatusConflict},
}

// writeServiceError maps core sentinel errors to status codes. Anything else
// is logged and reported as a bare 500.
func (s *Server) writeServiceError(w http.ResponseWriter, err error) {
	for _, e := range errorStatus {
		if errors.Is(err, e.err) {
			s.writeError(w, e.status, e.err.Error())
			return
		}
	}
	s.logger.Error("request failed", zap.Error(err))
	s.writeError(w, http.StatusInternalServerError, "internal error")
}
