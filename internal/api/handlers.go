package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"github.com/agrifutures/futures-engine/internal/apperr"
	"github.com/agrifutures/futures-engine/internal/mobilemoney"
	"github.com/agrifutures/futures-engine/internal/pricing"
)

const (
	mobileMoneyWebhookPath = "/webhook/mobile-money"
	maxBodyBytes           = 64 << 10
)

// smsWebhook accepts the gateway's form post (From, Body). The reply goes
// out through the interpreter's sender; the gateway only needs an ack.
func (s *Server) smsWebhook(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := r.ParseForm(); err != nil {
		s.writeError(w, r, apperr.Wrap(apperr.CodeValidation, err, "invalid form body"))
		return
	}
	from := strings.TrimSpace(r.PostForm.Get("From"))
	if from == "" {
		s.writeError(w, r, apperr.New(apperr.CodeValidation, "From is required"))
		return
	}
	s.sms.Handle(r.Context(), from, r.PostForm.Get("Body"))
	writeJSON(w, http.StatusOK, map[string]string{"status": "success"})
}

// mobileMoneyWebhook applies an asynchronous payment confirmation.
// Unknown payments and non-final statuses are acknowledged and ignored so
// the processor stops redelivering them.
func (s *Server) mobileMoneyWebhook(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		s.writeError(w, r, apperr.Wrap(apperr.CodeValidation, err, "unreadable body"))
		return
	}
	if s.verifier != nil {
		if err := s.verifier.VerifyWebhook(r, mobileMoneyWebhookPath, body); err != nil {
			s.writeError(w, r, apperr.Wrap(apperr.CodeForbidden, err, "invalid webhook signature"))
			return
		}
	}
	ev, err := mobilemoney.ParseEvent(body)
	if err != nil {
		s.writeError(w, r, apperr.Wrap(apperr.CodeValidation, err, "invalid webhook payload"))
		return
	}
	status, final := ev.Outcome()
	if !final {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ignored"})
		return
	}
	tx, err := s.engine.ConfirmTransaction(r.Context(), ev.Data.ID, status)
	if apperr.Is(err, apperr.CodeNotFound) {
		s.log.Warn(s.log.WithField(r.Context(), "reference", ev.Data.ID), "webhook for unknown payment")
		writeJSON(w, http.StatusOK, map[string]string{"status": "ignored"})
		return
	}
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, tx)
}

func (s *Server) listCrops(w http.ResponseWriter, r *http.Request) {
	crops, err := s.engine.ListCrops(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, crops)
}

func queryDecimal(r *http.Request, name string) (decimal.Decimal, error) {
	v, err := pricing.ParseDecimal(r.URL.Query().Get(name))
	if err != nil {
		return decimal.Zero, apperr.Newf(apperr.CodeValidation, "%s must be a number", name)
	}
	return v, nil
}

func (s *Server) quote(w http.ResponseWriter, r *http.Request) {
	qty, err := queryDecimal(r, "quantity")
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	strike, err := queryDecimal(r, "strike")
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	q, err := s.engine.Quote(r.Context(), r.URL.Query().Get("crop"), qty, strike)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, q)
}

func (s *Server) activeContracts(w http.ResponseWriter, r *http.Request) {
	contracts, err := s.engine.ActiveContracts(r.Context(), chi.URLParam(r, "phone"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, contracts)
}

func (s *Server) transactions(w http.ResponseWriter, r *http.Request) {
	txs, err := s.engine.Transactions(r.Context(), chi.URLParam(r, "phone"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, txs)
}

// AmountRequest is the body of deposit, withdraw and seed calls.
type AmountRequest struct {
	Amount decimal.Decimal `json:"amount"`
}

func decodeAmount(w http.ResponseWriter, r *http.Request) (decimal.Decimal, error) {
	var req AmountRequest
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		var syntax *json.SyntaxError
		if errors.As(err, &syntax) || errors.Is(err, io.EOF) {
			return decimal.Zero, apperr.Wrap(apperr.CodeValidation, err, "invalid request body")
		}
		return decimal.Zero, apperr.Wrap(apperr.CodeValidation, err, "invalid amount")
	}
	if err := pricing.CheckMagnitude(req.Amount); err != nil {
		return decimal.Zero, apperr.Wrap(apperr.CodeValidation, err, "invalid amount")
	}
	return req.Amount, nil
}

func (s *Server) deposit(w http.ResponseWriter, r *http.Request) {
	amount, err := decodeAmount(w, r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	tx, err := s.engine.Deposit(r.Context(), chi.URLParam(r, "phone"), amount)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, tx)
}

func (s *Server) withdraw(w http.ResponseWriter, r *http.Request) {
	amount, err := decodeAmount(w, r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	tx, err := s.engine.Withdraw(r.Context(), chi.URLParam(r, "phone"), amount)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, tx)
}

func (s *Server) seed(w http.ResponseWriter, r *http.Request) {
	amount, err := decodeAmount(w, r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	tx, err := s.engine.SeedBalance(r.Context(), chi.URLParam(r, "phone"), amount)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, tx)
}

func (s *Server) expire(w http.ResponseWriter, r *http.Request) {
	n, err := s.engine.Expire(r.Context(), s.engine.Now())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"expired": n})
}

func (s *Server) reconciliation(w http.ResponseWriter, r *http.Request) {
	flags, err := s.engine.ReconciliationFlags(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, flags)
}

func (s *Server) auditWallet(w http.ResponseWriter, r *http.Request) {
	audit, err := s.engine.AuditWallet(r.Context(), chi.URLParam(r, "phone"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, audit)
}
