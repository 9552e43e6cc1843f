package handler

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog/log"

	"github.com/bumpxchange/exchange-server/internal/api"
	"github.com/bumpxchange/exchange-server/internal/audit"
	apperrors "github.com/bumpxchange/exchange-server/internal/errors"
	"github.com/bumpxchange/exchange-server/internal/model"
	"github.com/bumpxchange/exchange-server/internal/service"
	"github.com/bumpxchange/exchange-server/internal/util"
)

type ExchangeHandler struct {
	exchangeService *service.ExchangeService
	initiateLimit   func(http.Handler) http.Handler
}

// NewExchangeHandler wires the request/response exchange endpoints. The
// event stream is mounted separately so it escapes the request timeout.
// initiateLimit, when set, wraps only the initiate route.
func NewExchangeHandler(
	exchangeService *service.ExchangeService,
	initiateLimit func(http.Handler) http.Handler,
) *ExchangeHandler {
	return &ExchangeHandler{
		exchangeService: exchangeService,
		initiateLimit:   initiateLimit,
	}
}

func (h *ExchangeHandler) Routes() chi.Router {
	r := chi.NewRouter()

	if h.initiateLimit != nil {
		r.With(h.initiateLimit).Post("/initiate", h.Initiate)
	} else {
		r.Post("/initiate", h.Initiate)
	}
	r.Post("/hit", h.SubmitHit)
	r.Get("/status/{sessionId}", h.Status)
	r.Get("/pair/{token}", h.Pair)
	r.Post("/scan", h.Scan)
	r.Post("/scan/complete", h.CompleteScan)

	return r
}

// POST /v1/exchange/initiate
func (h *ExchangeHandler) Initiate(w http.ResponseWriter, r *http.Request) {
	var req api.InitiateRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}

	result, err := h.exchangeService.Initiate(r.Context(), service.InitiateParams{
		SessionID:       req.SessionID,
		SharingCategory: model.SharingCategory(req.SharingCategory),
		ProfileID:       req.ProfileID,
	})
	if err != nil {
		logFailure(err, "initiate failed")
		writeError(w, err)
		return
	}

	audit.LogFromRequest(r, audit.Event{
		Type:      audit.EventSessionInitiate,
		SessionID: result.SessionID,
		Details:   map[string]interface{}{"sharingCategory": req.SharingCategory},
	})

	writeJSON(w, http.StatusOK, api.InitiateResponse{
		Success:   true,
		SessionID: result.SessionID,
		Token:     result.Token,
		QRPayload: util.EncodeQRPayload(result.Token),
		ExpiresAt: result.ExpiresAt,
	})
}

// POST /v1/exchange/hit
func (h *ExchangeHandler) SubmitHit(w http.ResponseWriter, r *http.Request) {
	var req api.HitRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}

	result, err := h.exchangeService.SubmitHit(r.Context(), service.HitParams{
		SessionID:       req.Session,
		TS:              req.TS,
		Magnitude:       req.Mag,
		VectorHash:      req.Vector,
		SharingCategory: model.SharingCategory(req.SharingCategory),
		HitNumber:       req.HitNumber,
	})
	if err != nil {
		logFailure(err, "hit submission failed")
		writeError(w, err)
		return
	}

	resp := api.HitResponse{Success: true, Matched: result.Matched}
	if result.Match != nil {
		resp.Token = result.Match.Token
		resp.YouAre = result.Match.YouAre
	}
	writeJSON(w, http.StatusOK, resp)
}

// GET /v1/exchange/status/{sessionId}
func (h *ExchangeHandler) Status(w http.ResponseWriter, r *http.Request) {
	result, err := h.exchangeService.Status(r.Context(), chi.URLParam(r, "sessionId"))
	if err != nil {
		logFailure(err, "status failed")
		writeError(w, err)
		return
	}

	resp := api.StatusResponse{Success: true, HasMatch: result.HasMatch, ScanStatus: result.ScanStatus}
	if result.Match != nil {
		resp.Match = &api.Match{Token: result.Match.Token, YouAre: result.Match.YouAre}
	}
	writeJSON(w, http.StatusOK, resp)
}

// GET /v1/exchange/pair/{token}?session=
func (h *ExchangeHandler) Pair(w http.ResponseWriter, r *http.Request) {
	p, err := h.exchangeService.ResolvePair(r.Context(), chi.URLParam(r, "token"), r.URL.Query().Get("session"))
	if err != nil {
		logFailure(err, "pair failed")
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, api.PairResponse{Success: true, Profile: p})
}

// POST /v1/exchange/scan
func (h *ExchangeHandler) Scan(w http.ResponseWriter, r *http.Request) {
	var req api.ScanRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if req.Token == "" {
		writeError(w, apperrors.MissingRequired("token"))
		return
	}

	result, err := h.exchangeService.ResolveScan(r.Context(), req.Token, req.Session, req.NeedsAuth)
	if err != nil {
		logFailure(err, "scan failed")
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, scanResponse(result))
}

// POST /v1/exchange/scan/complete
func (h *ExchangeHandler) CompleteScan(w http.ResponseWriter, r *http.Request) {
	var req api.ScanRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if req.Token == "" {
		writeError(w, apperrors.MissingRequired("token"))
		return
	}

	result, err := h.exchangeService.CompleteAuth(r.Context(), req.Token, req.Session)
	if err != nil {
		logFailure(err, "scan completion failed")
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, scanResponse(result))
}

func scanResponse(result *service.ScanResult) api.ScanResponse {
	resp := api.ScanResponse{Success: true, Matched: result.Matched, Pending: result.Pending}
	if result.Match != nil {
		resp.Token = result.Match.Token
		resp.YouAre = result.Match.YouAre
	}
	return resp
}

// logFailure logs server-side failures at error level and client mistakes at debug.
func logFailure(err error, msg string) {
	switch apperrors.GetCode(err) {
	case apperrors.ErrCodeInternal, apperrors.ErrCodeStore, apperrors.ErrCodeExternal:
		log.Error().Err(err).Msg(msg)
	default:
		log.Debug().Err(err).Msg(msg)
	}
}
