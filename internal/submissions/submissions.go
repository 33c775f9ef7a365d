// Package submissions lets visitors file join requests against a room.
package submissions

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"

	"github.com/google/uuid"

	"github.com/web-tech-tw/freya-go/internal/api"
	"github.com/web-tech-tw/freya-go/internal/appctx"
	"github.com/web-tech-tw/freya-go/internal/captcha"
	"github.com/web-tech-tw/freya-go/internal/logutil"
	"github.com/web-tech-tw/freya-go/internal/metrics"
	"github.com/web-tech-tw/freya-go/internal/store"
)

var (
	ErrRoomNotFound  = errors.New("room not found")
	ErrRoomAbused    = errors.New("room is abused")
	ErrCaptchaFailed = errors.New("invalid captcha")
)

// Created is returned to the visitor: the code to paste into the LINE join
// form and the page to join.
type Created struct {
	Code    string `json:"code"`
	PageURL string `json:"pageUrl"`
}

// Service creates submissions.
type Service struct {
	rooms       store.RoomStore
	submissions store.SubmissionStore
	captcha     captcha.Verifier
	metrics     *metrics.Metrics
	logger      *slog.Logger
}

func NewService(rooms store.RoomStore, subs store.SubmissionStore, v captcha.Verifier, m *metrics.Metrics, logger *slog.Logger) *Service {
	return &Service{
		rooms:       rooms,
		submissions: subs,
		captcha:     v,
		metrics:     m,
		logger:      logutil.NoopIfNil(logger),
	}
}

// Create files a submission for roomCode once the captcha passes.
func (s *Service) Create(ctx context.Context, roomCode, captchaToken, remoteIP string) (*Created, error) {
	room, err := s.rooms.GetRoomByCode(ctx, roomCode)
	if errors.Is(err, store.ErrNotFound) {
		return nil, ErrRoomNotFound
	}
	if err != nil {
		return nil, err
	}
	if room.IsAbused {
		return nil, ErrRoomAbused
	}

	res, err := s.captcha.Verify(ctx, captchaToken, remoteIP)
	if err != nil {
		s.logger.Warn("captcha verification unavailable", "error", err)
	}
	if !captcha.Passed(res, err) {
		return nil, ErrCaptchaFailed
	}

	sub := &store.Submission{Code: uuid.NewString(), RoomCode: room.Code}
	if err := s.submissions.CreateSubmission(ctx, sub); err != nil {
		return nil, fmt.Errorf("create submission: %w", err)
	}

	s.metrics.SubmissionCreated()
	return &Created{Code: sub.Code, PageURL: room.PageURL}, nil
}

// Handler serves POST /submissions.
type Handler struct {
	svc *Service
}

func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

type createRequest struct {
	RoomCode string `json:"roomCode"`
	Captcha  string `json:"captcha"`
}

// HandleCreate handles POST /submissions.
func (h *Handler) HandleCreate(w http.ResponseWriter, r *http.Request) {
	var req createRequest
	if !api.DecodeJSON(w, r, &req) {
		return
	}
	if req.RoomCode == "" {
		api.WriteBadRequest(w, api.ReasonMissingField, "roomCode is required")
		return
	}

	created, err := h.svc.Create(r.Context(), req.RoomCode, req.Captcha, clientIP(r))
	switch {
	case err == nil:
		api.WriteJSON(w, http.StatusCreated, created)
	case errors.Is(err, ErrRoomNotFound):
		api.WriteNotFound(w, err.Error())
	case errors.Is(err, ErrRoomAbused):
		api.WriteForbidden(w, api.ReasonRoomAbused, err.Error())
	case errors.Is(err, ErrCaptchaFailed):
		api.WriteBadRequest(w, api.ReasonCaptchaFailed, err.Error())
	default:
		appctx.GetLogger(r.Context()).Error("submission failed", "error", err)
		api.WriteInternalError(w, "internal error")
	}
}

// clientIP returns the host part of RemoteAddr, which the server has
// already resolved through the trusted proxy list.
func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
