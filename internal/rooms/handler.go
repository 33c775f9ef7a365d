package rooms

import (
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/web-tech-tw/freya-go/internal/api"
	"github.com/web-tech-tw/freya-go/internal/appctx"
	"github.com/web-tech-tw/freya-go/internal/invitations"
	"github.com/web-tech-tw/freya-go/internal/openchat"
	"github.com/web-tech-tw/freya-go/internal/pairing"
	"github.com/web-tech-tw/freya-go/internal/store"
)

// Handler serves the /rooms and /invitations endpoints.
type Handler struct {
	svc *Service
}

func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

// PublicRoom is the view of a room anyone may read.
type PublicRoom struct {
	Label           string `json:"label"`
	Members         int    `json:"members"`
	Description     string `json:"description"`
	BackgroundImage string `json:"backgroundImage"`
	PageURL         string `json:"pageUrl"`
}

func publicView(r *store.Room) PublicRoom {
	return PublicRoom{
		Label:           r.Label,
		Members:         r.Members,
		Description:     r.Description,
		BackgroundImage: r.BackgroundImage,
		PageURL:         r.PageURL,
	}
}

// writeError maps service errors onto the API envelope.
func writeError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case openchat.IsPageError(err):
		api.WriteBadRequest(w, api.ReasonInvalidPage, pageMessage(err))
	case errors.Is(err, pairing.ErrMalformedClaim):
		api.WriteBadRequest(w, api.ReasonInvalidField, err.Error())
	case errors.Is(err, ErrInvalidEmail):
		api.WriteBadRequest(w, api.ReasonInvalidField, err.Error())
	case errors.Is(err, pairing.ErrInvalidHash):
		api.WriteForbidden(w, api.ReasonUnauthorized, "invalid pairing hash")
	case errors.Is(err, ErrNotAdministrator),
		errors.Is(err, ErrNotInvitee),
		errors.Is(err, ErrForbidden):
		api.WriteForbidden(w, api.ReasonUnauthorized, err.Error())
	case errors.Is(err, ErrEmailNotVerified):
		api.WriteForbidden(w, api.ReasonEmailUnverified, err.Error())
	case errors.Is(err, ErrRoomExists),
		errors.Is(err, ErrAlreadyAdministrator),
		errors.Is(err, pairing.ErrCodeNotOnPage):
		api.WriteConflict(w, err.Error())
	case errors.Is(err, ErrRoomNotFound),
		errors.Is(err, ErrSubmissionNotFound),
		errors.Is(err, ErrAdministratorNotFound),
		errors.Is(err, invitations.ErrNotFound):
		api.WriteNotFound(w, err.Error())
	case errors.Is(err, ErrMailDelivery):
		api.WriteError(w, http.StatusBadGateway, api.ReasonMailFailed, err.Error())
	default:
		appctx.GetLogger(r.Context()).Error("room request failed", "error", err)
		api.WriteInternalError(w, "internal error")
	}
}

// pageMessage returns the outermost page error text without the wrapped
// transport detail.
func pageMessage(err error) string {
	for _, sentinel := range []error{
		openchat.ErrInvalidURL,
		openchat.ErrFetch,
		openchat.ErrInvalidStructure,
		openchat.ErrInvalidMemberCount,
	} {
		if errors.Is(err, sentinel) {
			return sentinel.Error()
		}
	}
	return err.Error()
}

func principal(w http.ResponseWriter, r *http.Request) *appctx.Principal {
	p := appctx.PrincipalFromContext(r.Context())
	if p == nil {
		api.WriteUnauthorized(w, api.ReasonUnauthenticated, "authentication required")
	}
	return p
}

// HandleList handles GET /rooms.
func (h *Handler) HandleList(w http.ResponseWriter, r *http.Request) {
	p := principal(w, r)
	if p == nil {
		return
	}
	rooms, err := h.svc.List(r.Context(), p)
	if err != nil {
		writeError(w, r, err)
		return
	}
	api.WriteJSON(w, http.StatusOK, rooms)
}

type startPairingRequest struct {
	URL string `json:"url"`
}

// HandleStartPairing handles POST /rooms.
func (h *Handler) HandleStartPairing(w http.ResponseWriter, r *http.Request) {
	p := principal(w, r)
	if p == nil {
		return
	}
	var req startPairingRequest
	if !api.DecodeJSON(w, r, &req) {
		return
	}
	if req.URL == "" {
		api.WriteBadRequest(w, api.ReasonMissingField, "url is required")
		return
	}

	ch, err := h.svc.StartPairing(r.Context(), p, req.URL)
	if err != nil {
		writeError(w, r, err)
		return
	}
	api.WriteJSON(w, http.StatusOK, ch)
}

type finishPairingRequest struct {
	URL  string `json:"url"`
	Code string `json:"code"`
	Hash string `json:"hash"`
}

// HandleFinishPairing handles PATCH /rooms.
func (h *Handler) HandleFinishPairing(w http.ResponseWriter, r *http.Request) {
	p := principal(w, r)
	if p == nil {
		return
	}
	var req finishPairingRequest
	if !api.DecodeJSON(w, r, &req) {
		return
	}
	if req.URL == "" {
		api.WriteBadRequest(w, api.ReasonMissingField, "url is required")
		return
	}

	room, err := h.svc.FinishPairing(r.Context(), p, req.URL, req.Code, req.Hash)
	if err != nil {
		writeError(w, r, err)
		return
	}
	api.WriteJSON(w, http.StatusCreated, room)
}

// HandleGet handles GET /rooms/{code}.
func (h *Handler) HandleGet(w http.ResponseWriter, r *http.Request) {
	room, err := h.svc.Get(r.Context(), chi.URLParam(r, "code"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	api.WriteJSON(w, http.StatusOK, publicView(room))
}

// HandleRefresh handles PATCH /rooms/{code}.
func (h *Handler) HandleRefresh(w http.ResponseWriter, r *http.Request) {
	room, err := h.svc.Refresh(r.Context(), chi.URLParam(r, "code"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	api.WriteJSON(w, http.StatusOK, publicView(room))
}

// HandleGetSubmission handles GET /rooms/{roomCode}/submissions/{code}.
func (h *Handler) HandleGetSubmission(w http.ResponseWriter, r *http.Request) {
	p := principal(w, r)
	if p == nil {
		return
	}
	sub, err := h.svc.GetSubmission(r.Context(), p, chi.URLParam(r, "roomCode"), chi.URLParam(r, "code"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	api.WriteJSON(w, http.StatusOK, sub)
}

// HandleListAdministrators handles GET /rooms/{code}/administrators.
func (h *Handler) HandleListAdministrators(w http.ResponseWriter, r *http.Request) {
	p := principal(w, r)
	if p == nil {
		return
	}
	admins, err := h.svc.ListAdministrators(r.Context(), p, chi.URLParam(r, "code"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	api.WriteJSON(w, http.StatusOK, admins)
}

// HandleRemoveAdministrator handles DELETE /rooms/{code}/administrators/{userID}.
func (h *Handler) HandleRemoveAdministrator(w http.ResponseWriter, r *http.Request) {
	p := principal(w, r)
	if p == nil {
		return
	}
	err := h.svc.RemoveAdministrator(r.Context(), p, chi.URLParam(r, "code"), chi.URLParam(r, "userID"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type inviteRequest struct {
	Email string `json:"email"`
}

// HandleInvite handles POST /rooms/{code}/invitations.
func (h *Handler) HandleInvite(w http.ResponseWriter, r *http.Request) {
	p := principal(w, r)
	if p == nil {
		return
	}
	var req inviteRequest
	if !api.DecodeJSON(w, r, &req) {
		return
	}
	if req.Email == "" {
		api.WriteBadRequest(w, api.ReasonMissingField, "email is required")
		return
	}

	inv, err := h.svc.Invite(r.Context(), p, chi.URLParam(r, "code"), req.Email)
	if err != nil {
		writeError(w, r, err)
		return
	}
	api.WriteJSON(w, http.StatusCreated, inv)
}

// HandleGetInvitation handles GET /invitations/{id}.
func (h *Handler) HandleGetInvitation(w http.ResponseWriter, r *http.Request) {
	p := principal(w, r)
	if p == nil {
		return
	}
	inv, err := h.svc.GetInvitation(r.Context(), p, chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	api.WriteJSON(w, http.StatusOK, inv)
}

// HandleAcceptInvitation handles POST /invitations/{id}/accept.
func (h *Handler) HandleAcceptInvitation(w http.ResponseWriter, r *http.Request) {
	p := principal(w, r)
	if p == nil {
		return
	}
	room, err := h.svc.AcceptInvitation(r.Context(), p, chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	api.WriteJSON(w, http.StatusOK, room)
}

// HandleCancelInvitation handles DELETE /invitations/{id}.
func (h *Handler) HandleCancelInvitation(w http.ResponseWriter, r *http.Request) {
	p := principal(w, r)
	if p == nil {
		return
	}
	if err := h.svc.CancelInvitation(r.Context(), p, chi.URLParam(r, "id")); err != nil {
		writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
