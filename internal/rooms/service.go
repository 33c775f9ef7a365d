// Package rooms implements room registration through the pairing handshake
// and the management of a room's administrators.
package rooms

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	netmail "net/mail"
	"strings"

	"github.com/web-tech-tw/freya-go/internal/appctx"
	"github.com/web-tech-tw/freya-go/internal/identity"
	"github.com/web-tech-tw/freya-go/internal/invitations"
	"github.com/web-tech-tw/freya-go/internal/logutil"
	"github.com/web-tech-tw/freya-go/internal/mail"
	"github.com/web-tech-tw/freya-go/internal/metrics"
	"github.com/web-tech-tw/freya-go/internal/openchat"
	"github.com/web-tech-tw/freya-go/internal/pairing"
	"github.com/web-tech-tw/freya-go/internal/store"
)

var (
	ErrRoomNotFound          = errors.New("room not found")
	ErrRoomExists            = errors.New("room already exists")
	ErrNotAdministrator      = errors.New("not an administrator of this room")
	ErrAlreadyAdministrator  = errors.New("already an administrator of this room")
	ErrAdministratorNotFound = errors.New("administrator not found")
	ErrNotInvitee            = errors.New("invitation was sent to another email")
	ErrEmailNotVerified      = errors.New("verify your email before redeeming invitations")
	ErrForbidden             = errors.New("operation not permitted")
	ErrSubmissionNotFound    = errors.New("submission not found")
	ErrInvalidEmail          = errors.New("invalid email address")
	ErrMailDelivery          = errors.New("unable to send invitation mail")
)

// Mailer sends a named mail template.
type Mailer interface {
	Send(ctx context.Context, name string, data mail.Data) error
}

// Deps holds the collaborators of a Service.
type Deps struct {
	Rooms       store.RoomStore
	Submissions store.SubmissionStore
	Users       identity.PartyRepo
	Pages       pairing.PageReader
	Pairing     *pairing.Engine
	Invitations *invitations.Store
	Mailer      Mailer

	// InvitationURL builds the link mailed to an invitee.
	InvitationURL func(id string) string

	Metrics *metrics.Metrics
	Logger  *slog.Logger
}

// Service holds the room use cases. Callers pass the authenticated principal;
// authorization rules are enforced here.
type Service struct {
	Deps
}

func NewService(d Deps) *Service {
	d.Logger = logutil.NoopIfNil(d.Logger)
	if d.InvitationURL == nil {
		d.InvitationURL = func(id string) string { return id }
	}
	return &Service{Deps: d}
}

// Challenge is returned when pairing starts.
type Challenge struct {
	Room *openchat.Page `json:"room"`
	Code string         `json:"code"`
	Hash string         `json:"hash"`
}

// List returns the rooms the user administers.
func (s *Service) List(ctx context.Context, actor *appctx.Principal) ([]*store.Room, error) {
	return s.Rooms.ListRoomsByAdministrator(ctx, actor.UserID)
}

func (s *Service) ensureVacant(ctx context.Context, pageURL string) error {
	_, err := s.Rooms.GetRoomByPageURL(ctx, pageURL)
	switch {
	case err == nil:
		return ErrRoomExists
	case errors.Is(err, store.ErrNotFound):
		return nil
	default:
		return err
	}
}

// StartPairing reads the ticket page and issues a challenge the user must
// place in the room description.
func (s *Service) StartPairing(ctx context.Context, actor *appctx.Principal, rawURL string) (*Challenge, error) {
	pageURL, err := openchat.CanonicalURL(rawURL)
	if err != nil {
		return nil, err
	}
	if err := s.ensureVacant(ctx, pageURL); err != nil {
		s.Metrics.Pairing("conflict")
		return nil, err
	}

	page, err := s.Pages.Parse(ctx, pageURL, false)
	if err != nil {
		return nil, err
	}
	ch, err := s.Pairing.Issue(actor.UserID, pageURL)
	if err != nil {
		return nil, err
	}

	s.Metrics.Pairing("issued")
	return &Challenge{Room: page, Code: ch.Code, Hash: ch.Hash}, nil
}

// FinishPairing verifies a claim and registers the room with the pairing
// code as its room code and the claimant as creator and first administrator.
func (s *Service) FinishPairing(ctx context.Context, actor *appctx.Principal, rawURL, code, hash string) (*store.Room, error) {
	if err := pairing.ValidateClaim(code, hash); err != nil {
		return nil, err
	}
	pageURL, err := openchat.CanonicalURL(rawURL)
	if err != nil {
		return nil, err
	}
	if !s.Pairing.Verify(actor.UserID, pageURL, code, hash) {
		s.Metrics.Pairing("invalid_hash")
		return nil, pairing.ErrInvalidHash
	}
	if err := s.ensureVacant(ctx, pageURL); err != nil {
		s.Metrics.Pairing("conflict")
		return nil, err
	}

	page, err := s.Pairing.VerifyClaim(ctx, s.Pages, actor.UserID, pageURL, code, hash)
	if err != nil {
		if errors.Is(err, pairing.ErrCodeNotOnPage) {
			s.Metrics.Pairing("code_missing")
		}
		return nil, err
	}

	room := &store.Room{
		Code:            code,
		PageURL:         pageURL,
		Label:           page.Label,
		Members:         page.Members,
		Description:     page.Description,
		BackgroundImage: page.BackgroundImage,
		Creator:         actor.UserID,
		Administrators:  []string{actor.UserID},
	}
	if err := s.Rooms.CreateRoom(ctx, room); err != nil {
		if errors.Is(err, store.ErrAlreadyExists) {
			s.Metrics.Pairing("conflict")
			return nil, ErrRoomExists
		}
		return nil, fmt.Errorf("create room: %w", err)
	}

	s.Metrics.Pairing("paired")
	appctx.GetLogger(ctx).Info("room paired", "room", room.Code)
	return room, nil
}

func (s *Service) room(ctx context.Context, code string) (*store.Room, error) {
	room, err := s.Rooms.GetRoomByCode(ctx, code)
	if errors.Is(err, store.ErrNotFound) {
		return nil, ErrRoomNotFound
	}
	return room, err
}

func (s *Service) administeredRoom(ctx context.Context, actor *appctx.Principal, code string) (*store.Room, error) {
	room, err := s.room(ctx, code)
	if err != nil {
		return nil, err
	}
	if !room.IsAdministrator(actor.UserID) {
		return nil, ErrNotAdministrator
	}
	return room, nil
}

// Get returns a room by code.
func (s *Service) Get(ctx context.Context, code string) (*store.Room, error) {
	return s.room(ctx, code)
}

// Refresh re-reads the room's ticket page (cache allowed) and stores the
// current label, member count, description and background. Only those
// fields are written, so concurrent administrator changes are kept.
func (s *Service) Refresh(ctx context.Context, code string) (*store.Room, error) {
	room, err := s.room(ctx, code)
	if err != nil {
		return nil, err
	}
	page, err := s.Pages.Parse(ctx, room.PageURL, false)
	if err != nil {
		return nil, err
	}

	room, err = s.Rooms.UpdateRoomPage(ctx, code, store.RoomPage{
		Label:           page.Label,
		Members:         page.Members,
		Description:     page.Description,
		BackgroundImage: page.BackgroundImage,
	})
	switch {
	case errors.Is(err, store.ErrNotFound):
		return nil, ErrRoomNotFound
	case err != nil:
		return nil, fmt.Errorf("update room: %w", err)
	}
	return room, nil
}

// GetSubmission looks up a submission of a room the actor administers.
// Rooms the actor does not administer are reported as missing.
func (s *Service) GetSubmission(ctx context.Context, actor *appctx.Principal, roomCode, code string) (*store.Submission, error) {
	if _, err := s.administeredRoom(ctx, actor, roomCode); err != nil {
		if errors.Is(err, ErrNotAdministrator) {
			return nil, ErrRoomNotFound
		}
		return nil, err
	}
	sub, err := s.Submissions.GetSubmission(ctx, roomCode, code)
	if errors.Is(err, store.ErrNotFound) {
		return nil, ErrSubmissionNotFound
	}
	return sub, err
}

// Administrator is one entry of a room's administrator list.
type Administrator struct {
	UserID      string `json:"userId"`
	DisplayName string `json:"displayName"`
	IsCreator   bool   `json:"isCreator"`
}

// ListAdministrators returns the administrators of a room the actor administers.
func (s *Service) ListAdministrators(ctx context.Context, actor *appctx.Principal, code string) ([]Administrator, error) {
	room, err := s.administeredRoom(ctx, actor, code)
	if err != nil {
		return nil, err
	}

	out := make([]Administrator, 0, len(room.Administrators))
	for _, id := range room.Administrators {
		a := Administrator{UserID: id, IsCreator: id == room.Creator}
		if user, err := s.Users.Get(ctx, id); err == nil {
			a.DisplayName = user.Name()
		}
		out = append(out, a)
	}
	return out, nil
}

// RemoveAdministrator drops target from the room. The creator may remove
// anyone but themself; other administrators may only remove themselves.
func (s *Service) RemoveAdministrator(ctx context.Context, actor *appctx.Principal, code, target string) error {
	room, err := s.administeredRoom(ctx, actor, code)
	if err != nil {
		return err
	}

	isCreator := actor.UserID == room.Creator
	switch {
	case isCreator && target == room.Creator:
		return fmt.Errorf("%w: the creator cannot leave the room", ErrForbidden)
	case !isCreator && target != actor.UserID:
		return fmt.Errorf("%w: only the creator can remove other administrators", ErrForbidden)
	}

	_, err = s.Rooms.RemoveAdministrator(ctx, room.Code, target)
	switch {
	case errors.Is(err, store.ErrNotAdministrator):
		return ErrAdministratorNotFound
	case errors.Is(err, store.ErrNotFound):
		return ErrRoomNotFound
	case err != nil:
		return fmt.Errorf("update room: %w", err)
	}

	appctx.GetLogger(ctx).Info("administrator removed", "room", room.Code, "target", target)
	return nil
}

// InvitationView is an invitation together with the room it grants.
type InvitationView struct {
	ID        string `json:"id"`
	Email     string `json:"email"`
	RoomCode  string `json:"roomCode"`
	RoomLabel string `json:"roomLabel"`
	CreatedAt int64  `json:"createdAt"`
	ExpiresAt int64  `json:"expiresAt"`
}

func (s *Service) view(inv *invitations.Invitation, room *store.Room) *InvitationView {
	return &InvitationView{
		ID:        inv.ID,
		Email:     inv.Email,
		RoomCode:  inv.RoomCode,
		RoomLabel: room.Label,
		CreatedAt: inv.CreatedAt.Unix(),
		ExpiresAt: inv.ExpiresAt(s.Invitations.TTL()).Unix(),
	}
}

// Invite creates an invitation for email and mails it. Only administrators
// of the room may invite. The invitation is withdrawn if the mail fails.
func (s *Service) Invite(ctx context.Context, actor *appctx.Principal, code, email string) (*InvitationView, error) {
	room, err := s.administeredRoom(ctx, actor, code)
	if err != nil {
		return nil, err
	}
	email = strings.TrimSpace(email)
	if addr, err := netmail.ParseAddress(email); err != nil || addr.Address != email {
		return nil, ErrInvalidEmail
	}

	inv, err := s.Invitations.Create(ctx, email, room.Code)
	if err != nil {
		return nil, err
	}

	err = s.Mailer.Send(ctx, mail.TemplateRoomInvitation, mail.RoomInvitation{
		To:                 inv.Email,
		UserName:           actor.DisplayName,
		RoomName:           room.Label,
		InvitationURL:      s.InvitationURL(inv.ID),
		InvitationDatetime: inv.CreatedAt,
		ExpiresIn:          s.Invitations.TTL(),
	})
	if err != nil {
		_ = s.Invitations.Delete(ctx, inv.ID)
		s.Metrics.Invitation("mail_failed")
		appctx.GetLogger(ctx).Error("invitation mail failed", "room", room.Code, "error", err)
		return nil, ErrMailDelivery
	}

	s.Metrics.Invitation("created")
	return s.view(inv, room), nil
}

// invitation loads a live invitation and its room. An invitation whose room
// is gone is evicted and reported missing.
func (s *Service) invitation(ctx context.Context, id string) (*invitations.Invitation, *store.Room, error) {
	inv, err := s.Invitations.Get(ctx, id)
	if err != nil {
		return nil, nil, err
	}
	room, err := s.room(ctx, inv.RoomCode)
	if errors.Is(err, ErrRoomNotFound) {
		_ = s.Invitations.Delete(ctx, id)
		return nil, nil, invitations.ErrNotFound
	}
	if err != nil {
		return nil, nil, err
	}
	return inv, room, nil
}

// isInvitee reports whether actor holds the invited email. An unverified
// email never matches.
func isInvitee(actor *appctx.Principal, inv *invitations.Invitation) bool {
	return actor.EmailVerified && invitations.SameEmail(actor.Email, inv.Email)
}

// GetInvitation shows an invitation to its invitee and to the room's
// administrators. Anyone else gets ErrNotFound.
func (s *Service) GetInvitation(ctx context.Context, actor *appctx.Principal, id string) (*InvitationView, error) {
	inv, room, err := s.invitation(ctx, id)
	if err != nil {
		return nil, err
	}
	if !isInvitee(actor, inv) && !room.IsAdministrator(actor.UserID) {
		return nil, invitations.ErrNotFound
	}
	return s.view(inv, room), nil
}

// AcceptInvitation makes the invitee an administrator and consumes the
// invitation. The invitee's email must be verified.
func (s *Service) AcceptInvitation(ctx context.Context, actor *appctx.Principal, id string) (*store.Room, error) {
	inv, room, err := s.invitation(ctx, id)
	if err != nil {
		return nil, err
	}
	if !invitations.SameEmail(actor.Email, inv.Email) {
		return nil, ErrNotInvitee
	}
	if !actor.EmailVerified {
		return nil, ErrEmailNotVerified
	}

	room, err = s.Rooms.AddAdministrator(ctx, room.Code, actor.UserID)
	switch {
	case errors.Is(err, store.ErrAlreadyAdministrator):
		return nil, ErrAlreadyAdministrator
	case errors.Is(err, store.ErrNotFound):
		_ = s.Invitations.Delete(ctx, inv.ID)
		return nil, invitations.ErrNotFound
	case err != nil:
		return nil, fmt.Errorf("update room: %w", err)
	}
	if err := s.Invitations.Delete(ctx, inv.ID); err != nil {
		s.Logger.Warn("accepted invitation not deleted", "room", room.Code, "error", err)
	}

	s.Metrics.Invitation("accepted")
	appctx.GetLogger(ctx).Info("invitation accepted", "room", room.Code)
	return room, nil
}

// CancelInvitation withdraws an invitation. Allowed for the room creator
// and for the invitee (declining).
func (s *Service) CancelInvitation(ctx context.Context, actor *appctx.Principal, id string) error {
	inv, room, err := s.invitation(ctx, id)
	if err != nil {
		return err
	}
	if actor.UserID != room.Creator && !isInvitee(actor, inv) {
		return fmt.Errorf("%w: only the room creator or the invitee can cancel", ErrForbidden)
	}
	if err := s.Invitations.Delete(ctx, inv.ID); err != nil {
		return err
	}
	s.Metrics.Invitation("cancelled")
	return nil
}
