// Package httpapi carries the small HTTP surface the socket core needs:
// account registration and login (token issuance for the websocket
// handshake) and conversation creation, which feeds the bus event that
// joins live participants to the new room.
package httpapi

import (
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/goccy/go-json"
	"github.com/google/uuid"

	"aia-realtime/internal/auth"
	"aia-realtime/internal/events"
	"aia-realtime/internal/models"
	"aia-realtime/internal/store"
)

type API struct {
	store    store.Store
	bus      events.Publisher
	tokens   *auth.Tokens
	validate *validator.Validate
}

func New(st store.Store, bus events.Publisher, tokens *auth.Tokens) *API {
	return &API{store: st, bus: bus, tokens: tokens, validate: validator.New()}
}

// Register wires the API's routes onto the mux.
func (a *API) Register(mux *http.ServeMux) {
	mux.HandleFunc("POST /api/auth/register", a.handleRegister)
	mux.HandleFunc("POST /api/auth/login", a.handleLogin)
	mux.HandleFunc("POST /api/conversations", a.withAuth(a.handleCreateConversation))
}

type registerRequest struct {
	Username string `json:"username" validate:"required,min=2,max=64"`
	Email    string `json:"email" validate:"required,email"`
	Password string `json:"password" validate:"required,min=8,max=72"`
	Avatar   string `json:"avatar,omitempty"`
}

type loginRequest struct {
	Email    string `json:"email" validate:"required,email"`
	Password string `json:"password" validate:"required"`
}

type authResponse struct {
	Token string      `json:"token"`
	User  models.User `json:"user"`
}

type createConversationRequest struct {
	Type         models.ConversationType `json:"type" validate:"required,oneof=private group"`
	Participants []string                `json:"participants" validate:"required,min=1"`
	Name         string                  `json:"name,omitempty"`
	Avatar       string                  `json:"avatar,omitempty"`
}

func (a *API) handleRegister(w http.ResponseWriter, r *http.Request) {
	var req registerRequest
	if !a.decode(w, r, &req) {
		return
	}

	hash, err := auth.HashPassword(req.Password)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "registration failed")
		return
	}

	user := models.User{
		ID:           uuid.NewString(),
		Username:     req.Username,
		Email:        req.Email,
		Avatar:       req.Avatar,
		Status:       models.StatusOffline,
		PasswordHash: hash,
	}
	if err := a.store.CreateUser(r.Context(), user); err != nil {
		if errors.Is(err, models.ErrEmailTaken) {
			writeError(w, http.StatusConflict, models.ErrEmailTaken.Error())
		} else {
			slog.Error("failed to create user", "error", err)
			writeError(w, http.StatusInternalServerError, "registration failed")
		}
		return
	}

	token, err := a.tokens.Generate(user.ID, user.Email)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "registration failed")
		return
	}
	writeJSON(w, http.StatusCreated, authResponse{Token: token, User: user})
}

func (a *API) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if !a.decode(w, r, &req) {
		return
	}

	user, err := a.store.GetUserByEmail(r.Context(), req.Email)
	if err != nil || !auth.CheckPassword(user.PasswordHash, req.Password) {
		writeError(w, http.StatusUnauthorized, models.ErrInvalidCredentials.Error())
		return
	}

	token, err := a.tokens.Generate(user.ID, user.Email)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "login failed")
		return
	}
	writeJSON(w, http.StatusOK, authResponse{Token: token, User: user})
}

func (a *API) handleCreateConversation(w http.ResponseWriter, r *http.Request, userID string) {
	var req createConversationRequest
	if !a.decode(w, r, &req) {
		return
	}

	// The creator is always a participant.
	participants := req.Participants
	found := false
	for _, p := range participants {
		if p == userID {
			found = true
			break
		}
	}
	if !found {
		participants = append(participants, userID)
	}

	if req.Type == models.ConversationPrivate && len(participants) != 2 {
		writeError(w, http.StatusBadRequest, "private conversations have exactly 2 participants")
		return
	}

	conversation := models.Conversation{
		ID:           uuid.NewString(),
		Type:         req.Type,
		Participants: participants,
		Name:         req.Name,
		Avatar:       req.Avatar,
		CreatedBy:    userID,
		CreatedAt:    time.Now().UTC(),
	}
	if req.Type == models.ConversationGroup {
		conversation.Admins = []string{userID}
	}

	if err := a.store.CreateConversation(r.Context(), conversation); err != nil {
		slog.Error("failed to create conversation", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to create conversation")
		return
	}

	// Live participants join the new room through this event; nobody
	// has to reconnect to start receiving it.
	if err := a.bus.PublishConversationCreated(r.Context(), conversation); err != nil {
		slog.Error("failed to publish conversation_created", "conversation", conversation.ID, "error", err)
	}

	writeJSON(w, http.StatusCreated, conversation)
}

type authedHandler func(w http.ResponseWriter, r *http.Request, userID string)

func (a *API) withAuth(next authedHandler) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		token := auth.ExtractTokenFromRequest(r)
		if token == "" {
			writeError(w, http.StatusUnauthorized, "token required")
			return
		}
		claims, err := a.tokens.Verify(token)
		if err != nil {
			writeError(w, http.StatusUnauthorized, "invalid token")
			return
		}
		next(w, r, claims.UserID)
	}
}

func (a *API) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, "malformed request body")
		return false
	}
	if err := a.validate.Struct(v); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("failed to encode response", "error", err)
	}
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
