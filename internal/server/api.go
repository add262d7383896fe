package server

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"path/filepath"
	"strconv"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/liudong-work/funnychatbackend/internal/server/middleware"
	"github.com/liudong-work/funnychatbackend/internal/store"
	"github.com/liudong-work/funnychatbackend/pkg/protocol"
)

// apiResponse is the envelope every REST handler replies with.
type apiResponse struct {
	Code int    `json:"code"`
	Msg  string `json:"msg"`
	Data any    `json:"data,omitempty"`
}

func (a *App) writeJSON(w http.ResponseWriter, status int, resp apiResponse) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		a.logger.Error("Failed to encode API response", slog.Any("error", err))
	}
}

func (a *App) writeOK(w http.ResponseWriter, data any) {
	a.writeJSON(w, http.StatusOK, apiResponse{Code: 0, Msg: "success", Data: data})
}

func (a *App) writeError(w http.ResponseWriter, status int, msg string) {
	a.writeJSON(w, status, apiResponse{Code: -1, Msg: msg})
}

// storeError maps data-layer sentinels onto HTTP statuses.
func (a *App) storeError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, store.ErrNotFound):
		a.writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, store.ErrConflict):
		a.writeError(w, http.StatusConflict, err.Error())
	default:
		a.logger.Error("Store operation failed", slog.Any("error", err))
		a.writeError(w, http.StatusInternalServerError, "internal error")
	}
}

func decodeBody(r *http.Request, dst any) error {
	defer r.Body.Close()
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	return dec.Decode(dst)
}

type registerRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
	Nickname string `json:"nickname"`
	Email    string `json:"email"`
}

func (a *App) handleRegister(w http.ResponseWriter, r *http.Request) {
	var req registerRequest
	if err := decodeBody(r, &req); err != nil {
		a.writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Username == "" || req.Password == "" {
		a.writeError(w, http.StatusBadRequest, "username and password are required")
		return
	}

	user, err := a.store.CreateUser(r.Context(), req.Username, req.Password, req.Nickname, req.Email)
	if err != nil {
		if errors.Is(err, store.ErrConflict) {
			a.writeError(w, http.StatusConflict, "username already taken")
			return
		}
		a.storeError(w, err)
		return
	}

	token, err := a.issueToken(user)
	if err != nil {
		a.logger.Error("Failed to sign token", slog.Any("error", err))
		a.writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	a.writeOK(w, map[string]any{"user": user, "token": token})
}

type loginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

func (a *App) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if err := decodeBody(r, &req); err != nil {
		a.writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	user, err := a.store.Authenticate(r.Context(), req.Username, req.Password)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			a.writeError(w, http.StatusUnauthorized, "invalid credentials")
			return
		}
		a.storeError(w, err)
		return
	}

	token, err := a.issueToken(user)
	if err != nil {
		a.logger.Error("Failed to sign token", slog.Any("error", err))
		a.writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	a.writeOK(w, map[string]any{"user": user, "token": token})
}

func (a *App) issueToken(user *store.User) (string, error) {
	claims := middleware.AppClaims{
		Username: user.Username,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   user.UUID,
			IssuedAt:  jwt.NewNumericDate(time.Now()),
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(a.config.Server.Auth.TokenTTL)),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString([]byte(a.config.Server.Auth.JWTSecret))
}

func (a *App) handleSelf(w http.ResponseWriter, r *http.Request) {
	reqMeta, _ := middleware.ReqMetadataFrom(r.Context())
	user, err := a.store.UserByUUID(r.Context(), reqMeta.UserID)
	if err != nil {
		a.storeError(w, err)
		return
	}
	a.writeOK(w, user)
}

type updateUserRequest struct {
	Nickname string `json:"nickname"`
	Email    string `json:"email"`
	Password string `json:"password"`
}

func (a *App) handleUpdateUser(w http.ResponseWriter, r *http.Request) {
	reqMeta, _ := middleware.ReqMetadataFrom(r.Context())
	var req updateUserRequest
	if err := decodeBody(r, &req); err != nil {
		a.writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if err := a.store.UpdateUser(r.Context(), reqMeta.UserID, req.Nickname, req.Email, req.Password); err != nil {
		a.storeError(w, err)
		return
	}
	user, err := a.store.UserByUUID(r.Context(), reqMeta.UserID)
	if err != nil {
		a.storeError(w, err)
		return
	}
	a.writeOK(w, user)
}

func (a *App) handleUserByUUID(w http.ResponseWriter, r *http.Request) {
	user, err := a.store.UserByUUID(r.Context(), r.PathValue("uuid"))
	if err != nil {
		a.storeError(w, err)
		return
	}
	a.writeOK(w, user)
}

func (a *App) handleFriends(w http.ResponseWriter, r *http.Request) {
	reqMeta, _ := middleware.ReqMetadataFrom(r.Context())
	friends, err := a.store.Friends(r.Context(), reqMeta.UserID)
	if err != nil {
		a.storeError(w, err)
		return
	}
	a.writeOK(w, friends)
}

type addFriendRequest struct {
	FriendUsername string `json:"friendUsername"`
}

func (a *App) handleAddFriend(w http.ResponseWriter, r *http.Request) {
	reqMeta, _ := middleware.ReqMetadataFrom(r.Context())
	var req addFriendRequest
	if err := decodeBody(r, &req); err != nil {
		a.writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.FriendUsername == "" {
		a.writeError(w, http.StatusBadRequest, "friendUsername is required")
		return
	}
	friend, err := a.store.AddFriend(r.Context(), reqMeta.UserID, req.FriendUsername)
	if err != nil {
		a.storeError(w, err)
		return
	}
	a.writeOK(w, friend)
}

// handleUploadAvatar accepts a multipart "file" field, stores it alongside
// message attachments and records the resulting URL on the profile.
func (a *App) handleUploadAvatar(w http.ResponseWriter, r *http.Request) {
	reqMeta, _ := middleware.ReqMetadataFrom(r.Context())

	if err := r.ParseMultipartForm(8 << 20); err != nil {
		a.writeError(w, http.StatusBadRequest, "invalid multipart body")
		return
	}
	file, _, err := r.FormFile("file")
	if err != nil {
		a.writeError(w, http.StatusBadRequest, "file field is required")
		return
	}
	defer file.Close()

	data, err := io.ReadAll(file)
	if err != nil || len(data) == 0 {
		a.writeError(w, http.StatusBadRequest, "empty upload")
		return
	}

	url, err := a.files.SaveAttachment(data, protocol.ContentImage)
	if err != nil {
		a.logger.Error("Failed to store avatar", slog.Any("error", err))
		a.writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	if err := a.store.UpdateAvatar(r.Context(), reqMeta.UserID, url); err != nil {
		a.storeError(w, err)
		return
	}
	a.writeOK(w, map[string]any{"avatar": url})
}

type createGroupRequest struct {
	Name   string `json:"name"`
	Notice string `json:"notice"`
}

func (a *App) handleCreateGroup(w http.ResponseWriter, r *http.Request) {
	reqMeta, _ := middleware.ReqMetadataFrom(r.Context())
	var req createGroupRequest
	if err := decodeBody(r, &req); err != nil {
		a.writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Name == "" {
		a.writeError(w, http.StatusBadRequest, "group name is required")
		return
	}
	group, err := a.store.CreateGroup(r.Context(), reqMeta.UserID, req.Name, req.Notice)
	if err != nil {
		a.storeError(w, err)
		return
	}
	a.writeOK(w, group)
}

func (a *App) handleJoinGroup(w http.ResponseWriter, r *http.Request) {
	reqMeta, _ := middleware.ReqMetadataFrom(r.Context())
	if err := a.store.JoinGroup(r.Context(), reqMeta.UserID, r.PathValue("uuid"), reqMeta.Username); err != nil {
		a.storeError(w, err)
		return
	}
	a.writeOK(w, nil)
}

func (a *App) handleLeaveGroup(w http.ResponseWriter, r *http.Request) {
	reqMeta, _ := middleware.ReqMetadataFrom(r.Context())
	err := a.store.LeaveGroup(r.Context(), reqMeta.UserID, r.PathValue("uuid"))
	if errors.Is(err, store.ErrConflict) {
		a.writeError(w, http.StatusForbidden, "the owner cannot leave their own group")
		return
	}
	if err != nil {
		a.storeError(w, err)
		return
	}
	a.writeOK(w, nil)
}

func (a *App) handleGroupMembers(w http.ResponseWriter, r *http.Request) {
	members, err := a.store.GroupMembers(r.Context(), r.PathValue("uuid"))
	if err != nil {
		a.storeError(w, err)
		return
	}
	a.writeOK(w, members)
}

func (a *App) handleGroups(w http.ResponseWriter, r *http.Request) {
	reqMeta, _ := middleware.ReqMetadataFrom(r.Context())
	groups, err := a.store.UserGroups(r.Context(), reqMeta.UserID)
	if err != nil {
		a.storeError(w, err)
		return
	}
	a.writeOK(w, groups)
}

// handleMessageHistory serves paginated history for either side of the chat:
// kind=1 needs target=<friend uuid>, kind=2 needs target=<group uuid>.
func (a *App) handleMessageHistory(w http.ResponseWriter, r *http.Request) {
	reqMeta, _ := middleware.ReqMetadataFrom(r.Context())
	q := r.URL.Query()

	kind, _ := strconv.Atoi(q.Get("kind"))
	target := q.Get("target")
	if target == "" {
		a.writeError(w, http.StatusBadRequest, "target is required")
		return
	}
	limit, _ := strconv.Atoi(q.Get("limit"))
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	offset, _ := strconv.Atoi(q.Get("offset"))
	if offset < 0 {
		offset = 0
	}

	var (
		history []store.HistoryMessage
		err     error
	)
	switch protocol.MessageKind(kind) {
	case protocol.KindDirect:
		history, err = a.store.DirectHistory(r.Context(), reqMeta.UserID, target, limit, offset)
	case protocol.KindGroup:
		history, err = a.store.GroupHistory(r.Context(), target, limit, offset)
	default:
		a.writeError(w, http.StatusBadRequest, "unknown message kind")
		return
	}
	if err != nil {
		a.storeError(w, err)
		return
	}
	a.writeOK(w, history)
}

// handleFile serves stored attachments by their generated name. Names are
// uuid-based so path traversal reduces to a not-found.
func (a *App) handleFile(w http.ResponseWriter, r *http.Request) {
	name := filepath.Base(r.PathValue("name"))
	if name == "." || name == "/" {
		a.writeError(w, http.StatusBadRequest, "invalid file name")
		return
	}
	http.ServeFile(w, r, filepath.Join(a.files.Dir(), name))
}

func (a *App) handleHealth(w http.ResponseWriter, r *http.Request) {
	a.writeOK(w, map[string]any{
		"online":      len(a.registry.ListOnline()),
		"activeCalls": a.signaler.ActiveCalls(),
	})
}
