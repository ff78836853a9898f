package api

import (
    "context"
    "encoding/json"
    "errors"
    "net/http"
    "strconv"
    "time"

    "github.com/go-chi/chi/v5"
    "github.com/google/uuid"
    "github.com/rs/zerolog/log"

    "github.com/fitdesk/fitdesk-server/internal/attendance"
    "github.com/fitdesk/fitdesk-server/internal/auth"
    "github.com/fitdesk/fitdesk-server/internal/campaign"
    "github.com/fitdesk/fitdesk-server/internal/lock"
    "github.com/fitdesk/fitdesk-server/internal/models"
    "github.com/fitdesk/fitdesk-server/internal/storage"
    "github.com/fitdesk/fitdesk-server/internal/terminal"
    "github.com/fitdesk/fitdesk-server/internal/validation"
    "github.com/fitdesk/fitdesk-server/pkg/crypto"
)

// ========== Auth handlers ==========

// HandleLogin handles staff login
func (s *RESTServer) HandleLogin(w http.ResponseWriter, r *http.Request) {
    var req struct {
        Email    string `json:"email" validate:"required,email"`
        Password string `json:"password" validate:"required"`
    }

    if !s.decode(w, r, &req) {
        return
    }

    pair, user, err := s.auth.Login(r.Context(), req.Email, req.Password)
    if err != nil {
        if errors.Is(err, auth.ErrInvalidCredentials) {
            s.respondError(w, http.StatusUnauthorized, "invalid credentials")
            return
        }
        s.respondError(w, http.StatusInternalServerError, err.Error())
        return
    }

    s.respondJSON(w, http.StatusOK, map[string]interface{}{
        "accessToken":  pair.AccessToken,
        "refreshToken": pair.RefreshToken,
        "expiresAt":    pair.ExpiresAt,
        "tokenType":    "Bearer",
        "user":         user,
    })
}

// HandleRefresh handles token refresh
func (s *RESTServer) HandleRefresh(w http.ResponseWriter, r *http.Request) {
    var req struct {
        RefreshToken string `json:"refreshToken" validate:"required"`
    }

    if !s.decode(w, r, &req) {
        return
    }

    pair, err := s.auth.RefreshToken(r.Context(), req.RefreshToken)
    if err != nil {
        s.respondError(w, http.StatusUnauthorized, "invalid refresh token")
        return
    }

    s.respondJSON(w, http.StatusOK, map[string]interface{}{
        "accessToken":  pair.AccessToken,
        "refreshToken": pair.RefreshToken,
        "expiresAt":    pair.ExpiresAt,
        "tokenType":    "Bearer",
    })
}

// ========== User handlers ==========

// HandleGetCurrentUser returns the caller's account
func (s *RESTServer) HandleGetCurrentUser(w http.ResponseWriter, r *http.Request) {
    claims := claimsFrom(r.Context())

    user, err := s.store.GetUser(r.Context(), claims.UserID)
    if err != nil {
        s.respondServiceError(w, err)
        return
    }

    s.respondJSON(w, http.StatusOK, user)
}

// HandleCreateUser creates a staff account
func (s *RESTServer) HandleCreateUser(w http.ResponseWriter, r *http.Request) {
    var req struct {
        Email    string `json:"email" validate:"required,email"`
        FullName string `json:"fullName" validate:"required,max=100"`
        Password string `json:"password" validate:"required,min=8"`
        Role     string `json:"role" validate:"required,oneof=ADMIN MANAGER RECEPTION"`
    }

    if !s.decode(w, r, &req) {
        return
    }

    hash, err := crypto.HashPassword(req.Password)
    if err != nil {
        s.respondError(w, http.StatusInternalServerError, "failed to hash password")
        return
    }

    user := &models.User{
        Email:        req.Email,
        FullName:     req.FullName,
        PasswordHash: hash,
        Role:         models.UserRole(req.Role),
        IsActive:     true,
    }

    if err := s.store.CreateUser(r.Context(), user); err != nil {
        s.respondServiceError(w, err)
        return
    }

    log.Info().Str("email", user.Email).Str("role", string(user.Role)).Msg("Staff account created")
    s.respondJSON(w, http.StatusCreated, user)
}

// ========== System handlers ==========

// HandleHealth reports liveness and which channels are usable
func (s *RESTServer) HandleHealth(w http.ResponseWriter, r *http.Request) {
    channels := map[string]bool{}
    for _, ch := range []models.Channel{models.ChannelSMS, models.ChannelWhatsApp, models.ChannelEmail} {
        channels[string(ch)] = s.messenger != nil && s.messenger.Configured(ch)
    }

    s.respondJSON(w, http.StatusOK, map[string]interface{}{
        "status":    "healthy",
        "timestamp": time.Now().Unix(),
        "channels":  channels,
    })
}

// HandleRoot describes the service
func (s *RESTServer) HandleRoot(w http.ResponseWriter, r *http.Request) {
    s.respondJSON(w, http.StatusOK, map[string]interface{}{
        "name":    s.config.Server.Name,
        "version": s.config.Server.Version,
        "api":     "v1",
    })
}

// ========== Helper functions ==========

// respondJSON responds with JSON
func (s *RESTServer) respondJSON(w http.ResponseWriter, status int, payload interface{}) {
    response, err := json.Marshal(payload)
    if err != nil {
        log.Error().Err(err).Msg("Failed to marshal response")
        w.WriteHeader(http.StatusInternalServerError)
        return
    }

    w.Header().Set("Content-Type", "application/json")
    w.WriteHeader(status)
    w.Write(response)
}

// respondError responds with error
func (s *RESTServer) respondError(w http.ResponseWriter, status int, message string) {
    s.respondJSON(w, status, map[string]string{
        "error": message,
    })
}

// respondServiceError maps domain errors onto HTTP status codes
func (s *RESTServer) respondServiceError(w http.ResponseWriter, err error) {
    status := http.StatusInternalServerError
    switch {
    case errors.Is(err, storage.ErrNotFound):
        status = http.StatusNotFound
    case errors.Is(err, storage.ErrDuplicateKey),
        errors.Is(err, campaign.ErrAlreadyRunning),
        errors.Is(err, attendance.ErrDuplicateCheckIn),
        errors.Is(err, lock.ErrLocked):
        status = http.StatusConflict
    case errors.Is(err, storage.ErrInvalidData),
        errors.Is(err, campaign.ErrInvalidTargetRule),
        errors.Is(err, campaign.ErrInvalidCampaignState),
        errors.Is(err, attendance.ErrClientInactive),
        errors.Is(err, attendance.ErrFingerprintRange):
        status = http.StatusUnprocessableEntity
    case errors.Is(err, terminal.ErrConnectionTimeout),
        errors.Is(err, terminal.ErrAuthenticationFailed),
        errors.Is(err, terminal.ErrSessionDefunct),
        errors.Is(err, terminal.ErrEnrollmentRejected),
        errors.Is(err, terminal.ErrNotConnected),
        errors.Is(err, terminal.ErrCommandTimeout),
        errors.Is(err, terminal.ErrProtocol):
        status = http.StatusBadGateway
    case errors.Is(err, context.DeadlineExceeded):
        status = http.StatusGatewayTimeout
    case errors.Is(err, campaign.ErrEngineStopped):
        status = http.StatusServiceUnavailable
    }

    if status == http.StatusInternalServerError {
        log.Error().Err(err).Msg("Request failed")
    }
    s.respondError(w, status, err.Error())
}

// decode reads and validates a JSON body. It writes the error response
// and returns false when the body is unusable.
func (s *RESTServer) decode(w http.ResponseWriter, r *http.Request, dst interface{}) bool {
    if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
        s.respondError(w, http.StatusBadRequest, "invalid request body")
        return false
    }

    if err := s.validator.Validate(dst); err != nil {
        var fe *validation.FieldError
        if errors.As(err, &fe) {
            s.respondError(w, http.StatusUnprocessableEntity, fe.Error())
            return false
        }
        s.respondError(w, http.StatusBadRequest, err.Error())
        return false
    }
    return true
}

// pathID parses the {id} URL parameter
func (s *RESTServer) pathID(w http.ResponseWriter, r *http.Request, what string) (uuid.UUID, bool) {
    id, err := uuid.Parse(chi.URLParam(r, "id"))
    if err != nil {
        s.respondError(w, http.StatusBadRequest, "invalid "+what+" id")
        return uuid.Nil, false
    }
    return id, true
}

// queryID parses an optional uuid query parameter
func queryID(r *http.Request, name string) *uuid.UUID {
    v := r.URL.Query().Get(name)
    if v == "" {
        return nil
    }
    id, err := uuid.Parse(v)
    if err != nil {
        return nil
    }
    return &id
}

// pagination reads limit/offset, defaulting to 20 and capping at 200
func pagination(r *http.Request) (int, int) {
    limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
    if limit <= 0 {
        limit = 20
    }
    if limit > 200 {
        limit = 200
    }
    offset, _ := strconv.Atoi(r.URL.Query().Get("offset"))
    if offset < 0 {
        offset = 0
    }
    return limit, offset
}
