package api

import (
	"context"
	"errors"
	"net/http"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/fitdesk/fitdesk-server/internal/models"
	"github.com/fitdesk/fitdesk-server/internal/storage"
)

// HandleListTerminals lists fingerprint terminals
func (s *RESTServer) HandleListTerminals(w http.ResponseWriter, r *http.Request) {
	terminals, err := s.store.ListTerminals(r.Context(), r.URL.Query().Get("enabled") == "true")
	if err != nil {
		s.respondServiceError(w, err)
		return
	}

	s.respondJSON(w, http.StatusOK, map[string]interface{}{
		"terminals": terminals,
		"total":     len(terminals),
	})
}

// HandleCreateTerminal registers a terminal
func (s *RESTServer) HandleCreateTerminal(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Name    string `json:"name" validate:"required,max=100"`
		Host    string `json:"host" validate:"required,max=253"`
		Port    int    `json:"port" validate:"min=0,max=65535"`
		CommKey uint32 `json:"commKey"`
		Enabled *bool  `json:"enabled"`
	}
	if !s.decode(w, r, &req) {
		return
	}

	t := &models.Terminal{
		Name:    req.Name,
		Host:    req.Host,
		Port:    req.Port,
		CommKey: req.CommKey,
		Enabled: req.Enabled == nil || *req.Enabled,
	}
	if t.Port == 0 {
		t.Port = s.config.Terminals.DefaultPort
	}

	if err := s.store.CreateTerminal(r.Context(), t); err != nil {
		s.respondServiceError(w, err)
		return
	}

	log.Info().Str("terminal", t.Name).Str("addr", t.Address()).Msg("终端已注册")
	s.respondJSON(w, http.StatusCreated, t)
}

// terminal loads the {id} terminal, writing the error response on failure
func (s *RESTServer) terminal(w http.ResponseWriter, r *http.Request) (*models.Terminal, bool) {
	id, ok := s.pathID(w, r, "terminal")
	if !ok {
		return nil, false
	}
	t, err := s.store.GetTerminal(r.Context(), id)
	if err != nil {
		s.respondServiceError(w, err)
		return nil, false
	}
	return t, true
}

// HandleGetTerminal gets a terminal
func (s *RESTServer) HandleGetTerminal(w http.ResponseWriter, r *http.Request) {
	t, ok := s.terminal(w, r)
	if !ok {
		return
	}
	s.respondJSON(w, http.StatusOK, t)
}

// HandleTestTerminal connects to the terminal and reads its counters
func (s *RESTServer) HandleTestTerminal(w http.ResponseWriter, r *http.Request) {
	t, ok := s.terminal(w, r)
	if !ok {
		return
	}

	info, err := s.attendance.TestConnection(r.Context(), t)
	if err != nil {
		s.respondServiceError(w, err)
		return
	}

	s.respondJSON(w, http.StatusOK, info)
}

// HandleSyncTerminal pulls attendance now
func (s *RESTServer) HandleSyncTerminal(w http.ResponseWriter, r *http.Request) {
	t, ok := s.terminal(w, r)
	if !ok {
		return
	}

	res, err := s.attendance.SyncTerminal(r.Context(), t)
	if err != nil {
		// check-ins made before a transport error are kept and reported
		if res != nil {
			s.respondJSON(w, http.StatusBadGateway, res)
			return
		}
		s.respondServiceError(w, err)
		return
	}

	s.respondJSON(w, http.StatusOK, res)
}

type deviceUser struct {
	UID       uint16     `json:"uid"`
	UserID    string     `json:"userId"`
	Name      string     `json:"name"`
	Privilege byte       `json:"privilege"`
	Card      uint32     `json:"card,omitempty"`
	ClientID  *uuid.UUID `json:"clientId,omitempty"`
}

// HandleListTerminalUsers lists the user table of the terminal, matched
// against members by fingerprint id
func (s *RESTServer) HandleListTerminalUsers(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	t, ok := s.terminal(w, r)
	if !ok {
		return
	}

	users, err := s.attendance.ListUsers(ctx, t)
	if err != nil {
		s.respondServiceError(w, err)
		return
	}

	out := make([]deviceUser, 0, len(users))
	for _, u := range users {
		du := deviceUser{UID: u.UID, UserID: u.UserID, Name: u.Name, Privilege: u.Privilege, Card: u.Card}
		if c, err := s.store.FindClientByFingerprint(ctx, int(u.UID)); err == nil {
			id := c.ID
			du.ClientID = &id
		} else if !errors.Is(err, storage.ErrNotFound) && !errors.Is(err, context.Canceled) {
			log.Warn().Err(err).Uint16("uid", u.UID).Msg("Failed to match terminal user")
		}
		out = append(out, du)
	}

	s.respondJSON(w, http.StatusOK, map[string]interface{}{
		"users": out,
		"total": len(out),
	})
}

// HandleEnrollClient registers a member on the terminal
func (s *RESTServer) HandleEnrollClient(w http.ResponseWriter, r *http.Request) {
	t, ok := s.terminal(w, r)
	if !ok {
		return
	}

	var req struct {
		ClientID string `json:"clientId" validate:"required"`
	}
	if !s.decode(w, r, &req) {
		return
	}
	clientID, err := uuid.Parse(req.ClientID)
	if err != nil {
		s.respondError(w, http.StatusBadRequest, "invalid clientId")
		return
	}

	enrollment, err := s.attendance.EnrollClient(r.Context(), t, clientID)
	if err != nil {
		s.respondServiceError(w, err)
		return
	}

	s.respondJSON(w, http.StatusCreated, enrollment)
}
