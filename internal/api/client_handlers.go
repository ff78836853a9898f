package api

import (
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/fitdesk/fitdesk-server/internal/messenger"
	"github.com/fitdesk/fitdesk-server/internal/models"
)

type clientRequest struct {
	FirstName        string `json:"firstName" validate:"required,max=100"`
	LastName         string `json:"lastName" validate:"max=100"`
	Phone            string `json:"phone" validate:"max=32"`
	Email            string `json:"email" validate:"email"`
	MembershipNumber string `json:"membershipNumber" validate:"required,max=32"`
	Status           string `json:"status" validate:"oneof=ACTIVE INACTIVE SUSPENDED"`
}

// phoneOK rejects numbers the SMS and WhatsApp providers could never reach
func (s *RESTServer) phoneOK(w http.ResponseWriter, phone string) bool {
	if phone == "" {
		return true
	}
	if _, err := messenger.NormalizePhone(phone, s.config.Messaging.DefaultCountryCode); err != nil {
		s.respondError(w, http.StatusUnprocessableEntity, "phone: "+err.Error())
		return false
	}
	return true
}

// HandleListClients lists members
func (s *RESTServer) HandleListClients(w http.ResponseWriter, r *http.Request) {
	limit, offset := pagination(r)

	clients, total, err := s.store.ListClients(r.Context(), limit, offset)
	if err != nil {
		s.respondServiceError(w, err)
		return
	}

	s.respondJSON(w, http.StatusOK, map[string]interface{}{
		"clients": clients,
		"total":   total,
	})
}

// HandleCreateClient creates a member
func (s *RESTServer) HandleCreateClient(w http.ResponseWriter, r *http.Request) {
	var req clientRequest
	if !s.decode(w, r, &req) || !s.phoneOK(w, req.Phone) {
		return
	}

	client := &models.Client{
		FirstName:        req.FirstName,
		LastName:         req.LastName,
		Phone:            req.Phone,
		Email:            req.Email,
		MembershipNumber: req.MembershipNumber,
		Status:           models.ClientStatus(req.Status),
	}

	if err := s.store.CreateClient(r.Context(), client); err != nil {
		s.respondServiceError(w, err)
		return
	}

	s.respondJSON(w, http.StatusCreated, client)
}

// HandleGetClient gets a member
func (s *RESTServer) HandleGetClient(w http.ResponseWriter, r *http.Request) {
	id, ok := s.pathID(w, r, "client")
	if !ok {
		return
	}

	client, err := s.store.GetClient(r.Context(), id)
	if err != nil {
		s.respondServiceError(w, err)
		return
	}

	s.respondJSON(w, http.StatusOK, client)
}

// HandleUpdateClient replaces a member's details. The fingerprint id is
// managed by enrollment and kept as is.
func (s *RESTServer) HandleUpdateClient(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	id, ok := s.pathID(w, r, "client")
	if !ok {
		return
	}

	var req clientRequest
	if !s.decode(w, r, &req) || !s.phoneOK(w, req.Phone) {
		return
	}

	client, err := s.store.GetClient(ctx, id)
	if err != nil {
		s.respondServiceError(w, err)
		return
	}

	client.FirstName = req.FirstName
	client.LastName = req.LastName
	client.Phone = req.Phone
	client.Email = req.Email
	client.MembershipNumber = req.MembershipNumber
	if req.Status != "" {
		client.Status = models.ClientStatus(req.Status)
	}

	if err := s.store.UpdateClient(ctx, client); err != nil {
		s.respondServiceError(w, err)
		return
	}

	s.respondJSON(w, http.StatusOK, client)
}

// HandleListSubscriptions lists a member's subscriptions
func (s *RESTServer) HandleListSubscriptions(w http.ResponseWriter, r *http.Request) {
	id, ok := s.pathID(w, r, "client")
	if !ok {
		return
	}

	subs, err := s.store.ListSubscriptions(r.Context(), id)
	if err != nil {
		s.respondServiceError(w, err)
		return
	}

	s.respondJSON(w, http.StatusOK, map[string]interface{}{
		"subscriptions": subs,
		"total":         len(subs),
	})
}

// HandleCreateSubscription adds a membership package to a member
func (s *RESTServer) HandleCreateSubscription(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	id, ok := s.pathID(w, r, "client")
	if !ok {
		return
	}

	var req struct {
		PackageName string    `json:"packageName" validate:"required,max=100"`
		StartDate   time.Time `json:"startDate" validate:"required"`
		EndDate     time.Time `json:"endDate" validate:"required"`
		Status      string    `json:"status" validate:"oneof=ACTIVE EXPIRED FROZEN CANCELLED"`
	}
	if !s.decode(w, r, &req) {
		return
	}

	if !req.EndDate.After(req.StartDate) {
		s.respondError(w, http.StatusUnprocessableEntity, "endDate must be after startDate")
		return
	}

	if _, err := s.store.GetClient(ctx, id); err != nil {
		s.respondServiceError(w, err)
		return
	}

	sub := &models.Subscription{
		ClientID:    id,
		PackageName: req.PackageName,
		StartDate:   req.StartDate,
		EndDate:     req.EndDate,
		Status:      models.SubscriptionStatus(req.Status),
	}
	if err := s.store.CreateSubscription(ctx, sub); err != nil {
		s.respondServiceError(w, err)
		return
	}

	s.respondJSON(w, http.StatusCreated, sub)
}

// HandleListClientCheckIns lists a member's visits
func (s *RESTServer) HandleListClientCheckIns(w http.ResponseWriter, r *http.Request) {
	id, ok := s.pathID(w, r, "client")
	if !ok {
		return
	}
	s.listCheckIns(w, r, &id)
}

// HandleListCheckIns lists visits, optionally for one member
func (s *RESTServer) HandleListCheckIns(w http.ResponseWriter, r *http.Request) {
	s.listCheckIns(w, r, queryID(r, "clientId"))
}

func (s *RESTServer) listCheckIns(w http.ResponseWriter, r *http.Request, clientID *uuid.UUID) {
	limit, offset := pagination(r)

	checkIns, total, err := s.store.ListCheckIns(r.Context(), clientID, limit, offset)
	if err != nil {
		s.respondServiceError(w, err)
		return
	}

	s.respondJSON(w, http.StatusOK, map[string]interface{}{
		"checkins": checkIns,
		"total":    total,
	})
}

// HandleManualCheckIn records a front-desk check-in
func (s *RESTServer) HandleManualCheckIn(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ClientID    string     `json:"clientId" validate:"required"`
		CheckedInAt *time.Time `json:"checkedInAt"`
	}
	if !s.decode(w, r, &req) {
		return
	}

	clientID, err := uuid.Parse(req.ClientID)
	if err != nil {
		s.respondError(w, http.StatusBadRequest, "invalid clientId")
		return
	}

	var at time.Time
	if req.CheckedInAt != nil {
		at = *req.CheckedInAt
	}

	ci, err := s.attendance.ManualCheckIn(r.Context(), clientID, at)
	if err != nil {
		s.respondServiceError(w, err)
		return
	}

	s.respondJSON(w, http.StatusCreated, ci)
}
