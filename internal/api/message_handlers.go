package api

import (
	"net/http"

	"github.com/google/uuid"

	"github.com/fitdesk/fitdesk-server/internal/campaign"
	"github.com/fitdesk/fitdesk-server/internal/models"
	"github.com/fitdesk/fitdesk-server/internal/storage"
)

// HandleSendMessage sends one message outside any campaign. The address
// is taken from the client when only clientId is given.
func (s *RESTServer) HandleSendMessage(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req struct {
		Channel  string `json:"channel" validate:"required,oneof=SMS WHATSAPP EMAIL"`
		ClientID string `json:"clientId"`
		Address  string `json:"address" validate:"max=254"`
		Content  string `json:"content" validate:"required,max=4096"`
	}
	if !s.decode(w, r, &req) {
		return
	}

	msg := campaign.DirectMessage{
		Channel: models.Channel(req.Channel),
		Address: req.Address,
		Content: req.Content,
	}

	if req.ClientID != "" {
		id, err := uuid.Parse(req.ClientID)
		if err != nil {
			s.respondError(w, http.StatusBadRequest, "invalid clientId")
			return
		}
		client, err := s.store.GetClient(ctx, id)
		if err != nil {
			s.respondServiceError(w, err)
			return
		}
		msg.ClientID = &id
		if msg.Address == "" {
			msg.Address = client.Phone
			if msg.Channel == models.ChannelEmail {
				msg.Address = client.Email
			}
		}
	}

	if msg.Address == "" {
		s.respondError(w, http.StatusUnprocessableEntity, "no address for this channel")
		return
	}

	record, err := s.campaigns.SendDirect(ctx, msg)
	if err != nil {
		s.respondServiceError(w, err)
		return
	}

	// a provider failure is still a recorded message
	status := http.StatusCreated
	if record.Status == models.MessageStatusFailed {
		status = http.StatusBadGateway
	}
	s.respondJSON(w, status, record)
}

// HandleListMessages lists message records
func (s *RESTServer) HandleListMessages(w http.ResponseWriter, r *http.Request) {
	filters := storage.MessageFilters{
		CampaignID: queryID(r, "campaignId"),
		ClientID:   queryID(r, "clientId"),
	}
	if v := r.URL.Query().Get("status"); v != "" {
		st := models.MessageStatus(v)
		filters.Status = &st
	}
	s.listMessages(w, r, filters)
}

func (s *RESTServer) listMessages(w http.ResponseWriter, r *http.Request, filters storage.MessageFilters) {
	limit, offset := pagination(r)

	msgs, total, err := s.store.ListMessages(r.Context(), filters, limit, offset)
	if err != nil {
		s.respondServiceError(w, err)
		return
	}

	s.respondJSON(w, http.StatusOK, map[string]interface{}{
		"messages": msgs,
		"total":    total,
	})
}
