package api

import (
	"net/http"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/fitdesk/fitdesk-server/internal/campaign"
	"github.com/fitdesk/fitdesk-server/internal/models"
	"github.com/fitdesk/fitdesk-server/internal/storage"
)

// HandleListCampaigns lists campaigns, optionally by status
func (s *RESTServer) HandleListCampaigns(w http.ResponseWriter, r *http.Request) {
	limit, offset := pagination(r)

	var status *models.CampaignStatus
	if v := r.URL.Query().Get("status"); v != "" {
		st := models.CampaignStatus(v)
		status = &st
	}

	campaigns, total, err := s.store.ListCampaigns(r.Context(), status, limit, offset)
	if err != nil {
		s.respondServiceError(w, err)
		return
	}

	s.respondJSON(w, http.StatusOK, map[string]interface{}{
		"campaigns": campaigns,
		"total":     total,
	})
}

// HandleCreateCampaign creates a DRAFT campaign. Unknown placeholders are
// allowed and reported back as warnings.
func (s *RESTServer) HandleCreateCampaign(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Name            string            `json:"name" validate:"required,max=200"`
		Channel         string            `json:"channel" validate:"required,oneof=SMS WHATSAPP EMAIL"`
		ContentTemplate string            `json:"contentTemplate" validate:"required,max=4096"`
		TargetRule      models.TargetRule `json:"targetRule"`
	}
	if !s.decode(w, r, &req) {
		return
	}

	if err := campaign.ValidateRule(req.TargetRule); err != nil {
		s.respondServiceError(w, err)
		return
	}

	c := &models.Campaign{
		Name:            req.Name,
		Channel:         models.Channel(req.Channel),
		ContentTemplate: req.ContentTemplate,
		TargetRule:      req.TargetRule,
		Status:          models.CampaignStatusDraft,
	}
	if err := s.store.CreateCampaign(r.Context(), c); err != nil {
		s.respondServiceError(w, err)
		return
	}

	var warnings []string
	for _, p := range campaign.Placeholders(c.ContentTemplate) {
		if !campaign.KnownPlaceholder(p) {
			warnings = append(warnings, "unknown placeholder {"+p+"} will be sent as is")
		}
	}

	log.Info().
		Str("campaignID", c.ID.String()).
		Str("target", string(c.TargetRule.Type)).
		Msg("Campaign created")

	s.respondJSON(w, http.StatusCreated, map[string]interface{}{
		"campaign": c,
		"warnings": warnings,
	})
}

// HandleGetCampaign gets a campaign with its counters
func (s *RESTServer) HandleGetCampaign(w http.ResponseWriter, r *http.Request) {
	id, ok := s.pathID(w, r, "campaign")
	if !ok {
		return
	}

	c, err := s.store.GetCampaign(r.Context(), id)
	if err != nil {
		s.respondServiceError(w, err)
		return
	}

	s.respondJSON(w, http.StatusOK, c)
}

// HandleSendCampaign starts a run. It answers once recipients are resolved;
// sending continues in the background.
func (s *RESTServer) HandleSendCampaign(w http.ResponseWriter, r *http.Request) {
	id, ok := s.pathID(w, r, "campaign")
	if !ok {
		return
	}

	c, err := s.campaigns.StartRun(r.Context(), id)
	if err != nil {
		s.respondServiceError(w, err)
		return
	}

	s.respondJSON(w, http.StatusAccepted, c)
}

// HandlePreviewCampaign resolves recipients and renders the first message
func (s *RESTServer) HandlePreviewCampaign(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	id, ok := s.pathID(w, r, "campaign")
	if !ok {
		return
	}

	c, err := s.store.GetCampaign(ctx, id)
	if err != nil {
		s.respondServiceError(w, err)
		return
	}

	recipients, err := s.campaigns.Preview(ctx, id)
	if err != nil {
		s.respondServiceError(w, err)
		return
	}

	sample := ""
	if len(recipients) > 0 {
		sample = campaign.Render(c.ContentTemplate, recipients[0].Vars())
	}

	s.respondJSON(w, http.StatusOK, map[string]interface{}{
		"recipients": recipients,
		"total":      len(recipients),
		"sample":     sample,
	})
}

// HandleListCampaignMessages lists the message records of one campaign
func (s *RESTServer) HandleListCampaignMessages(w http.ResponseWriter, r *http.Request) {
	id, ok := s.pathID(w, r, "campaign")
	if !ok {
		return
	}

	filters := storage.MessageFilters{CampaignID: &id}
	if v := r.URL.Query().Get("status"); v != "" {
		st := models.MessageStatus(v)
		filters.Status = &st
	}
	s.listMessages(w, r, filters)
}

// HandleScheduleCampaign arranges a future start
func (s *RESTServer) HandleScheduleCampaign(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	id, ok := s.pathID(w, r, "campaign")
	if !ok {
		return
	}

	var req struct {
		ScheduledAt time.Time `json:"scheduledAt" validate:"required"`
	}
	if !s.decode(w, r, &req) {
		return
	}

	if err := s.campaigns.Schedule(ctx, id, req.ScheduledAt); err != nil {
		s.respondServiceError(w, err)
		return
	}

	c, err := s.store.GetCampaign(ctx, id)
	if err != nil {
		s.respondServiceError(w, err)
		return
	}
	s.respondJSON(w, http.StatusOK, c)
}

// HandleCancelCampaign cancels a draft, scheduled or running campaign
func (s *RESTServer) HandleCancelCampaign(w http.ResponseWriter, r *http.Request) {
	id, ok := s.pathID(w, r, "campaign")
	if !ok {
		return
	}

	if err := s.campaigns.Cancel(r.Context(), id); err != nil {
		s.respondServiceError(w, err)
		return
	}

	s.respondJSON(w, http.StatusAccepted, map[string]interface{}{
		"id":      id,
		"message": "cancellation requested",
	})
}
