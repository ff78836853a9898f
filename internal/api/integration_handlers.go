package api

import (
	"net/http"
	"time"

	"github.com/fitdesk/fitdesk-server/internal/events"
	"github.com/fitdesk/fitdesk-server/internal/models"
	"github.com/fitdesk/fitdesk-server/internal/storage"
)

// Integration 状态（只读，来自配置文件）
type HTTPIntegration struct {
	Enabled  bool     `json:"enabled"`
	Endpoint string   `json:"endpoint,omitempty"`
	Headers  []string `json:"headers,omitempty"` // 只返回名称
	Timeout  int      `json:"timeout"`           // 秒
}

type MQTTIntegration struct {
	Enabled      bool   `json:"enabled"`
	BrokerURL    string `json:"brokerUrl,omitempty"`
	TopicPattern string `json:"topicPattern"`
	QoS          byte   `json:"qos"`
}

// HandleGetIntegrations 返回事件转发配置与订阅主题
func (s *RESTServer) HandleGetIntegrations(w http.ResponseWriter, r *http.Request) {
	wh := s.config.Integration.Webhook
	mq := s.config.Integration.MQTT

	httpCfg := HTTPIntegration{
		Enabled:  wh.URL != "",
		Endpoint: wh.URL,
		Timeout:  int(wh.Timeout / time.Second),
	}
	for name := range wh.Headers {
		httpCfg.Headers = append(httpCfg.Headers, name)
	}

	s.respondJSON(w, http.StatusOK, map[string]interface{}{
		"http": httpCfg,
		"mqtt": MQTTIntegration{
			Enabled:      mq.Broker != "",
			BrokerURL:    mq.Broker,
			TopicPattern: mq.Topic,
			QoS:          mq.QoS,
		},
		"nats": map[string]interface{}{
			"enabled": s.config.NATS.URL != "",
			"subjects": []string{
				events.SubjectCheckInCreated,
				events.SubjectCampaignStatus,
				events.SubjectTerminalSync,
			},
		},
	})
}

// HandleListEvents lists event log entries, newest first
func (s *RESTServer) HandleListEvents(w http.ResponseWriter, r *http.Request) {
	limit, offset := pagination(r)

	filters := storage.EventLogFilters{
		TerminalID: queryID(r, "terminalId"),
		CampaignID: queryID(r, "campaignId"),
		ClientID:   queryID(r, "clientId"),
	}

	if eventType := r.URL.Query().Get("type"); eventType != "" {
		modelEventType := models.EventType(eventType)
		filters.Type = &modelEventType
	}

	if level := r.URL.Query().Get("level"); level != "" {
		modelEventLevel := models.EventLevel(level)
		filters.Level = &modelEventLevel
	}

	if since := r.URL.Query().Get("since"); since != "" {
		if t, err := time.Parse(time.RFC3339, since); err == nil {
			filters.StartTime = &t
		}
	}

	logs, total, err := s.store.ListEventLogs(r.Context(), filters, limit, offset)
	if err != nil {
		s.respondServiceError(w, err)
		return
	}

	s.respondJSON(w, http.StatusOK, map[string]interface{}{
		"events": logs,
		"total":  total,
	})
}
