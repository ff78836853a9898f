package integration

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog/log"

	"github.com/fitdesk/fitdesk-server/internal/events"
	"github.com/fitdesk/fitdesk-server/internal/models"
	"github.com/fitdesk/fitdesk-server/internal/storage"
)

// HTTPConfig is the webhook target
type HTTPConfig struct {
	Endpoint string
	Headers  map[string]string
	Timeout  time.Duration
}

// MQTTConfig is the broker target. Topic may contain {kind}, which is
// replaced by checkin, campaign or terminal.
type MQTTConfig struct {
	BrokerURL string
	ClientID  string
	Username  string
	Password  string
	Topic     string
	QoS       byte
}

// ForwarderService 把俱乐部事件转发到外部系统（门禁控制器、Webhook）
type ForwarderService struct {
	nc    *nats.Conn
	store storage.EventStore

	httpCfg *HTTPConfig
	mqttCfg *MQTTConfig

	mqttClient mqtt.Client
	clientMu   sync.Mutex

	httpClient *http.Client
	wg         sync.WaitGroup
}

// NewForwarderService 创建转发服务. A nil config disables that target.
func NewForwarderService(nc *nats.Conn, store storage.EventStore, httpCfg *HTTPConfig, mqttCfg *MQTTConfig) *ForwarderService {
	timeout := 30 * time.Second
	if httpCfg != nil && httpCfg.Timeout > 0 {
		timeout = httpCfg.Timeout
	}
	return &ForwarderService{
		nc:      nc,
		store:   store,
		httpCfg: httpCfg,
		mqttCfg: mqttCfg,
		httpClient: &http.Client{
			Timeout: timeout,
		},
	}
}

// Start 启动转发服务，阻塞到 ctx 结束
func (s *ForwarderService) Start(ctx context.Context) error {
	subjects := []string{
		events.SubjectCheckInCreated,
		events.SubjectCampaignStatus,
		events.SubjectTerminalSync,
	}

	var subs []*nats.Subscription
	for _, subject := range subjects {
		sub, err := s.nc.Subscribe(subject, func(msg *nats.Msg) {
			s.handleEvent(msg.Subject, msg.Data)
		})
		if err != nil {
			for _, sub := range subs {
				sub.Unsubscribe()
			}
			return fmt.Errorf("subscribe to %s: %w", subject, err)
		}
		subs = append(subs, sub)
	}

	if s.mqttCfg != nil {
		if s.getMQTTClient() == nil {
			log.Error().Str("broker", s.mqttCfg.BrokerURL).Msg("Failed to initialize MQTT connection")
		}
	}

	log.Info().
		Int("subscriptions", len(subs)).
		Bool("http", s.httpCfg != nil).
		Bool("mqtt", s.mqttCfg != nil).
		Msg("Integration forwarder service started")

	<-ctx.Done()

	for _, sub := range subs {
		sub.Unsubscribe()
	}
	s.wg.Wait()
	s.closeMQTTConnection()

	return nil
}

// kindOf maps a subject to the event kind used in payloads and topics
func kindOf(subject string) string {
	switch {
	case subject == events.SubjectCheckInCreated:
		return "checkin"
	case strings.HasPrefix(subject, "club.campaign."):
		return "campaign"
	case strings.HasPrefix(subject, "club.terminal."):
		return "terminal"
	}
	return ""
}

// envelope wraps an event for external consumers
type envelope struct {
	Type      string          `json:"type"`
	Subject   string          `json:"subject"`
	Data      json.RawMessage `json:"data"`
	Timestamp time.Time       `json:"timestamp"`
}

func (s *ForwarderService) handleEvent(subject string, data []byte) {
	kind := kindOf(subject)
	if kind == "" || !json.Valid(data) {
		log.Warn().Str("subject", subject).Msg("Dropping unrecognised event")
		return
	}

	payload, err := json.Marshal(envelope{
		Type:      kind,
		Subject:   subject,
		Data:      data,
		Timestamp: time.Now(),
	})
	if err != nil {
		log.Error().Err(err).Msg("Failed to marshal forward data")
		return
	}

	if s.httpCfg != nil {
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.forwardToHTTP(kind, payload)
		}()
	}

	if s.mqttCfg != nil {
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.forwardToMQTT(kind, payload)
		}()
	}
}

// forwardToHTTP 转发数据到 HTTP
func (s *ForwarderService) forwardToHTTP(kind string, payload []byte) error {
	req, err := http.NewRequest(http.MethodPost, s.httpCfg.Endpoint, bytes.NewReader(payload))
	if err != nil {
		log.Error().Err(err).Msg("Failed to create HTTP request")
		return err
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Fitdesk-Event", kind)
	for k, v := range s.httpCfg.Headers {
		req.Header.Set(k, v)
	}

	resp, err := s.httpClient.Do(req)
	if err != nil {
		log.Error().
			Err(err).
			Str("endpoint", s.httpCfg.Endpoint).
			Msg("Failed to forward event to HTTP")
		s.recordFailure("HTTP", err.Error())
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		err := fmt.Errorf("webhook returned %d", resp.StatusCode)
		log.Error().
			Int("status", resp.StatusCode).
			Str("endpoint", s.httpCfg.Endpoint).
			Msg("HTTP forward failed")
		s.recordFailure("HTTP", err.Error())
		return err
	}

	log.Debug().
		Str("kind", kind).
		Str("endpoint", s.httpCfg.Endpoint).
		Msg("Event forwarded to HTTP successfully")
	return nil
}

// topicFor expands the configured topic pattern
func topicFor(pattern, kind string) string {
	if strings.Contains(pattern, "{kind}") {
		return strings.ReplaceAll(pattern, "{kind}", kind)
	}
	return strings.TrimRight(pattern, "/") + "/" + kind
}

// forwardToMQTT 转发数据到 MQTT
func (s *ForwarderService) forwardToMQTT(kind string, payload []byte) {
	client := s.getMQTTClient()
	if client == nil {
		return
	}

	topic := topicFor(s.mqttCfg.Topic, kind)
	token := client.Publish(topic, s.mqttCfg.QoS, false, payload)
	if !token.WaitTimeout(5 * time.Second) {
		log.Error().Str("topic", topic).Msg("MQTT publish timeout")
		return
	}
	if err := token.Error(); err != nil {
		log.Error().Err(err).Str("topic", topic).Msg("Failed to publish to MQTT")
		s.recordFailure("MQTT", err.Error())
		return
	}

	log.Debug().Str("topic", topic).Msg("Event forwarded to MQTT successfully")
}

// getMQTTClient returns the connected client, connecting on first use
func (s *ForwarderService) getMQTTClient() mqtt.Client {
	s.clientMu.Lock()
	defer s.clientMu.Unlock()

	if s.mqttClient != nil && s.mqttClient.IsConnected() {
		return s.mqttClient
	}

	opts := mqtt.NewClientOptions()
	opts.AddBroker(s.mqttCfg.BrokerURL)
	opts.SetClientID(s.mqttCfg.ClientID)

	if s.mqttCfg.Username != "" {
		opts.SetUsername(s.mqttCfg.Username)
		opts.SetPassword(s.mqttCfg.Password)
	}

	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetConnectTimeout(10 * time.Second)
	opts.SetKeepAlive(30 * time.Second)

	opts.SetOnConnectHandler(func(client mqtt.Client) {
		log.Info().Str("broker", s.mqttCfg.BrokerURL).Msg("MQTT client connected")
	})

	opts.SetConnectionLostHandler(func(client mqtt.Client, err error) {
		log.Error().Err(err).Str("broker", s.mqttCfg.BrokerURL).Msg("MQTT connection lost")
	})

	client := mqtt.NewClient(opts)
	token := client.Connect()

	if token.WaitTimeout(10*time.Second) && token.Error() == nil {
		s.mqttClient = client
		return client
	}

	log.Error().
		Err(token.Error()).
		Str("broker", s.mqttCfg.BrokerURL).
		Msg("Failed to connect MQTT client")
	return nil
}

// closeMQTTConnection 关闭 MQTT 连接
func (s *ForwarderService) closeMQTTConnection() {
	s.clientMu.Lock()
	defer s.clientMu.Unlock()

	if s.mqttClient != nil && s.mqttClient.IsConnected() {
		s.mqttClient.Disconnect(250)
		log.Info().Msg("MQTT client disconnected")
	}
	s.mqttClient = nil
}

func (s *ForwarderService) recordFailure(target, reason string) {
	if s.store == nil {
		return
	}
	entry := &models.EventLog{
		Type:        models.EventTypeIntegration,
		Level:       models.EventLevelWarning,
		Code:        target + "_FORWARD_FAILED",
		Description: reason,
	}
	if err := s.store.CreateEventLog(context.Background(), entry); err != nil {
		log.Error().Err(err).Msg("Failed to create event log")
	}
}
