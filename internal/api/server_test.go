package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/fitdesk/fitdesk-server/internal/attendance"
	"github.com/fitdesk/fitdesk-server/internal/auth"
	"github.com/fitdesk/fitdesk-server/internal/campaign"
	"github.com/fitdesk/fitdesk-server/internal/config"
	"github.com/fitdesk/fitdesk-server/internal/messenger"
	"github.com/fitdesk/fitdesk-server/internal/models"
	"github.com/fitdesk/fitdesk-server/internal/storage"
	"github.com/fitdesk/fitdesk-server/internal/terminal"
	"github.com/fitdesk/fitdesk-server/pkg/crypto"
	"github.com/fitdesk/fitdesk-server/pkg/zkproto"
)

type okProvider struct{}

func (okProvider) Send(ctx context.Context, address, content string) messenger.SendResult {
	if strings.HasSuffix(address, "0000") {
		return messenger.Failed("rejected", errors.New("blocked number"))
	}
	return messenger.SendResult{Success: true, ProviderStatus: "queued"}
}

type stubDevice struct {
	connectErr error
}

func (d *stubDevice) Connect(ctx context.Context) error { return d.connectErr }
func (d *stubDevice) Disconnect()                       {}
func (d *stubDevice) FetchAttendance(ctx context.Context) (*terminal.AttendanceLog, error) {
	return &terminal.AttendanceLog{}, nil
}
func (d *stubDevice) EnumerateUsers(ctx context.Context) ([]zkproto.User, error) {
	return []zkproto.User{{UID: 1, Name: "Sara"}}, nil
}
func (d *stubDevice) ReadSizes(ctx context.Context) (*zkproto.Sizes, error) {
	return &zkproto.Sizes{Users: 1}, nil
}
func (d *stubDevice) EnrollUser(ctx context.Context, uid uint16, name string, privilege byte) error {
	return nil
}

type testServer struct {
	t      *testing.T
	store  *storage.MemoryStore
	engine *campaign.Engine
	device *stubDevice
	http   *httptest.Server
	tokens map[models.UserRole]string
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()

	cfg := &config.Config{}
	cfg.Server.Name = "fitdesk"
	cfg.API.CORSOrigins = []string{"*"}
	cfg.JWT = config.JWTConfig{Secret: "test", AccessTokenTTL: time.Hour, RefreshTokenTTL: time.Hour}
	cfg.Terminals.DefaultPort = 4370
	cfg.Messaging.DefaultCountryCode = "212"

	store := storage.NewMemoryStore()
	gw := messenger.NewGateway()
	gw.Register(models.ChannelSMS, okProvider{})

	engine := campaign.NewEngine(store, campaign.NewResolver(store, nil, time.UTC), gw, campaign.Options{})
	t.Cleanup(engine.Stop)

	dev := &stubDevice{}
	syncer := attendance.NewSyncer(store, func(*models.Terminal) attendance.Device { return dev }, attendance.Options{})

	jwt := auth.NewJWTManager(&cfg.JWT, store)
	srv := NewRESTServer(cfg, Services{
		Store:      store,
		Auth:       jwt,
		Campaigns:  engine,
		Attendance: syncer,
		Messenger:  gw,
	})

	ts := &testServer{t: t, store: store, engine: engine, device: dev, tokens: map[models.UserRole]string{}}
	ts.http = httptest.NewServer(srv.Handler())
	t.Cleanup(ts.http.Close)

	hash, _ := crypto.HashPassword("password1")
	for _, role := range []models.UserRole{models.UserRoleAdmin, models.UserRoleReception} {
		u := &models.User{Email: strings.ToLower(string(role)) + "@club.ma", PasswordHash: hash, Role: role, IsActive: true}
		if err := store.CreateUser(context.Background(), u); err != nil {
			t.Fatal(err)
		}
		pair, err := jwt.GenerateTokenPair(u)
		if err != nil {
			t.Fatal(err)
		}
		ts.tokens[role] = pair.AccessToken
	}
	return ts
}

// do sends a request as role ("" for anonymous) and decodes the reply into out
func (ts *testServer) do(role models.UserRole, method, path string, body interface{}, out interface{}) int {
	ts.t.Helper()

	var buf bytes.Buffer
	if body != nil {
		json.NewEncoder(&buf).Encode(body)
	}
	req, _ := http.NewRequest(method, ts.http.URL+"/api/v1"+path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if role != "" {
		req.Header.Set("Authorization", "Bearer "+ts.tokens[role])
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		ts.t.Fatal(err)
	}
	defer resp.Body.Close()
	if out != nil {
		json.NewDecoder(resp.Body).Decode(out)
	}
	return resp.StatusCode
}

func (ts *testServer) client(first, phone string) *models.Client {
	ts.t.Helper()
	c := &models.Client{FirstName: first, LastName: "Test", Phone: phone, MembershipNumber: "M-" + first}
	if err := ts.store.CreateClient(context.Background(), c); err != nil {
		ts.t.Fatal(err)
	}
	return c
}

func TestAuth(t *testing.T) {
	ts := newTestServer(t)

	var login struct {
		AccessToken string `json:"accessToken"`
	}
	if code := ts.do("", "POST", "/auth/login", map[string]string{"email": "admin@club.ma", "password": "password1"}, &login); code != http.StatusOK || login.AccessToken == "" {
		t.Fatalf("login = %d %+v", code, login)
	}

	tests := []struct {
		name string
		role models.UserRole
		path string
		want int
	}{
		{"anonymous", "", "/clients", http.StatusUnauthorized},
		{"reception reads clients", models.UserRoleReception, "/clients", http.StatusOK},
		{"reception blocked from campaigns", models.UserRoleReception, "/campaigns", http.StatusForbidden},
		{"admin reads campaigns", models.UserRoleAdmin, "/campaigns", http.StatusOK},
		{"me", models.UserRoleReception, "/users/me", http.StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if code := ts.do(tt.role, "GET", tt.path, nil, nil); code != tt.want {
				t.Errorf("GET %s = %d, want %d", tt.path, code, tt.want)
			}
		})
	}

	if code := ts.do("", "POST", "/auth/login", map[string]string{"email": "admin@club.ma", "password": "wrong"}, nil); code != http.StatusUnauthorized {
		t.Errorf("bad password = %d", code)
	}
}

func TestCreateClient(t *testing.T) {
	ts := newTestServer(t)

	tests := []struct {
		name string
		body map[string]string
		want int
	}{
		{"valid", map[string]string{"firstName": "Sara", "phone": "0612345678", "membershipNumber": "M-1"}, http.StatusCreated},
		{"duplicate membership", map[string]string{"firstName": "Other", "membershipNumber": "M-1"}, http.StatusConflict},
		{"bad phone", map[string]string{"firstName": "Sara", "phone": "call me", "membershipNumber": "M-2"}, http.StatusUnprocessableEntity},
		{"missing name", map[string]string{"membershipNumber": "M-3"}, http.StatusUnprocessableEntity},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if code := ts.do(models.UserRoleReception, "POST", "/clients", tt.body, nil); code != tt.want {
				t.Errorf("status = %d, want %d", code, tt.want)
			}
		})
	}
}

func TestCampaignLifecycle(t *testing.T) {
	ts := newTestServer(t)
	a := ts.client("Amal", "+212611111111")
	b := ts.client("Badr", "+212600000000")

	bad := map[string]interface{}{
		"name": "x", "channel": "SMS", "contentTemplate": "Hi",
		"targetRule": map[string]interface{}{"type": "SPECIFIC_CLIENTS", "clientIds": []string{}},
	}
	if code := ts.do(models.UserRoleAdmin, "POST", "/campaigns", bad, nil); code != http.StatusUnprocessableEntity {
		t.Errorf("empty client list = %d", code)
	}

	var created struct {
		Campaign models.Campaign `json:"campaign"`
		Warnings []string        `json:"warnings"`
	}
	body := map[string]interface{}{
		"name": "May promo", "channel": "SMS", "contentTemplate": "Hi {name} {coupon}",
		"targetRule": map[string]interface{}{"type": "SPECIFIC_CLIENTS", "clientIds": []string{a.ID.String(), b.ID.String()}},
	}
	if code := ts.do(models.UserRoleAdmin, "POST", "/campaigns", body, &created); code != http.StatusCreated {
		t.Fatalf("create = %d", code)
	}
	if created.Campaign.Status != models.CampaignStatusDraft || len(created.Warnings) != 1 {
		t.Errorf("created = %+v", created)
	}
	path := "/campaigns/" + created.Campaign.ID.String()

	var preview struct {
		Total  int    `json:"total"`
		Sample string `json:"sample"`
	}
	ts.do(models.UserRoleAdmin, "GET", path+"/preview", nil, &preview)
	if preview.Total != 2 || preview.Sample != "Hi Amal Test {coupon}" {
		t.Errorf("preview = %+v", preview)
	}

	if code := ts.do(models.UserRoleAdmin, "POST", path+"/send", nil, nil); code != http.StatusAccepted {
		t.Fatalf("send = %d", code)
	}
	ts.engine.Wait()

	var got models.Campaign
	ts.do(models.UserRoleAdmin, "GET", path, nil, &got)
	if got.Status != models.CampaignStatusCompleted || got.SentCount != 1 || got.FailedCount != 1 || got.DeliveredCount != 1 {
		t.Errorf("campaign = %+v", got)
	}

	var msgs struct {
		Total int `json:"total"`
	}
	ts.do(models.UserRoleAdmin, "GET", path+"/messages?status=FAILED", nil, &msgs)
	if msgs.Total != 1 {
		t.Errorf("failed messages = %d, want 1", msgs.Total)
	}

	if code := ts.do(models.UserRoleAdmin, "POST", path+"/send", nil, nil); code != http.StatusUnprocessableEntity {
		t.Errorf("resend completed campaign = %d", code)
	}
	if code := ts.do(models.UserRoleAdmin, "GET", "/campaigns/7b0c7a1e-0000-4000-8000-000000000000", nil, nil); code != http.StatusNotFound {
		t.Errorf("unknown campaign = %d", code)
	}
}

func TestScheduleAndCancel(t *testing.T) {
	ts := newTestServer(t)
	a := ts.client("Amal", "+212611111111")

	c := &models.Campaign{Name: "later", Channel: models.ChannelSMS, ContentTemplate: "x", Status: models.CampaignStatusDraft,
		TargetRule: models.TargetRule{Type: models.TargetSpecificClients, ClientIDs: []string{a.ID.String()}}}
	ts.store.CreateCampaign(context.Background(), c)
	path := "/campaigns/" + c.ID.String()

	if code := ts.do(models.UserRoleAdmin, "POST", path+"/schedule", map[string]interface{}{"scheduledAt": time.Now().Add(-time.Hour)}, nil); code != http.StatusUnprocessableEntity {
		t.Errorf("past schedule = %d", code)
	}

	var got models.Campaign
	if code := ts.do(models.UserRoleAdmin, "POST", path+"/schedule", map[string]interface{}{"scheduledAt": time.Now().Add(time.Hour)}, &got); code != http.StatusOK || got.Status != models.CampaignStatusScheduled {
		t.Errorf("schedule = %d %+v", code, got)
	}

	if code := ts.do(models.UserRoleAdmin, "POST", path+"/cancel", nil, nil); code != http.StatusAccepted {
		t.Errorf("cancel = %d", code)
	}
	if code := ts.do(models.UserRoleAdmin, "POST", path+"/cancel", nil, nil); code != http.StatusUnprocessableEntity {
		t.Errorf("second cancel = %d", code)
	}
}

func TestSendMessage(t *testing.T) {
	ts := newTestServer(t)
	a := ts.client("Amal", "+212611111111")

	var rec models.MessageRecord
	if code := ts.do(models.UserRoleAdmin, "POST", "/messages", map[string]string{"channel": "SMS", "clientId": a.ID.String(), "content": "See you"}, &rec); code != http.StatusCreated {
		t.Fatalf("send = %d", code)
	}
	if rec.Address != "+212611111111" || rec.Status != models.MessageStatusSent || rec.ClientID == nil {
		t.Errorf("record = %+v", rec)
	}

	if code := ts.do(models.UserRoleAdmin, "POST", "/messages", map[string]string{"channel": "WHATSAPP", "address": "+212611111111", "content": "x"}, &rec); code != http.StatusBadGateway || rec.ProviderStatus != "not_configured" {
		t.Errorf("unconfigured channel = %d %+v", code, rec)
	}

	if code := ts.do(models.UserRoleAdmin, "POST", "/messages", map[string]string{"channel": "EMAIL", "clientId": a.ID.String(), "content": "x"}, nil); code != http.StatusUnprocessableEntity {
		t.Errorf("client without email = %d", code)
	}
}

func TestCheckInsAndTerminals(t *testing.T) {
	ts := newTestServer(t)
	a := ts.client("Amal", "+212611111111")

	if code := ts.do(models.UserRoleReception, "POST", "/checkins", map[string]string{"clientId": a.ID.String()}, nil); code != http.StatusCreated {
		t.Fatalf("check-in = %d", code)
	}
	if code := ts.do(models.UserRoleReception, "POST", "/checkins", map[string]string{"clientId": a.ID.String()}, nil); code != http.StatusConflict {
		t.Errorf("duplicate check-in = %d", code)
	}

	var term models.Terminal
	if code := ts.do(models.UserRoleAdmin, "POST", "/terminals", map[string]string{"name": "door", "host": "10.0.0.9"}, &term); code != http.StatusCreated || term.Port != 4370 {
		t.Fatalf("create terminal = %d %+v", code, term)
	}
	path := "/terminals/" + term.ID.String()

	var enrollment attendance.Enrollment
	if code := ts.do(models.UserRoleAdmin, "POST", path+"/enroll", map[string]string{"clientId": a.ID.String()}, &enrollment); code != http.StatusCreated || enrollment.FingerprintID != 1 {
		t.Errorf("enroll = %d %+v", code, enrollment)
	}

	var users struct {
		Users []deviceUser `json:"users"`
	}
	ts.do(models.UserRoleAdmin, "GET", path+"/users", nil, &users)
	if len(users.Users) != 1 || users.Users[0].ClientID == nil || *users.Users[0].ClientID != a.ID {
		t.Errorf("users = %+v", users)
	}

	ts.device.connectErr = terminal.ErrConnectionTimeout
	if code := ts.do(models.UserRoleReception, "POST", path+"/sync", nil, nil); code != http.StatusBadGateway {
		t.Errorf("sync unreachable terminal = %d", code)
	}
	if code := ts.do(models.UserRoleReception, "POST", path+"/test", nil, nil); code != http.StatusBadGateway {
		t.Errorf("test unreachable terminal = %d", code)
	}
}
