package server

import (
	"context"
	"errors"
	"testing"

	"github.com/google/uuid"

	"github.com/fitdesk/fitdesk-server/internal/attendance"
	"github.com/fitdesk/fitdesk-server/internal/models"
	"github.com/fitdesk/fitdesk-server/internal/storage"
)

type stubSyncer struct {
	synced []uuid.UUID
	all    int
}

func (s *stubSyncer) SyncTerminal(ctx context.Context, t *models.Terminal) (*attendance.Result, error) {
	s.synced = append(s.synced, t.ID)
	return &attendance.Result{TerminalID: t.ID, Punches: 3}, nil
}

func (s *stubSyncer) SyncAll(ctx context.Context) ([]*attendance.Result, error) {
	s.all++
	return nil, nil
}

type stubStarter struct{ err error }

func (s stubStarter) StartRun(ctx context.Context, id uuid.UUID) (*models.Campaign, error) {
	if s.err != nil {
		return nil, s.err
	}
	c := &models.Campaign{Status: models.CampaignStatusRunning}
	c.ID = id
	return c, nil
}

func TestHandleSyncRequest(t *testing.T) {
	store := storage.NewMemoryStore()
	term := &models.Terminal{Name: "door", Host: "10.0.0.2", Port: 4370, Enabled: true}
	store.CreateTerminal(context.Background(), term)

	syncer := &stubSyncer{}
	s := NewNATSSubscriber(nil, store, syncer, stubStarter{})

	tests := []struct {
		name   string
		data   string
		wantOK bool
	}{
		{"all terminals", ``, true},
		{"one terminal", `{"terminalId":"` + term.ID.String() + `"}`, true},
		{"unknown terminal", `{"terminalId":"` + uuid.NewString() + `"}`, false},
		{"bad id", `{"terminalId":"7"}`, false},
		{"bad json", `{`, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := s.handleSyncRequest(context.Background(), []byte(tt.data))
			if r.OK != tt.wantOK {
				t.Errorf("reply = %+v", r)
			}
		})
	}

	if syncer.all != 1 || len(syncer.synced) != 1 || syncer.synced[0] != term.ID {
		t.Errorf("syncer calls: all=%d synced=%v", syncer.all, syncer.synced)
	}
}

func TestHandleCampaignRequest(t *testing.T) {
	id := uuid.New()

	ok := NewNATSSubscriber(nil, nil, nil, stubStarter{})
	if r := ok.handleCampaignRequest(context.Background(), []byte(`{"campaignId":"`+id.String()+`"}`)); !r.OK {
		t.Errorf("reply = %+v", r)
	}

	busy := NewNATSSubscriber(nil, nil, nil, stubStarter{err: errors.New("campaign already running")})
	if r := busy.handleCampaignRequest(context.Background(), []byte(`{"campaignId":"`+id.String()+`"}`)); r.OK || r.Error == "" {
		t.Errorf("reply = %+v", r)
	}

	if r := ok.handleCampaignRequest(context.Background(), []byte(`{}`)); r.OK {
		t.Errorf("missing id reply = %+v", r)
	}
}
