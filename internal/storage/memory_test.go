package storage

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/fitdesk/fitdesk-server/internal/models"
)

func TestMemoryStoreTryStartRunIsExclusive(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()

	c := &models.Campaign{Name: "promo", Channel: models.ChannelSMS, ContentTemplate: "hi"}
	if err := store.CreateCampaign(ctx, c); err != nil {
		t.Fatalf("CreateCampaign: %v", err)
	}

	var wins int32
	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ok, err := store.TryStartRun(ctx, c.ID, time.Now())
			if err != nil {
				t.Error(err)
			}
			if ok {
				atomic.AddInt32(&wins, 1)
			}
		}()
	}
	wg.Wait()

	if wins != 1 {
		t.Fatalf("%d callers won the transition, want 1", wins)
	}

	got, _ := store.GetCampaign(ctx, c.ID)
	if got.Status != models.CampaignStatusRunning || got.StartedAt == nil {
		t.Errorf("campaign = %+v", got)
	}
}

func TestMemoryStoreUpdateCampaignStatusGuardsFrom(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()

	c := &models.Campaign{Name: "promo", Channel: models.ChannelSMS}
	store.CreateCampaign(ctx, c)

	ok, err := store.UpdateCampaignStatus(ctx, c.ID, CampaignStatusUpdate{
		From: models.CampaignStatusRunning,
		To:   models.CampaignStatusCompleted,
	})
	if err != nil || ok {
		t.Fatalf("update from wrong status = %v, %v", ok, err)
	}

	store.TryStartRun(ctx, c.ID, time.Now())
	store.IncrementCampaignCounters(ctx, c.ID, 3, 1)

	total := 4
	ok, err = store.UpdateCampaignStatus(ctx, c.ID, CampaignStatusUpdate{
		From:            models.CampaignStatusRunning,
		To:              models.CampaignStatusCompleted,
		TotalRecipients: &total,
		SyncDelivered:   true,
	})
	if err != nil || !ok {
		t.Fatalf("update = %v, %v", ok, err)
	}

	got, _ := store.GetCampaign(ctx, c.ID)
	if got.DeliveredCount != 3 || got.TotalRecipients != 4 || got.Status != models.CampaignStatusCompleted {
		t.Errorf("campaign = %+v", got)
	}
}

func TestMemoryStoreCheckInExistsNear(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()

	client := &models.Client{FirstName: "Sara", MembershipNumber: "M-1"}
	store.CreateClient(ctx, client)

	at := time.Date(2024, time.May, 1, 9, 0, 0, 0, time.UTC)
	store.CreateCheckIn(ctx, &models.CheckIn{ClientID: client.ID, Method: models.CheckInMethodManual, CheckedInAt: at})

	tests := []struct {
		name string
		at   time.Time
		want bool
	}{
		{"same instant", at, true},
		{"inside window", at.Add(59 * time.Second), true},
		{"window edge", at.Add(-60 * time.Second), true},
		{"outside window", at.Add(61 * time.Second), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := store.CheckInExistsNear(ctx, client.ID, tt.at, time.Minute)
			if err != nil {
				t.Fatal(err)
			}
			if got != tt.want {
				t.Errorf("CheckInExistsNear = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestMemoryStoreCreateCheckInIfAbsent(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()

	client := &models.Client{FirstName: "Sara", MembershipNumber: "M-1"}
	store.CreateClient(ctx, client)

	at := time.Date(2024, time.May, 1, 9, 0, 0, 0, time.UTC)
	var (
		wg      sync.WaitGroup
		created int32
	)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			ci := &models.CheckIn{ClientID: client.ID, Method: models.CheckInMethodFingerprint, CheckedInAt: at.Add(time.Duration(i) * time.Second)}
			ok, err := store.CreateCheckInIfAbsent(ctx, ci, time.Minute)
			if err != nil {
				t.Error(err)
				return
			}
			if ok {
				atomic.AddInt32(&created, 1)
			}
		}(i)
	}
	wg.Wait()

	if created != 1 {
		t.Errorf("created = %d, want 1", created)
	}

	ok, err := store.CreateCheckInIfAbsent(ctx, &models.CheckIn{ClientID: client.ID, Method: models.CheckInMethodManual, CheckedInAt: at.Add(2 * time.Minute)}, time.Minute)
	if err != nil || !ok {
		t.Errorf("outside window = %v, %v", ok, err)
	}
}

func TestMemoryStoreAssignFingerprintID(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()

	seven := 7
	a := &models.Client{FirstName: "A", MembershipNumber: "M-1", FingerprintID: &seven}
	b := &models.Client{FirstName: "B", MembershipNumber: "M-2"}
	store.CreateClient(ctx, a)
	store.CreateClient(ctx, b)

	id, err := store.AssignFingerprintID(ctx, b.ID)
	if err != nil || id != 8 {
		t.Fatalf("AssignFingerprintID = %d, %v, want 8", id, err)
	}

	// 已分配的不变
	again, _ := store.AssignFingerprintID(ctx, b.ID)
	if again != 8 {
		t.Errorf("second call = %d, want 8", again)
	}

	found, err := store.FindClientByFingerprint(ctx, 8)
	if err != nil || found.ID != b.ID {
		t.Errorf("FindClientByFingerprint = %v, %v", found, err)
	}

	if _, err := store.AssignFingerprintID(ctx, models.Client{}.ID); !errors.Is(err, ErrNotFound) {
		t.Errorf("unknown client err = %v", err)
	}
}

func TestPage(t *testing.T) {
	tests := []struct {
		n, limit, offset int
		want             int
	}{
		{10, 3, 0, 3},
		{10, 3, 9, 1},
		{10, 0, 4, 6},
		{2, 5, 5, 0},
	}
	for _, tt := range tests {
		if got := len(page(tt.n, tt.limit, tt.offset)); got != tt.want {
			t.Errorf("page(%d,%d,%d) = %d items, want %d", tt.n, tt.limit, tt.offset, got, tt.want)
		}
	}
}
