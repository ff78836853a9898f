package campaign

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/fitdesk/fitdesk-server/internal/models"
	"github.com/fitdesk/fitdesk-server/internal/storage"
)

var today = time.Date(2024, time.May, 10, 15, 30, 0, 0, time.UTC)

func addClient(t *testing.T, store *storage.MemoryStore, first, phone string, status models.ClientStatus) *models.Client {
	t.Helper()
	c := &models.Client{
		FirstName:        first,
		LastName:         "Test",
		Phone:            phone,
		Email:            first + "@example.com",
		MembershipNumber: "M-" + first,
		Status:           status,
	}
	if err := store.CreateClient(context.Background(), c); err != nil {
		t.Fatalf("CreateClient: %v", err)
	}
	return c
}

func addSubscription(t *testing.T, store *storage.MemoryStore, c *models.Client, pkg string, end time.Time) {
	t.Helper()
	sub := &models.Subscription{
		ClientID:    c.ID,
		PackageName: pkg,
		StartDate:   end.AddDate(0, -1, 0),
		EndDate:     end,
		Status:      models.SubscriptionStatusActive,
	}
	if err := store.CreateSubscription(context.Background(), sub); err != nil {
		t.Fatalf("CreateSubscription: %v", err)
	}
}

func newTestResolver(store *storage.MemoryStore) *Resolver {
	r := NewResolver(store, nil, time.UTC)
	r.now = func() time.Time { return today }
	return r
}

func TestResolveSpecificClients(t *testing.T) {
	store := storage.NewMemoryStore()
	a := addClient(t, store, "Amal", "0611111111", models.ClientStatusActive)
	b := addClient(t, store, "Badr", "0622222222", models.ClientStatusActive)
	c := addClient(t, store, "Chaima", "0633333333", models.ClientStatusSuspended)

	r := newTestResolver(store)
	got, err := r.Resolve(context.Background(), models.TargetRule{
		Type:      models.TargetSpecificClients,
		ClientIDs: []string{b.ID.String(), a.ID.String(), c.ID.String(), uuid.NewString(), b.ID.String()},
	})
	if err != nil {
		t.Fatal(err)
	}

	if len(got) != 2 || got[0].ClientID != b.ID || got[1].ClientID != a.ID {
		t.Fatalf("recipients = %+v", got)
	}
	if got[0].Name != "Badr Test" || got[0].Phone != "0622222222" || got[0].MembershipNumber != "M-Badr" {
		t.Errorf("recipient = %+v", got[0])
	}
}

func TestResolveInvalidRules(t *testing.T) {
	store := storage.NewMemoryStore()
	r := newTestResolver(store)

	tests := []struct {
		name string
		rule models.TargetRule
	}{
		{"unknown type", models.TargetRule{Type: "VIP_ONLY"}},
		{"empty ids", models.TargetRule{Type: models.TargetSpecificClients}},
		{"malformed id", models.TargetRule{Type: models.TargetSpecificClients, ClientIDs: []string{"42"}}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := r.Resolve(context.Background(), tt.rule); !errors.Is(err, ErrInvalidTargetRule) {
				t.Errorf("Resolve err = %v, want ErrInvalidTargetRule", err)
			}
			if err := ValidateRule(tt.rule); !errors.Is(err, ErrInvalidTargetRule) {
				t.Errorf("ValidateRule err = %v, want ErrInvalidTargetRule", err)
			}
		})
	}
}

func TestResolveAllAndActiveSubscriptions(t *testing.T) {
	store := storage.NewMemoryStore()
	a := addClient(t, store, "Amal", "0611111111", models.ClientStatusActive)
	addClient(t, store, "Badr", "0622222222", models.ClientStatusInactive)
	addSubscription(t, store, a, "Gold", today.AddDate(0, 2, 0))
	addSubscription(t, store, a, "Pool", today.AddDate(0, 3, 0))

	r := newTestResolver(store)

	all, err := r.Resolve(context.Background(), models.TargetRule{Type: models.TargetAllClients})
	if err != nil {
		t.Fatal(err)
	}
	if len(all) != 1 || all[0].ClientID != a.ID {
		t.Errorf("all clients = %+v", all)
	}

	subs, err := r.Resolve(context.Background(), models.TargetRule{Type: models.TargetActiveSubscriptions})
	if err != nil {
		t.Fatal(err)
	}
	// two subscriptions, one client; the earliest-ending one wins
	if len(subs) != 1 || subs[0].PackageName != "Gold" {
		t.Errorf("active subscriptions = %+v", subs)
	}
}

func TestResolveExpiringClientMatchingTwoOffsets(t *testing.T) {
	store := storage.NewMemoryStore()
	a := addClient(t, store, "Amal", "0611111111", models.ClientStatusActive)
	b := addClient(t, store, "Badr", "0622222222", models.ClientStatusActive)
	c := addClient(t, store, "Chaima", "0633333333", models.ClientStatusActive)

	// today+2 falls inside the windows of both the 3 and the 1 day offsets
	addSubscription(t, store, a, "Gold", today.AddDate(0, 0, 2))
	addSubscription(t, store, b, "Silver", today.AddDate(0, 0, 7))
	addSubscription(t, store, c, "Bronze", today.AddDate(0, 0, 20))

	r := newTestResolver(store)

	pre, err := r.expiring(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	var amal []int
	for _, e := range pre {
		if e.ClientID == a.ID {
			amal = append(amal, *e.DaysUntilExpiry)
		}
	}
	if len(amal) != 2 || amal[0] != 3 || amal[1] != 1 {
		t.Fatalf("pre-merge offsets for Amal = %v, want [3 1]", amal)
	}

	got, err := r.Resolve(context.Background(), models.TargetRule{Type: models.TargetExpiringSubscriptions})
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 2 {
		t.Fatalf("recipients = %+v", got)
	}
	if got[0].ClientID != b.ID || *got[0].DaysUntilExpiry != 7 || got[0].PackageName != "Silver" {
		t.Errorf("first = %+v", got[0])
	}
	if got[1].ClientID != a.ID || *got[1].DaysUntilExpiry != 3 {
		t.Errorf("second = %+v", got[1])
	}

	seen := map[uuid.UUID]bool{}
	for _, e := range got {
		if seen[e.ClientID] {
			t.Fatalf("duplicate client %s", e.ClientID)
		}
		seen[e.ClientID] = true
	}
}

func TestRecipientVarsAndAddress(t *testing.T) {
	days := 3
	r := Recipient{Name: "Sara", Phone: "+212600000000", Email: "sara@example.com", PackageName: "Gold", DaysUntilExpiry: &days}

	got := Render("{name} {phone} {packageName} {days} {membershipNumber}", r.Vars())
	if got != "Sara +212600000000 Gold 3 " {
		t.Errorf("rendered = %q", got)
	}

	if r.Address(models.ChannelEmail) != "sara@example.com" || r.Address(models.ChannelWhatsApp) != "+212600000000" {
		t.Error("wrong address for channel")
	}

	plain := Recipient{Name: "Sara"}
	if got := Render("{days} {packageName}", plain.Vars()); got != "{days} {packageName}" {
		t.Errorf("rendered without expiry = %q", got)
	}
}
