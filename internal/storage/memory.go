package storage

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/fitdesk/fitdesk-server/internal/models"
)

// MemoryStore implements Store in process memory. It backs the "memory"
// database driver and the package tests. Transactions are not isolated.
type MemoryStore struct {
	mu sync.RWMutex

	clients       map[uuid.UUID]*models.Client
	subscriptions map[uuid.UUID]*models.Subscription
	campaigns     map[uuid.UUID]*models.Campaign
	messages      []*models.MessageRecord
	checkIns      []*models.CheckIn
	terminals     map[uuid.UUID]*models.Terminal
	users         map[uuid.UUID]*models.User
	events        []*models.EventLog
}

var _ Store = (*MemoryStore)(nil)

// NewMemoryStore creates an empty store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		clients:       make(map[uuid.UUID]*models.Client),
		subscriptions: make(map[uuid.UUID]*models.Subscription),
		campaigns:     make(map[uuid.UUID]*models.Campaign),
		terminals:     make(map[uuid.UUID]*models.Terminal),
		users:         make(map[uuid.UUID]*models.User),
	}
}

func (m *MemoryStore) BeginTx(ctx context.Context) (Store, error) { return m, nil }
func (m *MemoryStore) Commit() error                                { return nil }
func (m *MemoryStore) Rollback() error                              { return nil }
func (m *MemoryStore) Close() error                                 { return nil }

func copyClient(c *models.Client) *models.Client {
	cp := *c
	if c.FingerprintID != nil {
		id := *c.FingerprintID
		cp.FingerprintID = &id
	}
	return &cp
}

func sameDay(a, b time.Time) bool {
	ay, am, ad := a.Date()
	by, bm, bd := b.Date()
	return ay == by && am == bm && ad == bd
}

// ========== Clients ==========

func (m *MemoryStore) CreateClient(ctx context.Context, client *models.Client) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	client.Touch(time.Now())
	if client.Status == "" {
		client.Status = models.ClientStatusActive
	}
	for _, c := range m.clients {
		if c.ID == client.ID || (client.MembershipNumber != "" && c.MembershipNumber == client.MembershipNumber) {
			return ErrDuplicateKey
		}
		if client.FingerprintID != nil && c.FingerprintID != nil && *c.FingerprintID == *client.FingerprintID {
			return ErrDuplicateKey
		}
	}
	m.clients[client.ID] = copyClient(client)
	return nil
}

func (m *MemoryStore) GetClient(ctx context.Context, id uuid.UUID) (*models.Client, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	c, ok := m.clients[id]
	if !ok {
		return nil, ErrNotFound
	}
	return copyClient(c), nil
}

func (m *MemoryStore) UpdateClient(ctx context.Context, client *models.Client) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.clients[client.ID]; !ok {
		return ErrNotFound
	}
	client.UpdatedAt = time.Now()
	m.clients[client.ID] = copyClient(client)
	return nil
}

func (m *MemoryStore) sortedClients() []*models.Client {
	clients := make([]*models.Client, 0, len(m.clients))
	for _, c := range m.clients {
		clients = append(clients, c)
	}
	sort.SliceStable(clients, func(i, j int) bool {
		if !clients[i].CreatedAt.Equal(clients[j].CreatedAt) {
			return clients[i].CreatedAt.Before(clients[j].CreatedAt)
		}
		return clients[i].ID.String() < clients[j].ID.String()
	})
	return clients
}

func (m *MemoryStore) ListClients(ctx context.Context, limit, offset int) ([]*models.Client, int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	all := m.sortedClients()
	var out []*models.Client
	for _, c := range page(len(all), limit, offset) {
		out = append(out, copyClient(all[c]))
	}
	return out, int64(len(all)), nil
}

func (m *MemoryStore) FindActiveClientByID(ctx context.Context, id uuid.UUID) (*models.Client, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	c, ok := m.clients[id]
	if !ok || !c.IsActive() {
		return nil, ErrNotFound
	}
	return copyClient(c), nil
}

func (m *MemoryStore) FindAllActiveClients(ctx context.Context) ([]*models.Client, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*models.Client
	for _, c := range m.sortedClients() {
		if c.IsActive() {
			out = append(out, copyClient(c))
		}
	}
	return out, nil
}

func (m *MemoryStore) FindClientByFingerprint(ctx context.Context, terminalUserID int) (*models.Client, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for _, c := range m.clients {
		if c.FingerprintID != nil && *c.FingerprintID == terminalUserID {
			return copyClient(c), nil
		}
	}
	return nil, ErrNotFound
}

func (m *MemoryStore) AssignFingerprintID(ctx context.Context, clientID uuid.UUID) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	c, ok := m.clients[clientID]
	if !ok {
		return 0, ErrNotFound
	}
	if c.FingerprintID != nil {
		return *c.FingerprintID, nil
	}

	next := 0
	for _, other := range m.clients {
		if other.FingerprintID != nil && *other.FingerprintID > next {
			next = *other.FingerprintID
		}
	}
	next++
	c.FingerprintID = &next
	c.UpdatedAt = time.Now()
	return next, nil
}

// ========== Subscriptions ==========

func (m *MemoryStore) CreateSubscription(ctx context.Context, sub *models.Subscription) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.clients[sub.ClientID]; !ok {
		return ErrInvalidData
	}
	sub.Touch(time.Now())
	if sub.Status == "" {
		sub.Status = models.SubscriptionStatusActive
	}
	cp := *sub
	cp.Client = nil
	m.subscriptions[sub.ID] = &cp
	return nil
}

func (m *MemoryStore) subscriptionsWhere(keep func(*models.Subscription) bool) []*models.Subscription {
	var out []*models.Subscription
	for _, s := range m.subscriptions {
		if !keep(s) {
			continue
		}
		cp := *s
		if c, ok := m.clients[s.ClientID]; ok {
			cp.Client = copyClient(c)
		}
		out = append(out, &cp)
	}
	sort.SliceStable(out, func(i, j int) bool {
		if !out[i].EndDate.Equal(out[j].EndDate) {
			return out[i].EndDate.Before(out[j].EndDate)
		}
		return out[i].ID.String() < out[j].ID.String()
	})
	return out
}

func (m *MemoryStore) ListSubscriptions(ctx context.Context, clientID uuid.UUID) ([]*models.Subscription, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	return m.subscriptionsWhere(func(s *models.Subscription) bool {
		return s.ClientID == clientID
	}), nil
}

func (m *MemoryStore) FindActiveSubscriptions(ctx context.Context) ([]*models.Subscription, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	return m.subscriptionsWhere(func(s *models.Subscription) bool {
		return s.Status == models.SubscriptionStatusActive
	}), nil
}

func (m *MemoryStore) FindActiveSubscriptionsExpiringOn(ctx context.Context, date time.Time) ([]*models.Subscription, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	return m.subscriptionsWhere(func(s *models.Subscription) bool {
		return s.Status == models.SubscriptionStatusActive && sameDay(s.EndDate, date)
	}), nil
}

// ========== Campaigns ==========

func (m *MemoryStore) CreateCampaign(ctx context.Context, c *models.Campaign) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	c.Touch(time.Now())
	if c.Status == "" {
		c.Status = models.CampaignStatusDraft
	}
	if _, ok := m.campaigns[c.ID]; ok {
		return ErrDuplicateKey
	}
	cp := *c
	m.campaigns[c.ID] = &cp
	return nil
}

func (m *MemoryStore) GetCampaign(ctx context.Context, id uuid.UUID) (*models.Campaign, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	c, ok := m.campaigns[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *c
	return &cp, nil
}

func (m *MemoryStore) ListCampaigns(ctx context.Context, status *models.CampaignStatus, limit, offset int) ([]*models.Campaign, int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var all []*models.Campaign
	for _, c := range m.campaigns {
		if status == nil || c.Status == *status {
			cp := *c
			all = append(all, &cp)
		}
	}
	sort.SliceStable(all, func(i, j int) bool { return all[i].CreatedAt.After(all[j].CreatedAt) })

	var out []*models.Campaign
	for _, i := range page(len(all), limit, offset) {
		out = append(out, all[i])
	}
	return out, int64(len(all)), nil
}

func (m *MemoryStore) TryStartRun(ctx context.Context, id uuid.UUID, startedAt time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	c, ok := m.campaigns[id]
	if !ok {
		return false, ErrNotFound
	}
	if !c.Status.Startable() {
		return false, nil
	}
	c.Status = models.CampaignStatusRunning
	c.StartedAt = &startedAt
	c.UpdatedAt = startedAt
	c.SentCount, c.FailedCount, c.DeliveredCount = 0, 0, 0
	return true, nil
}

func (m *MemoryStore) UpdateCampaignStatus(ctx context.Context, id uuid.UUID, update CampaignStatusUpdate) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	c, ok := m.campaigns[id]
	if !ok {
		return false, ErrNotFound
	}
	if c.Status != update.From {
		return false, nil
	}

	c.Status = update.To
	c.UpdatedAt = time.Now()
	if update.TotalRecipients != nil {
		c.TotalRecipients = *update.TotalRecipients
	}
	if update.CompletedAt != nil {
		at := *update.CompletedAt
		c.CompletedAt = &at
	}
	if update.LastError != "" {
		c.LastError = update.LastError
	}
	if update.SyncDelivered {
		c.DeliveredCount = c.SentCount
	}
	return true, nil
}

func (m *MemoryStore) IncrementCampaignCounters(ctx context.Context, id uuid.UUID, sent, failed int) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	c, ok := m.campaigns[id]
	if !ok {
		return ErrNotFound
	}
	c.SentCount += sent
	c.FailedCount += failed
	c.UpdatedAt = time.Now()
	return nil
}

func (m *MemoryStore) ScheduleCampaign(ctx context.Context, id uuid.UUID, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	c, ok := m.campaigns[id]
	if !ok || !c.Status.Startable() {
		return ErrNotFound
	}
	c.Status = models.CampaignStatusScheduled
	c.ScheduledAt = &at
	c.UpdatedAt = time.Now()
	return nil
}

func (m *MemoryStore) ListDueCampaigns(ctx context.Context, now time.Time) ([]*models.Campaign, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*models.Campaign
	for _, c := range m.campaigns {
		if c.Status == models.CampaignStatusScheduled && c.ScheduledAt != nil && !c.ScheduledAt.After(now) {
			cp := *c
			out = append(out, &cp)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].ScheduledAt.Before(*out[j].ScheduledAt) })
	return out, nil
}

func (m *MemoryStore) ListRunningCampaignsStartedBefore(ctx context.Context, before time.Time) ([]*models.Campaign, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*models.Campaign
	for _, c := range m.campaigns {
		if c.Status == models.CampaignStatusRunning && c.StartedAt != nil && c.StartedAt.Before(before) {
			cp := *c
			out = append(out, &cp)
		}
	}
	return out, nil
}

// ========== Messages ==========

func (m *MemoryStore) CreateMessage(ctx context.Context, msg *models.MessageRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if msg.ID == uuid.Nil {
		msg.ID = uuid.New()
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now()
	}
	cp := *msg
	m.messages = append(m.messages, &cp)
	return nil
}

func (m *MemoryStore) ListMessages(ctx context.Context, filters MessageFilters, limit, offset int) ([]*models.MessageRecord, int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var all []*models.MessageRecord
	for _, msg := range m.messages {
		if filters.CampaignID != nil && (msg.CampaignID == nil || *msg.CampaignID != *filters.CampaignID) {
			continue
		}
		if filters.ClientID != nil && (msg.ClientID == nil || *msg.ClientID != *filters.ClientID) {
			continue
		}
		if filters.Status != nil && msg.Status != *filters.Status {
			continue
		}
		cp := *msg
		all = append(all, &cp)
	}

	var out []*models.MessageRecord
	for _, i := range page(len(all), limit, offset) {
		out = append(out, all[i])
	}
	return out, int64(len(all)), nil
}

// ========== Check-ins ==========

func (m *MemoryStore) CheckInExistsNear(ctx context.Context, clientID uuid.UUID, at time.Time, window time.Duration) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	from, to := at.Add(-window), at.Add(window)
	for _, c := range m.checkIns {
		if c.ClientID == clientID && !c.CheckedInAt.Before(from) && !c.CheckedInAt.After(to) {
			return true, nil
		}
	}
	return false, nil
}

func (m *MemoryStore) CreateCheckInIfAbsent(ctx context.Context, checkIn *models.CheckIn, window time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	from, to := checkIn.CheckedInAt.Add(-window), checkIn.CheckedInAt.Add(window)
	for _, c := range m.checkIns {
		if c.ClientID == checkIn.ClientID && !c.CheckedInAt.Before(from) && !c.CheckedInAt.After(to) {
			return false, nil
		}
	}
	if err := m.insertCheckIn(checkIn); err != nil {
		return false, err
	}
	return true, nil
}

func (m *MemoryStore) CreateCheckIn(ctx context.Context, checkIn *models.CheckIn) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.insertCheckIn(checkIn)
}

// insertCheckIn expects m.mu to be held
func (m *MemoryStore) insertCheckIn(checkIn *models.CheckIn) error {
	if _, ok := m.clients[checkIn.ClientID]; !ok {
		return ErrInvalidData
	}
	if checkIn.ID == uuid.Nil {
		checkIn.ID = uuid.New()
	}
	if checkIn.CreatedAt.IsZero() {
		checkIn.CreatedAt = time.Now()
	}
	cp := *checkIn
	m.checkIns = append(m.checkIns, &cp)
	return nil
}

func (m *MemoryStore) ListCheckIns(ctx context.Context, clientID *uuid.UUID, limit, offset int) ([]*models.CheckIn, int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var all []*models.CheckIn
	for _, c := range m.checkIns {
		if clientID == nil || c.ClientID == *clientID {
			cp := *c
			all = append(all, &cp)
		}
	}
	sort.SliceStable(all, func(i, j int) bool { return all[i].CheckedInAt.After(all[j].CheckedInAt) })

	var out []*models.CheckIn
	for _, i := range page(len(all), limit, offset) {
		out = append(out, all[i])
	}
	return out, int64(len(all)), nil
}

// ========== Terminals ==========

func (m *MemoryStore) CreateTerminal(ctx context.Context, t *models.Terminal) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	t.Touch(time.Now())
	cp := *t
	m.terminals[t.ID] = &cp
	return nil
}

func (m *MemoryStore) GetTerminal(ctx context.Context, id uuid.UUID) (*models.Terminal, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	t, ok := m.terminals[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *t
	return &cp, nil
}

func (m *MemoryStore) ListTerminals(ctx context.Context, enabledOnly bool) ([]*models.Terminal, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*models.Terminal
	for _, t := range m.terminals {
		if enabledOnly && !t.Enabled {
			continue
		}
		cp := *t
		out = append(out, &cp)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (m *MemoryStore) UpdateTerminalSync(ctx context.Context, id uuid.UUID, at time.Time, status string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	t, ok := m.terminals[id]
	if !ok {
		return ErrNotFound
	}
	t.LastSyncAt = &at
	t.LastSyncStatus = status
	t.UpdatedAt = at
	return nil
}

// ========== Users ==========

func (m *MemoryStore) CreateUser(ctx context.Context, user *models.User) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	user.Email = strings.ToLower(strings.TrimSpace(user.Email))
	for _, u := range m.users {
		if u.Email == user.Email {
			return ErrDuplicateKey
		}
	}
	if user.ID == uuid.Nil {
		user.ID = uuid.New()
	}
	now := time.Now()
	user.CreatedAt, user.UpdatedAt = now, now
	cp := *user
	m.users[user.ID] = &cp
	return nil
}

func (m *MemoryStore) GetUser(ctx context.Context, id uuid.UUID) (*models.User, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	u, ok := m.users[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *u
	return &cp, nil
}

func (m *MemoryStore) GetUserByEmail(ctx context.Context, email string) (*models.User, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	email = strings.ToLower(strings.TrimSpace(email))
	for _, u := range m.users {
		if u.Email == email {
			cp := *u
			return &cp, nil
		}
	}
	return nil, ErrNotFound
}

func (m *MemoryStore) UpdateUserLastLogin(ctx context.Context, id uuid.UUID, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	u, ok := m.users[id]
	if !ok {
		return ErrNotFound
	}
	u.LastLoginAt = &at
	return nil
}

// ========== Events ==========

func (m *MemoryStore) CreateEventLog(ctx context.Context, event *models.EventLog) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if event.ID == uuid.Nil {
		event.ID = uuid.New()
	}
	if event.CreatedAt.IsZero() {
		event.CreatedAt = time.Now()
	}
	cp := *event
	m.events = append(m.events, &cp)
	return nil
}

func (m *MemoryStore) ListEventLogs(ctx context.Context, filters EventLogFilters, limit, offset int) ([]*models.EventLog, int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	match := func(want *uuid.UUID, got *uuid.UUID) bool {
		return want == nil || (got != nil && *got == *want)
	}

	var all []*models.EventLog
	for i := len(m.events) - 1; i >= 0; i-- {
		e := m.events[i]
		if !match(filters.TerminalID, e.TerminalID) || !match(filters.CampaignID, e.CampaignID) || !match(filters.ClientID, e.ClientID) {
			continue
		}
		if filters.Type != nil && e.Type != *filters.Type {
			continue
		}
		if filters.Level != nil && e.Level != *filters.Level {
			continue
		}
		if filters.StartTime != nil && e.CreatedAt.Before(*filters.StartTime) {
			continue
		}
		if filters.EndTime != nil && e.CreatedAt.After(*filters.EndTime) {
			continue
		}
		cp := *e
		all = append(all, &cp)
	}

	var out []*models.EventLog
	for _, i := range page(len(all), limit, offset) {
		out = append(out, all[i])
	}
	return out, int64(len(all)), nil
}

// page returns the indexes selected by limit/offset. A non-positive limit
// selects everything after offset.
func page(n, limit, offset int) []int {
	if offset < 0 {
		offset = 0
	}
	end := n
	if limit > 0 && offset+limit < n {
		end = offset + limit
	}
	var idx []int
	for i := offset; i < end; i++ {
		idx = append(idx, i)
	}
	return idx
}
