package attendance

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/fitdesk/fitdesk-server/internal/events"
	"github.com/fitdesk/fitdesk-server/internal/lock"
	"github.com/fitdesk/fitdesk-server/internal/models"
	"github.com/fitdesk/fitdesk-server/internal/storage"
	"github.com/fitdesk/fitdesk-server/internal/terminal"
	"github.com/fitdesk/fitdesk-server/pkg/zkproto"
)

type fakeDevice struct {
	mu           sync.Mutex
	connectErr   error
	fetchErr     error
	log          *terminal.AttendanceLog
	users        []zkproto.User
	enrolled     []uint16
	enrollErr    error
	connected    bool
	disconnected int
}

func (d *fakeDevice) Connect(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.connectErr != nil {
		return d.connectErr
	}
	d.connected = true
	return nil
}

func (d *fakeDevice) Disconnect() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.connected = false
	d.disconnected++
}

func (d *fakeDevice) FetchAttendance(ctx context.Context) (*terminal.AttendanceLog, error) {
	return d.log, d.fetchErr
}

func (d *fakeDevice) EnumerateUsers(ctx context.Context) ([]zkproto.User, error) {
	return d.users, nil
}

func (d *fakeDevice) ReadSizes(ctx context.Context) (*zkproto.Sizes, error) {
	return &zkproto.Sizes{Users: len(d.users)}, nil
}

func (d *fakeDevice) EnrollUser(ctx context.Context, uid uint16, name string, privilege byte) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.enrollErr != nil {
		return d.enrollErr
	}
	d.enrolled = append(d.enrolled, uid)
	return nil
}

type fixture struct {
	store    *storage.MemoryStore
	device   *fakeDevice
	syncer   *Syncer
	events   *events.Recorder
	terminal *models.Terminal
	client   *models.Client
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	ctx := context.Background()

	store := storage.NewMemoryStore()
	dev := &fakeDevice{}
	rec := &events.Recorder{}

	term := &models.Terminal{Name: "front door", Host: "10.0.0.20", Port: 4370, Enabled: true}
	if err := store.CreateTerminal(ctx, term); err != nil {
		t.Fatal(err)
	}

	fid := 12
	client := &models.Client{FirstName: "Sara", LastName: "Alaoui", MembershipNumber: "M-12", FingerprintID: &fid}
	if err := store.CreateClient(ctx, client); err != nil {
		t.Fatal(err)
	}

	s := NewSyncer(store, func(*models.Terminal) Device { return dev }, Options{Publisher: rec})
	return &fixture{store: store, device: dev, syncer: s, events: rec, terminal: term, client: client}
}

func (f *fixture) checkIns(t *testing.T) []*models.CheckIn {
	t.Helper()
	out, _, err := f.store.ListCheckIns(context.Background(), nil, 0, 0)
	if err != nil {
		t.Fatal(err)
	}
	return out
}

func TestSyncSamePunchTwice(t *testing.T) {
	f := newFixture(t)
	at := time.Date(2024, 5, 10, 7, 45, 0, 0, time.UTC)
	f.device.log = &terminal.AttendanceLog{Punches: []terminal.Punch{
		{TerminalUserID: 12, Timestamp: at},
		{TerminalUserID: 99, Timestamp: at},
	}}

	first, err := f.syncer.SyncTerminal(context.Background(), f.terminal)
	if err != nil {
		t.Fatal(err)
	}
	if first.CheckIns != 1 || first.Unknown != 1 || first.Punches != 2 {
		t.Errorf("first sync = %+v", first)
	}

	second, err := f.syncer.SyncTerminal(context.Background(), f.terminal)
	if err != nil {
		t.Fatal(err)
	}
	if second.CheckIns != 0 || second.Duplicates != 1 {
		t.Errorf("second sync = %+v", second)
	}

	cis := f.checkIns(t)
	if len(cis) != 1 {
		t.Fatalf("%d check-ins, want 1", len(cis))
	}
	if cis[0].Method != models.CheckInMethodFingerprint || cis[0].TerminalID == nil || *cis[0].TerminalID != f.terminal.ID {
		t.Errorf("check-in = %+v", cis[0])
	}

	if f.device.disconnected != 2 || f.device.connected {
		t.Errorf("device disconnected %d times, connected = %v", f.device.disconnected, f.device.connected)
	}

	term, _ := f.store.GetTerminal(context.Background(), f.terminal.ID)
	if term.LastSyncStatus != "ok" || term.LastSyncAt == nil {
		t.Errorf("terminal = %+v", term)
	}
}

func TestSyncPunchesWithinWindow(t *testing.T) {
	f := newFixture(t)
	at := time.Date(2024, 5, 10, 7, 45, 0, 0, time.UTC)

	tests := []struct {
		offset time.Duration
		want   int
	}{
		{0, 1},
		{30 * time.Second, 0},
		{-60 * time.Second, 0},
		{2 * time.Minute, 1},
	}

	for _, tt := range tests {
		res := &Result{}
		f.syncer.ProcessPunches(context.Background(), nil, []terminal.Punch{{TerminalUserID: 12, Timestamp: at.Add(tt.offset)}}, res)
		if res.CheckIns != tt.want {
			t.Errorf("punch at %+v: %d check-ins, want %d", tt.offset, res.CheckIns, tt.want)
		}
	}
}

func TestSyncConnectFailure(t *testing.T) {
	f := newFixture(t)
	f.device.connectErr = terminal.ErrConnectionTimeout

	res, err := f.syncer.SyncTerminal(context.Background(), f.terminal)
	if !errors.Is(err, terminal.ErrConnectionTimeout) {
		t.Fatalf("err = %v", err)
	}
	if res.Error == "" {
		t.Errorf("result = %+v", res)
	}
	if f.device.disconnected != 1 {
		t.Errorf("disconnected %d times, want 1", f.device.disconnected)
	}

	logs, _, _ := f.store.ListEventLogs(context.Background(), storage.EventLogFilters{TerminalID: &f.terminal.ID}, 10, 0)
	if len(logs) != 1 || logs[0].Type != models.EventTypeTerminalError {
		t.Errorf("event logs = %+v", logs)
	}
}

func TestSyncKeepsCheckInsBeforeTransportError(t *testing.T) {
	f := newFixture(t)
	at := time.Date(2024, 5, 10, 7, 45, 0, 0, time.UTC)
	f.device.log = &terminal.AttendanceLog{Punches: []terminal.Punch{{TerminalUserID: 12, Timestamp: at}}, Truncated: true}
	f.device.fetchErr = terminal.ErrCommandTimeout

	res, err := f.syncer.SyncTerminal(context.Background(), f.terminal)
	if !errors.Is(err, terminal.ErrCommandTimeout) {
		t.Fatalf("err = %v", err)
	}
	if res.CheckIns != 1 || !res.Truncated {
		t.Errorf("result = %+v", res)
	}
	if n := len(f.checkIns(t)); n != 1 {
		t.Errorf("%d check-ins, want 1", n)
	}
}

func TestSyncSkipsLockedTerminal(t *testing.T) {
	f := newFixture(t)
	locker := lock.NewMemoryLocker()
	f.syncer.locker = locker

	release, _ := locker.Acquire(context.Background(), lock.TerminalKey(f.terminal.ID), time.Minute)
	defer release()

	if _, err := f.syncer.SyncTerminal(context.Background(), f.terminal); !errors.Is(err, lock.ErrLocked) {
		t.Fatalf("err = %v, want ErrLocked", err)
	}
	if f.device.disconnected != 0 {
		t.Error("device was opened while locked")
	}
}

// slowStore adds a database-like round trip to the check-in queries
type slowStore struct {
	*storage.MemoryStore
	delay time.Duration
}

func (s *slowStore) CheckInExistsNear(ctx context.Context, clientID uuid.UUID, at time.Time, window time.Duration) (bool, error) {
	time.Sleep(s.delay)
	return s.MemoryStore.CheckInExistsNear(ctx, clientID, at, window)
}

func (s *slowStore) CreateCheckInIfAbsent(ctx context.Context, checkIn *models.CheckIn, window time.Duration) (bool, error) {
	time.Sleep(s.delay)
	return s.MemoryStore.CreateCheckInIfAbsent(ctx, checkIn, window)
}

func TestParallelPunchesSameClient(t *testing.T) {
	f := newFixture(t)
	syncer := NewSyncer(&slowStore{MemoryStore: f.store, delay: 20 * time.Millisecond}, func(*models.Terminal) Device { return f.device }, Options{Publisher: f.events})
	at := time.Date(2024, 5, 10, 18, 0, 0, 0, time.UTC)

	// two terminals report the same member ten seconds apart
	results := []*Result{{}, {}}
	var wg sync.WaitGroup
	for i, offset := range []time.Duration{0, 10 * time.Second} {
		wg.Add(1)
		go func(res *Result, ts time.Time) {
			defer wg.Done()
			syncer.ProcessPunches(context.Background(), &f.terminal.ID, []terminal.Punch{{TerminalUserID: 12, Timestamp: ts}}, res)
		}(results[i], at.Add(offset))
	}
	wg.Wait()

	if got := f.checkIns(t); len(got) != 1 {
		t.Fatalf("got %d check-ins within the window, want 1", len(got))
	}
	if results[0].CheckIns+results[1].CheckIns != 1 || results[0].Duplicates+results[1].Duplicates != 1 {
		t.Errorf("results = %+v, %+v", results[0], results[1])
	}
}

func TestManualCheckIn(t *testing.T) {
	f := newFixture(t)
	at := time.Date(2024, 5, 10, 18, 0, 0, 0, time.UTC)

	ci, err := f.syncer.ManualCheckIn(context.Background(), f.client.ID, at)
	if err != nil {
		t.Fatal(err)
	}
	if ci.Method != models.CheckInMethodManual {
		t.Errorf("check-in = %+v", ci)
	}

	// a fingerprint punch 20s later is the same visit
	res := &Result{}
	f.syncer.ProcessPunches(context.Background(), &f.terminal.ID, []terminal.Punch{{TerminalUserID: 12, Timestamp: at.Add(20 * time.Second)}}, res)
	if res.Duplicates != 1 {
		t.Errorf("punch result = %+v", res)
	}

	if _, err := f.syncer.ManualCheckIn(context.Background(), f.client.ID, at); !errors.Is(err, ErrDuplicateCheckIn) {
		t.Errorf("err = %v, want ErrDuplicateCheckIn", err)
	}

	if _, err := f.syncer.ManualCheckIn(context.Background(), uuid.New(), at); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("unknown client err = %v", err)
	}

	if got := f.events.Subjects(); len(got) != 1 || got[0] != events.SubjectCheckInCreated {
		t.Errorf("published = %v", got)
	}
}

func TestEnrollClient(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	newcomer := &models.Client{FirstName: "Youssef", MembershipNumber: "M-13"}
	f.store.CreateClient(ctx, newcomer)

	got, err := f.syncer.EnrollClient(ctx, f.terminal, newcomer.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.FingerprintID != 13 || len(f.device.enrolled) != 1 || f.device.enrolled[0] != 13 {
		t.Errorf("enrollment = %+v, device = %v", got, f.device.enrolled)
	}

	f.device.enrollErr = terminal.ErrEnrollmentRejected
	if _, err := f.syncer.EnrollClient(ctx, f.terminal, f.client.ID); !errors.Is(err, terminal.ErrEnrollmentRejected) {
		t.Errorf("err = %v, want ErrEnrollmentRejected", err)
	}
}
