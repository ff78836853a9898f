package terminal

import (
	"context"
	"errors"
	"net"
	"testing"
	"time"

	"github.com/fitdesk/fitdesk-server/pkg/zkproto"
)

// blockingDialer never completes a TCP handshake.
type blockingDialer struct{}

func (blockingDialer) DialContext(ctx context.Context, network, address string) (net.Conn, error) {
	<-ctx.Done()
	return nil, ctx.Err()
}

func testOptions(addr string) Options {
	return Options{
		Address:        addr,
		ConnectTimeout: time.Second,
		CommandTimeout: 2 * time.Second,
		IdleTimeout:    200 * time.Millisecond,
		Location:       time.UTC,
	}
}

func TestConnectTimeout(t *testing.T) {
	opts := testOptions("10.255.255.1:4370")
	opts.ConnectTimeout = 100 * time.Millisecond
	opts.Dialer = blockingDialer{}
	s := NewSession(opts)

	start := time.Now()
	err := s.Connect(context.Background())
	elapsed := time.Since(start)

	if !errors.Is(err, ErrConnectionTimeout) {
		t.Fatalf("Connect() err = %v, want ErrConnectionTimeout", err)
	}
	if elapsed > time.Second {
		t.Errorf("Connect() took %v", elapsed)
	}
	if s.State() != StateFailed {
		t.Errorf("state = %v, want failed", s.State())
	}

	if _, err := s.FetchAttendance(context.Background()); !errors.Is(err, ErrSessionDefunct) {
		t.Errorf("FetchAttendance() err = %v, want ErrSessionDefunct", err)
	}
	if err := s.EnrollUser(context.Background(), 1, "x", zkproto.PrivilegeUser); !errors.Is(err, ErrSessionDefunct) {
		t.Errorf("EnrollUser() err = %v, want ErrSessionDefunct", err)
	}

	s.Disconnect()
	if s.State() != StateDisconnected {
		t.Errorf("state after Disconnect = %v", s.State())
	}
}

func TestConnectWithCommKey(t *testing.T) {
	f := newFakeTerminal(t)
	f.commKey = 123456

	t.Run("correct key", func(t *testing.T) {
		opts := testOptions(f.addr())
		opts.CommKey = 123456
		s := NewSession(opts)
		defer s.Disconnect()

		if err := s.Connect(context.Background()); err != nil {
			t.Fatalf("Connect: %v", err)
		}
		if s.State() != StateAuthenticated {
			t.Errorf("state = %v", s.State())
		}
	})

	t.Run("wrong key", func(t *testing.T) {
		opts := testOptions(f.addr())
		opts.CommKey = 999
		s := NewSession(opts)
		defer s.Disconnect()

		err := s.Connect(context.Background())
		if !errors.Is(err, ErrAuthenticationFailed) {
			t.Fatalf("Connect() err = %v, want ErrAuthenticationFailed", err)
		}
		if _, err := s.EnumerateUsers(context.Background()); !errors.Is(err, ErrSessionDefunct) {
			t.Errorf("EnumerateUsers() err = %v, want ErrSessionDefunct", err)
		}
	})
}

func TestOperationsRequireConnection(t *testing.T) {
	s := NewSession(testOptions("127.0.0.1:1"))

	if _, err := s.FetchAttendance(context.Background()); !errors.Is(err, ErrNotConnected) {
		t.Errorf("FetchAttendance() err = %v, want ErrNotConnected", err)
	}
	if _, err := s.EnumerateUsers(context.Background()); !errors.Is(err, ErrNotConnected) {
		t.Errorf("EnumerateUsers() err = %v, want ErrNotConnected", err)
	}

	// 幂等
	s.Disconnect()
	s.Disconnect()
	if s.State() != StateDisconnected {
		t.Errorf("state = %v", s.State())
	}
}

func TestFetchAttendance(t *testing.T) {
	ts := time.Date(2024, time.June, 3, 6, 0, 0, 0, time.UTC)

	tests := []struct {
		name   string
		inline bool
	}{
		{"inline", true},
		{"chunked", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFakeTerminal(t)
			f.inline = tt.inline
			f.records = [][]byte{
				punchRecord(1, "101", ts, 0),
				punchRecord(2, "102", ts.Add(time.Minute), 1),
				punchRecord(3, "103", ts.Add(2*time.Minute), 0),
			}

			s := NewSession(testOptions(f.addr()))
			defer s.Disconnect()
			if err := s.Connect(context.Background()); err != nil {
				t.Fatalf("Connect: %v", err)
			}

			got, err := s.FetchAttendance(context.Background())
			if err != nil {
				t.Fatalf("FetchAttendance: %v", err)
			}
			if got.Truncated {
				t.Error("log unexpectedly truncated")
			}
			if len(got.Punches) != 3 {
				t.Fatalf("got %d punches, want 3", len(got.Punches))
			}
			if got.Punches[1].TerminalUserID != 102 || got.Punches[1].PunchType != 1 {
				t.Errorf("second punch = %+v", got.Punches[1])
			}
			if !got.Punches[0].Timestamp.Equal(ts) {
				t.Errorf("timestamp = %v, want %v", got.Punches[0].Timestamp, ts)
			}
			if !f.seen(zkproto.CmdDisableDevice) || !f.seen(zkproto.CmdEnableDevice) {
				t.Error("device was not disabled and re-enabled around the read")
			}
			if s.State() != StateAuthenticated {
				t.Errorf("state = %v", s.State())
			}
		})
	}
}

func TestFetchAttendanceTruncatedOnIdle(t *testing.T) {
	ts := time.Date(2024, time.June, 3, 6, 0, 0, 0, time.UTC)

	f := newFakeTerminal(t)
	f.records = [][]byte{
		punchRecord(1, "101", ts, 0),
		punchRecord(2, "102", ts.Add(time.Minute), 0),
		punchRecord(3, "103", ts.Add(2*time.Minute), 0),
	}
	// 4 字节长度 + 一条半记录
	f.stallAfter = 4 + zkproto.AttRecordSize40 + zkproto.AttRecordSize40/2

	opts := testOptions(f.addr())
	opts.IdleTimeout = 100 * time.Millisecond
	s := NewSession(opts)
	defer s.Disconnect()
	if err := s.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}

	got, err := s.FetchAttendance(context.Background())
	if err != nil {
		t.Fatalf("FetchAttendance: %v", err)
	}
	if !got.Truncated {
		t.Error("Truncated = false, want true")
	}
	if len(got.Punches) != 1 || got.Punches[0].TerminalUserID != 101 {
		t.Errorf("punches = %+v", got.Punches)
	}
	if s.State() != StateFailed {
		t.Errorf("state = %v, want failed", s.State())
	}
}

func TestFetchAttendanceCancelled(t *testing.T) {
	ts := time.Date(2024, time.June, 3, 6, 0, 0, 0, time.UTC)

	f := newFakeTerminal(t)
	f.records = [][]byte{punchRecord(1, "101", ts, 0), punchRecord(2, "102", ts, 0)}
	f.stallAfter = 10

	opts := testOptions(f.addr())
	opts.IdleTimeout = 5 * time.Second
	opts.CommandTimeout = 10 * time.Second
	s := NewSession(opts)
	defer s.Disconnect()
	if err := s.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(100*time.Millisecond, cancel)

	start := time.Now()
	_, err := s.FetchAttendance(ctx)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
	if time.Since(start) > 2*time.Second {
		t.Errorf("cancellation took %v", time.Since(start))
	}
}

func TestEnumerateUsers(t *testing.T) {
	f := newFakeTerminal(t)
	f.inline = true
	for i, name := range []string{"Sara", "Omar"} {
		rec, err := zkproto.EncodeUser(zkproto.User{UID: uint16(i + 1), Name: name, UserID: name[:1]}, zkproto.UserRecordSize72)
		if err != nil {
			t.Fatal(err)
		}
		f.users = append(f.users, rec)
	}

	s := NewSession(testOptions(f.addr()))
	defer s.Disconnect()
	if err := s.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}

	users, err := s.EnumerateUsers(context.Background())
	if err != nil {
		t.Fatalf("EnumerateUsers: %v", err)
	}
	if len(users) != 2 || users[0].Name != "Sara" || users[1].UID != 2 {
		t.Errorf("users = %+v", users)
	}
}

func TestEnrollUser(t *testing.T) {
	f := newFakeTerminal(t)
	f.reject[7] = true

	t.Run("accepted", func(t *testing.T) {
		opts := testOptions(f.addr())
		opts.StartCapture = true
		s := NewSession(opts)
		defer s.Disconnect()
		if err := s.Connect(context.Background()); err != nil {
			t.Fatalf("Connect: %v", err)
		}

		if err := s.EnrollUser(context.Background(), 12, "Sara", zkproto.PrivilegeUser); err != nil {
			t.Fatalf("EnrollUser: %v", err)
		}
		if !f.seen(zkproto.CmdRefreshData) || !f.seen(zkproto.CmdStartEnroll) {
			t.Error("enroll did not refresh data and start capture")
		}
	})

	t.Run("rejected", func(t *testing.T) {
		s := NewSession(testOptions(f.addr()))
		defer s.Disconnect()
		if err := s.Connect(context.Background()); err != nil {
			t.Fatalf("Connect: %v", err)
		}

		err := s.EnrollUser(context.Background(), 7, "Dup", zkproto.PrivilegeUser)
		if !errors.Is(err, ErrEnrollmentRejected) {
			t.Fatalf("EnrollUser() err = %v, want ErrEnrollmentRejected", err)
		}
		if s.State() != StateFailed {
			t.Errorf("state = %v, want failed", s.State())
		}
	})
}

func TestDisconnectSendsExit(t *testing.T) {
	f := newFakeTerminal(t)

	s := NewSession(testOptions(f.addr()))
	if err := s.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	s.Disconnect()

	deadline := time.Now().Add(time.Second)
	for !f.seen(zkproto.CmdExit) {
		if time.Now().After(deadline) {
			t.Fatal("terminal never received CMD_EXIT")
		}
		time.Sleep(10 * time.Millisecond)
	}
}
