// Package terminal implements a session client for ZKTeco fingerprint
// terminals. A Session owns one TCP connection, runs one command at a time
// and is torn down after every sync, test or enroll operation.
package terminal

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/fitdesk/fitdesk-server/pkg/zkproto"
)

var (
	ErrConnectionTimeout    = errors.New("terminal: connection timeout")
	ErrAuthenticationFailed = errors.New("terminal: authentication failed")
	ErrSessionDefunct       = errors.New("terminal: session defunct")
	ErrEnrollmentRejected   = errors.New("terminal: enrollment rejected")
	ErrNotConnected         = errors.New("terminal: not connected")
	ErrCommandTimeout       = errors.New("terminal: command timeout")
	ErrProtocol             = errors.New("terminal: unexpected reply")
)

// State is the connection state of a Session.
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateAuthenticated
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateAuthenticated:
		return "authenticated"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Dialer opens the TCP connection. *net.Dialer satisfies it.
type Dialer interface {
	DialContext(ctx context.Context, network, address string) (net.Conn, error)
}

// Options configures a Session.
type Options struct {
	Address        string
	CommKey        uint32
	ConnectTimeout time.Duration
	CommandTimeout time.Duration
	// IdleTimeout 多包传输中两包之间允许的最长静默时间
	IdleTimeout    time.Duration
	UserRecordSize int
	StartCapture   bool
	Location       *time.Location
	Dialer         Dialer
}

func (o *Options) setDefaults() {
	if o.ConnectTimeout <= 0 {
		o.ConnectTimeout = 5 * time.Second
	}
	if o.CommandTimeout <= 0 {
		o.CommandTimeout = 30 * time.Second
	}
	if o.IdleTimeout <= 0 {
		o.IdleTimeout = 2 * time.Second
	}
	if o.UserRecordSize == 0 {
		o.UserRecordSize = zkproto.UserRecordSize72
	}
	if o.Location == nil {
		o.Location = time.Local
	}
	if o.Dialer == nil {
		o.Dialer = &net.Dialer{}
	}
}

// Punch is one attendance entry read from the terminal log.
type Punch struct {
	TerminalUserID int       `json:"terminalUserId"`
	Timestamp      time.Time `json:"timestamp"`
	PunchType      int       `json:"punchType"`
	RawStatus      int       `json:"rawStatus"`
}

// AttendanceLog is the result of FetchAttendance. Truncated reports that
// the terminal went quiet before the announced log size was received, so
// Punches may be incomplete.
type AttendanceLog struct {
	Punches   []Punch
	Truncated bool
}

// Session is a connection to one terminal.
type Session struct {
	opts Options

	// mu 保证同一时刻只有一个在途命令
	mu sync.Mutex

	stateMu sync.RWMutex
	state   State
	conn    net.Conn

	sessionID uint16
	replyID   uint16
}

// NewSession creates a disconnected session.
func NewSession(opts Options) *Session {
	opts.setDefaults()
	return &Session{
		opts:    opts,
		state:   StateDisconnected,
		replyID: zkproto.USHRTMax - 1,
	}
}

// State returns the current connection state.
func (s *Session) State() State {
	s.stateMu.RLock()
	defer s.stateMu.RUnlock()
	return s.state
}

// Address returns the terminal address.
func (s *Session) Address() string {
	return s.opts.Address
}

// Connect dials the terminal and performs CMD_CONNECT, followed by CMD_AUTH
// when the terminal asks for a comm key.
func (s *Session) Connect(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.stateMu.Lock()
	switch s.state {
	case StateFailed:
		s.stateMu.Unlock()
		return ErrSessionDefunct
	case StateAuthenticated:
		s.stateMu.Unlock()
		return nil
	}
	s.state = StateConnecting
	s.stateMu.Unlock()

	dialCtx, cancel := context.WithTimeout(ctx, s.opts.ConnectTimeout)
	conn, err := s.opts.Dialer.DialContext(dialCtx, "tcp", s.opts.Address)
	dialErr := dialCtx.Err()
	cancel()
	if err != nil {
		s.markFailed(nil)
		if isTimeout(err) || errors.Is(dialErr, context.DeadlineExceeded) {
			return fmt.Errorf("%w: %s after %s", ErrConnectionTimeout, s.opts.Address, s.opts.ConnectTimeout)
		}
		return fmt.Errorf("dial %s: %w", s.opts.Address, err)
	}

	s.stateMu.Lock()
	if s.state != StateConnecting {
		// 连接期间被 Disconnect
		s.stateMu.Unlock()
		conn.Close()
		return ErrNotConnected
	}
	s.conn = conn
	s.stateMu.Unlock()

	stop := watchContext(ctx, conn)
	defer stop()

	deadline := s.deadline(ctx, s.opts.ConnectTimeout)
	resp, err := s.exchange(conn, zkproto.CmdConnect, nil, deadline)
	if err != nil {
		s.markFailed(conn)
		return s.wrapIOError(ctx, err, ErrConnectionTimeout)
	}
	s.sessionID = resp.SessionID

	if resp.Command == zkproto.CmdAckUnauth {
		key := zkproto.MakeCommKey(s.opts.CommKey, s.sessionID, zkproto.DefaultTicks)
		resp, err = s.exchange(conn, zkproto.CmdAuth, key, deadline)
		if err != nil {
			s.markFailed(conn)
			return s.wrapIOError(ctx, err, ErrConnectionTimeout)
		}
	}

	if resp.Command != zkproto.CmdAckOK {
		s.markFailed(conn)
		return fmt.Errorf("%w: %s replied %s", ErrAuthenticationFailed, s.opts.Address, zkproto.CommandName(resp.Command))
	}

	s.stateMu.Lock()
	s.state = StateAuthenticated
	s.stateMu.Unlock()

	log.Debug().
		Str("terminal", s.opts.Address).
		Uint16("session_id", s.sessionID).
		Msg("终端已连接")

	return nil
}

// Disconnect closes the session. It is valid in any state and idempotent.
// CMD_EXIT is sent best-effort when the session is authenticated and idle.
func (s *Session) Disconnect() {
	s.stateMu.Lock()
	conn := s.conn
	wasAuthenticated := s.state == StateAuthenticated
	s.conn = nil
	s.state = StateDisconnected
	s.stateMu.Unlock()

	if conn == nil {
		return
	}

	if wasAuthenticated && s.mu.TryLock() {
		conn.SetDeadline(time.Now().Add(time.Second))
		s.replyID = zkproto.NextReplyID(s.replyID)
		_ = zkproto.WritePacket(conn, &zkproto.Packet{
			Command:   zkproto.CmdExit,
			SessionID: s.sessionID,
			ReplyID:   s.replyID,
		})
		s.mu.Unlock()
	}

	if err := conn.Close(); err != nil {
		log.Debug().Err(err).Str("terminal", s.opts.Address).Msg("关闭终端连接失败")
	}
}

// ReadSizes returns the terminal's record counters and capacities.
func (s *Session) ReadSizes(ctx context.Context) (*zkproto.Sizes, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	conn, err := s.begin()
	if err != nil {
		return nil, err
	}
	stop := watchContext(ctx, conn)
	defer stop()

	sizes, err := s.readSizes(conn, s.deadline(ctx, s.opts.CommandTimeout))
	if err != nil {
		s.markFailed(conn)
		return nil, s.wrapIOError(ctx, err, ErrCommandTimeout)
	}
	return sizes, nil
}

// EnumerateUsers reads the terminal's user table.
func (s *Session) EnumerateUsers(ctx context.Context) ([]zkproto.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	conn, err := s.begin()
	if err != nil {
		return nil, err
	}
	stop := watchContext(ctx, conn)
	defer stop()

	deadline := s.deadline(ctx, s.opts.CommandTimeout)
	sizes, err := s.readSizes(conn, deadline)
	if err != nil {
		s.markFailed(conn)
		return nil, s.wrapIOError(ctx, err, ErrCommandTimeout)
	}
	if sizes.Users == 0 {
		return nil, nil
	}

	buf, complete, err := s.readBuffer(conn, zkproto.CmdUserTempRRQ, zkproto.FctUser, deadline)
	if err != nil {
		s.markFailed(conn)
		return nil, s.wrapIOError(ctx, err, ErrCommandTimeout)
	}
	if !complete {
		s.markFailed(conn)
		log.Warn().
			Str("terminal", s.opts.Address).
			Int("bytes", len(buf)).
			Msg("用户表读取不完整")
	}

	users, err := zkproto.DecodeUsers(buf, sizes.Users)
	if err != nil && len(users) == 0 {
		return nil, fmt.Errorf("decode users: %w", err)
	}
	return users, nil
}

// FetchAttendance reads the attendance log. If the terminal stops sending
// before the announced size is reached, the complete records received so
// far are returned with Truncated set and the session becomes unusable.
func (s *Session) FetchAttendance(ctx context.Context) (*AttendanceLog, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	conn, err := s.begin()
	if err != nil {
		return nil, err
	}
	stop := watchContext(ctx, conn)
	defer stop()

	deadline := s.deadline(ctx, s.opts.CommandTimeout)
	sizes, err := s.readSizes(conn, deadline)
	if err != nil {
		s.markFailed(conn)
		return nil, s.wrapIOError(ctx, err, ErrCommandTimeout)
	}
	if sizes.Records == 0 {
		return &AttendanceLog{}, nil
	}

	// 读取期间锁定终端键盘
	if err := s.simple(conn, zkproto.CmdDisableDevice, nil, deadline); err != nil {
		s.markFailed(conn)
		return nil, s.wrapIOError(ctx, err, ErrCommandTimeout)
	}

	buf, complete, err := s.readBuffer(conn, zkproto.CmdAttLogRRQ, 0, deadline)
	if ctxErr := ctx.Err(); ctxErr != nil {
		s.markFailed(conn)
		return nil, ctxErr
	}
	if err != nil && len(buf) == 0 {
		s.markFailed(conn)
		return nil, s.wrapIOError(ctx, err, ErrCommandTimeout)
	}

	result := &AttendanceLog{Truncated: !complete || err != nil}
	if result.Truncated {
		// 数据流中途中断，连接状态未知
		s.markFailed(conn)
		log.Warn().
			Str("terminal", s.opts.Address).
			Int("bytes", len(buf)).
			Int("records", sizes.Records).
			Msg("考勤记录读取不完整，返回部分数据")
	} else if err := s.simple(conn, zkproto.CmdEnableDevice, nil, deadline); err != nil {
		log.Warn().Err(err).Str("terminal", s.opts.Address).Msg("恢复终端失败")
	}

	if len(buf) < 4 {
		return result, nil
	}

	records, err := zkproto.DecodeAttendance(buf, sizes.Records, s.opts.Location)
	if err != nil && len(records) == 0 {
		return nil, fmt.Errorf("decode attendance: %w", err)
	}

	result.Punches = make([]Punch, 0, len(records))
	for _, r := range records {
		result.Punches = append(result.Punches, Punch{
			TerminalUserID: r.TerminalUserID(),
			Timestamp:      r.Timestamp,
			PunchType:      int(r.Punch),
			RawStatus:      int(r.Status),
		})
	}
	return result, nil
}

// EnrollUser writes a user record keyed by uid and, when configured, asks
// the terminal to start fingerprint capture. Capture itself happens on the
// device and is not awaited.
func (s *Session) EnrollUser(ctx context.Context, uid uint16, name string, privilege byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	conn, err := s.begin()
	if err != nil {
		return err
	}
	stop := watchContext(ctx, conn)
	defer stop()

	userID := strconv.Itoa(int(uid))
	rec, err := zkproto.EncodeUser(zkproto.User{
		UID:       uid,
		Privilege: privilege,
		Name:      name,
		UserID:    userID,
	}, s.opts.UserRecordSize)
	if err != nil {
		return err
	}

	deadline := s.deadline(ctx, s.opts.CommandTimeout)
	resp, err := s.exchange(conn, zkproto.CmdUserWRQ, rec, deadline)
	if err != nil {
		s.markFailed(conn)
		return s.wrapIOError(ctx, err, ErrCommandTimeout)
	}
	if resp.Command != zkproto.CmdAckOK {
		s.markFailed(conn)
		return fmt.Errorf("%w: uid %d: %s", ErrEnrollmentRejected, uid, zkproto.CommandName(resp.Command))
	}

	if err := s.simple(conn, zkproto.CmdRefreshData, nil, deadline); err != nil {
		s.markFailed(conn)
		return s.wrapIOError(ctx, err, ErrCommandTimeout)
	}

	if !s.opts.StartCapture {
		return nil
	}

	// 取消可能残留的采集
	_ = s.simple(conn, zkproto.CmdCancelCapture, nil, deadline)

	resp, err = s.exchange(conn, zkproto.CmdStartEnroll, zkproto.StartEnrollRequest(userID, 0), deadline)
	if err != nil {
		s.markFailed(conn)
		return s.wrapIOError(ctx, err, ErrCommandTimeout)
	}
	if resp.Command != zkproto.CmdAckOK {
		s.markFailed(conn)
		return fmt.Errorf("%w: start capture for uid %d: %s", ErrEnrollmentRejected, uid, zkproto.CommandName(resp.Command))
	}

	log.Info().
		Str("terminal", s.opts.Address).
		Uint16("uid", uid).
		Msg("终端已进入指纹采集")

	return nil
}

// begin 检查会话状态并返回当前连接
func (s *Session) begin() (net.Conn, error) {
	s.stateMu.RLock()
	defer s.stateMu.RUnlock()

	switch s.state {
	case StateAuthenticated:
		return s.conn, nil
	case StateFailed:
		return nil, ErrSessionDefunct
	default:
		return nil, ErrNotConnected
	}
}

// markFailed closes conn and moves the session to Failed, unless the
// connection was already replaced by Disconnect.
func (s *Session) markFailed(conn net.Conn) {
	s.stateMu.Lock()
	defer s.stateMu.Unlock()

	if conn != nil && s.conn != conn {
		return
	}
	if s.conn != nil {
		s.conn.Close()
		s.conn = nil
	}
	s.state = StateFailed
}

func (s *Session) deadline(ctx context.Context, d time.Duration) time.Time {
	deadline := time.Now().Add(d)
	if ctxDeadline, ok := ctx.Deadline(); ok && ctxDeadline.Before(deadline) {
		return ctxDeadline
	}
	return deadline
}

func (s *Session) wrapIOError(ctx context.Context, err error, timeoutErr error) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return ctxErr
	}
	if isTimeout(err) {
		return fmt.Errorf("%w: %s: %v", timeoutErr, s.opts.Address, err)
	}
	return err
}

func (s *Session) send(conn net.Conn, cmd uint16, data []byte, deadline time.Time) error {
	s.replyID = zkproto.NextReplyID(s.replyID)
	conn.SetWriteDeadline(deadline)
	return zkproto.WritePacket(conn, &zkproto.Packet{
		Command:   cmd,
		SessionID: s.sessionID,
		ReplyID:   s.replyID,
		Data:      data,
	})
}

func (s *Session) receive(conn net.Conn, deadline time.Time) (*zkproto.Packet, error) {
	conn.SetReadDeadline(deadline)
	p, err := zkproto.ReadPacket(conn)
	if err != nil {
		return nil, err
	}
	s.replyID = p.ReplyID
	return p, nil
}

func (s *Session) exchange(conn net.Conn, cmd uint16, data []byte, deadline time.Time) (*zkproto.Packet, error) {
	if err := s.send(conn, cmd, data, deadline); err != nil {
		return nil, fmt.Errorf("send %s: %w", zkproto.CommandName(cmd), err)
	}
	resp, err := s.receive(conn, deadline)
	if err != nil {
		return nil, fmt.Errorf("read %s reply: %w", zkproto.CommandName(cmd), err)
	}
	return resp, nil
}

// simple 发送命令并要求 ACK_OK
func (s *Session) simple(conn net.Conn, cmd uint16, data []byte, deadline time.Time) error {
	resp, err := s.exchange(conn, cmd, data, deadline)
	if err != nil {
		return err
	}
	if resp.Command != zkproto.CmdAckOK {
		return fmt.Errorf("%w: %s replied %s", ErrProtocol, zkproto.CommandName(cmd), zkproto.CommandName(resp.Command))
	}
	return nil
}

func (s *Session) readSizes(conn net.Conn, deadline time.Time) (*zkproto.Sizes, error) {
	resp, err := s.exchange(conn, zkproto.CmdGetFreeSizes, nil, deadline)
	if err != nil {
		return nil, err
	}
	if resp.Command != zkproto.CmdAckOK {
		return nil, fmt.Errorf("%w: GET_FREE_SIZES replied %s", ErrProtocol, zkproto.CommandName(resp.Command))
	}
	return zkproto.DecodeSizes(resp.Data)
}

func watchContext(ctx context.Context, conn net.Conn) func() bool {
	// 取消时关闭连接以中断阻塞读
	return context.AfterFunc(ctx, func() {
		conn.Close()
	})
}

func isTimeout(err error) bool {
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}
