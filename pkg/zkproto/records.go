package zkproto

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// 用户记录长度（按固件区分）
const (
	UserRecordSize28 = 28
	UserRecordSize72 = 72
)

// 考勤记录长度
const (
	AttRecordSize8  = 8
	AttRecordSize16 = 16
	AttRecordSize40 = 40
)

var ErrRecordSize = errors.New("zkproto: unsupported record size")

// User is one enrolled user as stored on the terminal.
type User struct {
	UID       uint16
	Privilege byte
	Password  string
	Name      string
	Card      uint32
	GroupID   string
	UserID    string
}

// AttendanceRecord is one raw attendance log entry.
type AttendanceRecord struct {
	UID       uint16
	UserID    string
	Timestamp time.Time
	Status    byte
	Punch     byte
}

// Sizes holds the counters returned by CMD_GET_FREE_SIZES.
type Sizes struct {
	Users      int
	Fingers    int
	Records    int
	Cards      int
	FingersCap int
	UsersCap   int
	RecordsCap int
}

// DecodeSizes parses the CMD_GET_FREE_SIZES reply (20 little-endian int32).
func DecodeSizes(data []byte) (*Sizes, error) {
	if len(data) < 80 {
		return nil, fmt.Errorf("%w: sizes reply has %d bytes", ErrShortFrame, len(data))
	}

	field := func(i int) int {
		return int(int32(binary.LittleEndian.Uint32(data[i*4:])))
	}

	return &Sizes{
		Users:      field(4),
		Fingers:    field(6),
		Records:    field(8),
		Cards:      field(12),
		FingersCap: field(14),
		UsersCap:   field(15),
		RecordsCap: field(16),
	}, nil
}

// EncodeSizes is the inverse of DecodeSizes, used by terminal simulators.
func EncodeSizes(s Sizes) []byte {
	buf := make([]byte, 80)
	put := func(i, v int) {
		binary.LittleEndian.PutUint32(buf[i*4:], uint32(int32(v)))
	}
	put(4, s.Users)
	put(6, s.Fingers)
	put(8, s.Records)
	put(12, s.Cards)
	put(14, s.FingersCap)
	put(15, s.UsersCap)
	put(16, s.RecordsCap)
	return buf
}

// DecodeTime converts the terminal's packed timestamp into a time in loc.
func DecodeTime(v uint32, loc *time.Location) time.Time {
	if loc == nil {
		loc = time.Local
	}

	second := int(v % 60)
	v /= 60
	minute := int(v % 60)
	v /= 60
	hour := int(v % 24)
	v /= 24
	day := int(v%31) + 1
	v /= 31
	month := int(v%12) + 1
	v /= 12
	year := int(v) + 2000

	return time.Date(year, time.Month(month), day, hour, minute, second, 0, loc)
}

// EncodeTime packs t (in its own location) into the terminal's format.
func EncodeTime(t time.Time) uint32 {
	days := (t.Year()%100)*12*31 + (int(t.Month())-1)*31 + t.Day() - 1
	return uint32(days*86400 + (t.Hour()*60+t.Minute())*60 + t.Second())
}

// cString 读取以 \x00 结尾的定长字段
func cString(b []byte) string {
	if i := bytes.IndexByte(b, 0); i >= 0 {
		b = b[:i]
	}
	return strings.TrimSpace(string(b))
}

func putCString(dst []byte, s string) {
	copy(dst, s)
}

// bulkPayload strips the 4-byte total size prefix of a buffered read.
func bulkPayload(buf []byte) (total int, payload []byte, err error) {
	if len(buf) < 4 {
		return 0, nil, fmt.Errorf("%w: bulk buffer has %d bytes", ErrShortFrame, len(buf))
	}
	return int(binary.LittleEndian.Uint32(buf[:4])), buf[4:], nil
}

// DecodeUsers parses a buffered user table read. count is the user counter
// from CMD_GET_FREE_SIZES; when it is zero the record size is inferred.
func DecodeUsers(buf []byte, count int) ([]User, error) {
	total, payload, err := bulkPayload(buf)
	if err != nil {
		return nil, err
	}
	if total == 0 {
		return nil, nil
	}

	size := 0
	if count > 0 {
		size = total / count
	}
	if size != UserRecordSize28 && size != UserRecordSize72 {
		switch {
		case total%UserRecordSize72 == 0:
			size = UserRecordSize72
		case total%UserRecordSize28 == 0:
			size = UserRecordSize28
		default:
			return nil, fmt.Errorf("%w: user table of %d bytes", ErrRecordSize, total)
		}
	}

	users := make([]User, 0, len(payload)/size)
	for len(payload) >= size {
		u, err := DecodeUser(payload[:size])
		if err != nil {
			return users, err
		}
		users = append(users, u)
		payload = payload[size:]
	}
	return users, nil
}

// DecodeUser parses one 28 or 72 byte user record.
func DecodeUser(rec []byte) (User, error) {
	switch len(rec) {
	case UserRecordSize28:
		// <HB5s8sIxBhI
		uid := binary.LittleEndian.Uint16(rec[0:2])
		userID := binary.LittleEndian.Uint32(rec[24:28])
		return User{
			UID:       uid,
			Privilege: rec[2],
			Password:  cString(rec[3:8]),
			Name:      cString(rec[8:16]),
			Card:      binary.LittleEndian.Uint32(rec[16:20]),
			GroupID:   strconv.Itoa(int(rec[21])),
			UserID:    strconv.FormatUint(uint64(userID), 10),
		}, nil
	case UserRecordSize72:
		// <HB8s24sIx7sx24s
		return User{
			UID:       binary.LittleEndian.Uint16(rec[0:2]),
			Privilege: rec[2],
			Password:  cString(rec[3:11]),
			Name:      cString(rec[11:35]),
			Card:      binary.LittleEndian.Uint32(rec[35:39]),
			GroupID:   cString(rec[40:47]),
			UserID:    cString(rec[48:72]),
		}, nil
	default:
		return User{}, fmt.Errorf("%w: %d", ErrRecordSize, len(rec))
	}
}

// EncodeUser builds the CMD_USER_WRQ payload for the given record size.
func EncodeUser(u User, size int) ([]byte, error) {
	switch size {
	case UserRecordSize28:
		rec := make([]byte, UserRecordSize28)
		binary.LittleEndian.PutUint16(rec[0:2], u.UID)
		rec[2] = u.Privilege
		putCString(rec[3:8], u.Password)
		putCString(rec[8:16], u.Name)
		binary.LittleEndian.PutUint32(rec[16:20], u.Card)
		group, _ := strconv.Atoi(u.GroupID)
		rec[21] = byte(group)
		userID, _ := strconv.ParseUint(u.UserID, 10, 32)
		binary.LittleEndian.PutUint32(rec[24:28], uint32(userID))
		return rec, nil
	case UserRecordSize72:
		rec := make([]byte, UserRecordSize72)
		binary.LittleEndian.PutUint16(rec[0:2], u.UID)
		rec[2] = u.Privilege
		putCString(rec[3:11], u.Password)
		putCString(rec[11:35], u.Name)
		binary.LittleEndian.PutUint32(rec[35:39], u.Card)
		putCString(rec[40:47], u.GroupID)
		putCString(rec[48:72], u.UserID)
		return rec, nil
	default:
		return nil, fmt.Errorf("%w: %d", ErrRecordSize, size)
	}
}

// DecodeAttendance parses a buffered attendance log read. A buffer shorter
// than its declared total yields only the complete records it contains.
func DecodeAttendance(buf []byte, count int, loc *time.Location) ([]AttendanceRecord, error) {
	total, payload, err := bulkPayload(buf)
	if err != nil {
		return nil, err
	}
	if total == 0 {
		return nil, nil
	}

	size := 0
	if count > 0 {
		size = total / count
	}
	switch size {
	case AttRecordSize8, AttRecordSize16, AttRecordSize40:
	default:
		switch {
		case total%AttRecordSize40 == 0:
			size = AttRecordSize40
		case total%AttRecordSize16 == 0:
			size = AttRecordSize16
		case total%AttRecordSize8 == 0:
			size = AttRecordSize8
		default:
			return nil, fmt.Errorf("%w: attendance log of %d bytes", ErrRecordSize, total)
		}
	}

	records := make([]AttendanceRecord, 0, len(payload)/size)
	for len(payload) >= size {
		rec, err := DecodeAttendanceRecord(payload[:size], loc)
		if err != nil {
			return records, err
		}
		records = append(records, rec)
		payload = payload[size:]
	}
	return records, nil
}

// DecodeAttendanceRecord parses one 8, 16 or 40 byte attendance record.
func DecodeAttendanceRecord(rec []byte, loc *time.Location) (AttendanceRecord, error) {
	switch len(rec) {
	case AttRecordSize8:
		// <HB4sB
		uid := binary.LittleEndian.Uint16(rec[0:2])
		return AttendanceRecord{
			UID:       uid,
			UserID:    strconv.Itoa(int(uid)),
			Status:    rec[2],
			Timestamp: DecodeTime(binary.LittleEndian.Uint32(rec[3:7]), loc),
			Punch:     rec[7],
		}, nil
	case AttRecordSize16:
		// <I4sBB2sI
		userID := binary.LittleEndian.Uint32(rec[0:4])
		return AttendanceRecord{
			UID:       uint16(userID),
			UserID:    strconv.FormatUint(uint64(userID), 10),
			Timestamp: DecodeTime(binary.LittleEndian.Uint32(rec[4:8]), loc),
			Status:    rec[8],
			Punch:     rec[9],
		}, nil
	case AttRecordSize40:
		// <H24sB4sB8s
		return AttendanceRecord{
			UID:       binary.LittleEndian.Uint16(rec[0:2]),
			UserID:    cString(rec[2:26]),
			Status:    rec[26],
			Timestamp: DecodeTime(binary.LittleEndian.Uint32(rec[27:31]), loc),
			Punch:     rec[31],
		}, nil
	default:
		return AttendanceRecord{}, fmt.Errorf("%w: %d", ErrRecordSize, len(rec))
	}
}

// EncodeAttendanceRecord builds a 40-byte record, used by terminal simulators.
func EncodeAttendanceRecord(r AttendanceRecord) []byte {
	rec := make([]byte, AttRecordSize40)
	binary.LittleEndian.PutUint16(rec[0:2], r.UID)
	putCString(rec[2:26], r.UserID)
	rec[26] = r.Status
	binary.LittleEndian.PutUint32(rec[27:31], EncodeTime(r.Timestamp))
	rec[31] = r.Punch
	return rec
}

// TerminalUserID returns the numeric id the club stores as a client's
// fingerprint id, preferring the user-id string over the internal uid.
func (r AttendanceRecord) TerminalUserID() int {
	if n, err := strconv.Atoi(strings.TrimSpace(r.UserID)); err == nil && n > 0 {
		return n
	}
	return int(r.UID)
}

// StartEnrollRequest builds the CMD_STARTENROLL payload.
func StartEnrollRequest(userID string, fingerIndex byte) []byte {
	buf := make([]byte, 26)
	putCString(buf[0:24], userID)
	buf[24] = fingerIndex
	buf[25] = 1
	return buf
}

// BulkBuffer prefixes records with their total size the way terminals do.
func BulkBuffer(records [][]byte) []byte {
	var body bytes.Buffer
	for _, r := range records {
		body.Write(r)
	}
	buf := make([]byte, 4, 4+body.Len())
	binary.LittleEndian.PutUint32(buf, uint32(body.Len()))
	return append(buf, body.Bytes()...)
}
