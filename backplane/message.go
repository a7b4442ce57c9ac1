// Package backplane disseminates cache invalidation messages among Managers
// attached to the same broker channel: a batching, deduplicating publisher
// plus a subscriber that turns inbound frames back into messages.
package backplane

import (
	"encoding/binary"
	"fmt"

	"github.com/krish-gh/cachemanager-go/errs"
)

// Action identifies which kind of invalidation a Message carries.
type Action int

const (
	ActionChanged     Action = 0
	ActionClear       Action = 1
	ActionClearRegion Action = 2
	ActionRemoved     Action = 3
)

// ChangeAction is the sub-action carried by a Changed message, mirroring
// cachemanager.ChangeAction without importing the root package (the wire
// format must stay independent of the manager's in-process event types).
type ChangeAction int

const (
	ChangeAdd ChangeAction = iota
	ChangePut
	ChangeUpdate
	ChangeRemove
)

// SenderID identifies the process that emitted a Message, used to suppress
// self-echoes on the receiving side.
type SenderID [16]byte

// Message is one entry in the backplane's set-semantics outbound batch and
// the unit delivered to subscribers. Equality (for set dedup) is sender +
// action (including a Changed message's sub-action) + region + key.
type Message struct {
	Sender SenderID
	Action Action
	Change ChangeAction // meaningful only when Action == ActionChanged
	Key    string       // meaningful for ActionChanged / ActionRemoved
	Region string       // meaningful for ActionChanged / ActionRemoved / ActionClearRegion
}

// dedupKey is the equality key used by the outbound set.
type dedupKey struct {
	sender SenderID
	action Action
	change ChangeAction
	region string
	key    string
}

func (m Message) dedupKey() dedupKey {
	ch := m.Change
	if m.Action != ActionChanged {
		ch = 0
	}
	return dedupKey{sender: m.Sender, action: m.Action, change: ch, region: m.Region, key: m.Key}
}

// encode appends this message's wire body (everything after the frame-level
// length prefix) to dst and returns the result.
func (m Message) encode(dst []byte) []byte {
	actionByte := byte(m.Action) | byte(m.Change)<<2
	dst = append(dst, actionByte)
	dst = append(dst, m.Sender[:]...)

	switch m.Action {
	case ActionChanged, ActionRemoved:
		dst = appendString(dst, m.Key)
		dst = appendString(dst, m.Region)
	case ActionClearRegion:
		dst = appendString(dst, m.Region)
	case ActionClear:
		// no further fields
	}
	return dst
}

func appendString(dst []byte, s string) []byte {
	dst = binary.AppendUvarint(dst, uint64(len(s)))
	return append(dst, s...)
}

// decodeMessage parses one message body (the bytes between two frame length
// prefixes) and returns it.
func decodeMessage(body []byte) (Message, error) {
	if len(body) < 1+16 {
		return Message{}, fmt.Errorf("%w: message body too short (%d bytes)", errs.ErrSerialization, len(body))
	}
	actionByte := body[0]
	action := Action(actionByte & 0x3)
	change := ChangeAction((actionByte >> 2) & 0x7)

	var sender SenderID
	copy(sender[:], body[1:17])
	rest := body[17:]

	m := Message{Sender: sender, Action: action, Change: change}

	switch action {
	case ActionChanged, ActionRemoved:
		key, rest2, err := readString(rest)
		if err != nil {
			return Message{}, err
		}
		region, rest3, err := readString(rest2)
		if err != nil {
			return Message{}, err
		}
		if len(rest3) != 0 {
			return Message{}, fmt.Errorf("%w: trailing bytes after message", errs.ErrSerialization)
		}
		m.Key = key
		m.Region = region
	case ActionClearRegion:
		region, rest2, err := readString(rest)
		if err != nil {
			return Message{}, err
		}
		if len(rest2) != 0 {
			return Message{}, fmt.Errorf("%w: trailing bytes after message", errs.ErrSerialization)
		}
		m.Region = region
	case ActionClear:
		if len(rest) != 0 {
			return Message{}, fmt.Errorf("%w: trailing bytes after clear message", errs.ErrSerialization)
		}
	default:
		return Message{}, fmt.Errorf("%w: unknown backplane action %d", errs.ErrSerialization, actionByte&0x3)
	}
	return m, nil
}

func readString(b []byte) (string, []byte, error) {
	n, nn := binary.Uvarint(b)
	if nn <= 0 {
		return "", nil, fmt.Errorf("%w: malformed length prefix", errs.ErrSerialization)
	}
	b = b[nn:]
	if uint64(len(b)) < n {
		return "", nil, fmt.Errorf("%w: truncated string field", errs.ErrSerialization)
	}
	return string(b[:n]), b[n:], nil
}

// EncodeFrame serializes a batch of messages into one frame: the
// concatenation of length-prefixed message bodies.
func EncodeFrame(messages []Message) []byte {
	var frame []byte
	var body []byte
	for _, m := range messages {
		body = body[:0]
		body = m.encode(body)
		frame = binary.AppendUvarint(frame, uint64(len(body)))
		frame = append(frame, body...)
	}
	return frame
}

// DecodeFrame parses a frame into its constituent messages, in order. A
// frame may have been produced by multiple flushes concatenated together;
// DecodeFrame simply keeps reading length-prefixed messages until the
// buffer is exhausted.
func DecodeFrame(frame []byte) ([]Message, error) {
	var out []Message
	for len(frame) > 0 {
		n, nn := binary.Uvarint(frame)
		if nn <= 0 {
			return nil, fmt.Errorf("%w: malformed frame length prefix", errs.ErrSerialization)
		}
		frame = frame[nn:]
		if uint64(len(frame)) < n {
			return nil, fmt.Errorf("%w: truncated frame body", errs.ErrSerialization)
		}
		msg, err := decodeMessage(frame[:n])
		if err != nil {
			return nil, err
		}
		out = append(out, msg)
		frame = frame[n:]
	}
	return out, nil
}
