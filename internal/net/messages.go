package net

import (
	"encoding/binary"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"xchange/internal/common"
)

var (
	ErrInvalidMessageType = errors.New("invalid message type")
	ErrMessageTooShort    = errors.New("message too short for specified field length")
)

// MessageType tags the request frames a client may send.
type MessageType uint16

const (
	Heartbeat MessageType = iota
	NewOrder
	CancelOrder
	DepthQuery
)

// ReportMessageType tags the response frames the server may send back.
type ReportMessageType uint16

const (
	ExecutionReport ReportMessageType = iota
	ErrorReport
	DepthReport
)

// Message is any parsed request frame.
type Message interface {
	GetType() MessageType
}

// BaseMessageHeaderLen is the 2-byte MessageType tag every frame starts
// with.
const BaseMessageHeaderLen = 2

type BaseMessage struct {
	TypeOf MessageType
}

func (m BaseMessage) GetType() MessageType { return m.TypeOf }

func parseMessage(msg []byte) (Message, error) {
	if len(msg) < BaseMessageHeaderLen {
		return BaseMessage{}, ErrMessageTooShort
	}
	typeOf := MessageType(binary.BigEndian.Uint16(msg[0:2]))
	body := msg[2:]
	switch typeOf {
	case Heartbeat:
		return BaseMessage{TypeOf: Heartbeat}, nil
	case NewOrder:
		return parseNewOrder(body)
	case CancelOrder:
		return parseCancelOrder(body)
	case DepthQuery:
		return parseDepthQuery(body)
	default:
		return BaseMessage{}, ErrInvalidMessageType
	}
}

// readLenPrefixed reads a one-byte length prefix followed by that many
// bytes of payload, returning the payload and the remainder of buf.
func readLenPrefixed(buf []byte) (string, []byte, error) {
	if len(buf) < 1 {
		return "", nil, ErrMessageTooShort
	}
	n := int(buf[0])
	buf = buf[1:]
	if len(buf) < n {
		return "", nil, ErrMessageTooShort
	}
	return string(buf[:n]), buf[n:], nil
}

func putLenPrefixed(s string) []byte {
	out := make([]byte, 1+len(s))
	out[0] = byte(len(s))
	copy(out[1:], s)
	return out
}

// NewOrderMessage is a client's order submission: ticker, side, type,
// price (empty for MARKET), size, username, and a client-minted
// correlation UUID the server echoes back on every report about this
// order — the store's own OrderID is assigned only once the order is
// admitted, so the client needs something to key on immediately.
type NewOrderMessage struct {
	BaseMessage
	Ticker        string
	Side          common.Side
	Type          common.OrderType
	Price         string
	Size          string
	Username      string
	ClientOrderID string
}

func parseNewOrder(body []byte) (NewOrderMessage, error) {
	m := NewOrderMessage{BaseMessage: BaseMessage{TypeOf: NewOrder}}
	if len(body) < 2 {
		return NewOrderMessage{}, ErrMessageTooShort
	}
	m.Side = common.Side(body[0])
	m.Type = common.OrderType(body[1])
	rest := body[2:]

	var err error
	if m.Ticker, rest, err = readLenPrefixed(rest); err != nil {
		return NewOrderMessage{}, err
	}
	if m.Price, rest, err = readLenPrefixed(rest); err != nil {
		return NewOrderMessage{}, err
	}
	if m.Size, rest, err = readLenPrefixed(rest); err != nil {
		return NewOrderMessage{}, err
	}
	if m.Username, rest, err = readLenPrefixed(rest); err != nil {
		return NewOrderMessage{}, err
	}
	if m.ClientOrderID, _, err = readLenPrefixed(rest); err != nil {
		return NewOrderMessage{}, err
	}
	return m, nil
}

// Serialize encodes m onto the wire, for use by cmd/client.
func (m NewOrderMessage) Serialize() []byte {
	if m.ClientOrderID == "" {
		m.ClientOrderID = uuid.New().String()
	}
	var buf []byte
	buf = binary.BigEndian.AppendUint16(buf, uint16(NewOrder))
	buf = append(buf, byte(m.Side), byte(m.Type))
	buf = append(buf, putLenPrefixed(m.Ticker)...)
	buf = append(buf, putLenPrefixed(m.Price)...)
	buf = append(buf, putLenPrefixed(m.Size)...)
	buf = append(buf, putLenPrefixed(m.Username)...)
	buf = append(buf, putLenPrefixed(m.ClientOrderID)...)
	return buf
}

// CancelOrderMessage cancels a resting order by its store-assigned id.
type CancelOrderMessage struct {
	BaseMessage
	Username string
	OrderID  common.OrderID
}

func parseCancelOrder(body []byte) (CancelOrderMessage, error) {
	m := CancelOrderMessage{BaseMessage: BaseMessage{TypeOf: CancelOrder}}
	var err error
	var rest []byte
	if m.Username, rest, err = readLenPrefixed(body); err != nil {
		return CancelOrderMessage{}, err
	}
	if len(rest) < 8 {
		return CancelOrderMessage{}, ErrMessageTooShort
	}
	m.OrderID = common.OrderID(binary.BigEndian.Uint64(rest[:8]))
	return m, nil
}

func (m CancelOrderMessage) Serialize() []byte {
	var buf []byte
	buf = binary.BigEndian.AppendUint16(buf, uint16(CancelOrder))
	buf = append(buf, putLenPrefixed(m.Username)...)
	buf = binary.BigEndian.AppendUint64(buf, uint64(m.OrderID))
	return buf
}

// DepthQueryMessage asks for the top N price levels of one asset.
type DepthQueryMessage struct {
	BaseMessage
	Ticker string
	Levels int
}

func parseDepthQuery(body []byte) (DepthQueryMessage, error) {
	m := DepthQueryMessage{BaseMessage: BaseMessage{TypeOf: DepthQuery}}
	ticker, rest, err := readLenPrefixed(body)
	if err != nil {
		return DepthQueryMessage{}, err
	}
	m.Ticker = ticker
	if len(rest) < 1 {
		return DepthQueryMessage{}, ErrMessageTooShort
	}
	m.Levels = int(rest[0])
	return m, nil
}

func (m DepthQueryMessage) Serialize() []byte {
	var buf []byte
	buf = binary.BigEndian.AppendUint16(buf, uint16(DepthQuery))
	buf = append(buf, putLenPrefixed(m.Ticker)...)
	buf = append(buf, byte(m.Levels))
	return buf
}

// Report is any response frame sent back to a client.
type Report struct {
	Type          ReportMessageType
	ClientOrderID string
	OrderID       common.OrderID
	Status        string
	Fills         []TradeFill
	DepthLevels   []DepthLevelWire
	Err           string
}

// TradeFill is one fill reported back for a submitted order.
type TradeFill struct {
	TradeID common.TradeID
	Price   string
	Size    string
}

// DepthLevelWire is one aggregated book level reported back for a depth
// query.
type DepthLevelWire struct {
	Price string
	Size  string
}

// Serialize encodes r onto the wire in the order Type, ClientOrderID,
// OrderID, Status, Err, Fills, DepthLevels, with every string field
// length-prefixed; this is not meant to be a compact production
// framing, only a deterministic round-trippable one.
func (r Report) Serialize() ([]byte, error) {
	var buf []byte
	buf = binary.BigEndian.AppendUint16(buf, uint16(r.Type))
	buf = append(buf, putLenPrefixed(r.ClientOrderID)...)
	buf = binary.BigEndian.AppendUint64(buf, uint64(r.OrderID))
	buf = append(buf, putLenPrefixed(r.Status)...)
	buf = append(buf, putLenPrefixed(r.Err)...)

	if len(r.Fills) > 255 {
		return nil, fmt.Errorf("too many fills to encode: %d", len(r.Fills))
	}
	buf = append(buf, byte(len(r.Fills)))
	for _, f := range r.Fills {
		buf = binary.BigEndian.AppendUint64(buf, uint64(f.TradeID))
		buf = append(buf, putLenPrefixed(f.Price)...)
		buf = append(buf, putLenPrefixed(f.Size)...)
	}

	if len(r.DepthLevels) > 255 {
		return nil, fmt.Errorf("too many depth levels to encode: %d", len(r.DepthLevels))
	}
	buf = append(buf, byte(len(r.DepthLevels)))
	for _, l := range r.DepthLevels {
		buf = append(buf, putLenPrefixed(l.Price)...)
		buf = append(buf, putLenPrefixed(l.Size)...)
	}

	return buf, nil
}

func errorReport(clientOrderID string, err error) Report {
	return Report{Type: ErrorReport, ClientOrderID: clientOrderID, Err: err.Error()}
}

// ParseReport decodes a frame written by Report.Serialize, for use by
// cmd/client.
func ParseReport(frame []byte) (Report, error) {
	if len(frame) < 2 {
		return Report{}, ErrMessageTooShort
	}
	r := Report{Type: ReportMessageType(binary.BigEndian.Uint16(frame[0:2]))}
	rest := frame[2:]

	var err error
	if r.ClientOrderID, rest, err = readLenPrefixed(rest); err != nil {
		return Report{}, err
	}
	if len(rest) < 8 {
		return Report{}, ErrMessageTooShort
	}
	r.OrderID = common.OrderID(binary.BigEndian.Uint64(rest[:8]))
	rest = rest[8:]
	if r.Status, rest, err = readLenPrefixed(rest); err != nil {
		return Report{}, err
	}
	if r.Err, rest, err = readLenPrefixed(rest); err != nil {
		return Report{}, err
	}

	if len(rest) < 1 {
		return Report{}, ErrMessageTooShort
	}
	nFills := int(rest[0])
	rest = rest[1:]
	r.Fills = make([]TradeFill, 0, nFills)
	for i := 0; i < nFills; i++ {
		if len(rest) < 8 {
			return Report{}, ErrMessageTooShort
		}
		fill := TradeFill{TradeID: common.TradeID(binary.BigEndian.Uint64(rest[:8]))}
		rest = rest[8:]
		if fill.Price, rest, err = readLenPrefixed(rest); err != nil {
			return Report{}, err
		}
		if fill.Size, rest, err = readLenPrefixed(rest); err != nil {
			return Report{}, err
		}
		r.Fills = append(r.Fills, fill)
	}

	if len(rest) < 1 {
		return Report{}, ErrMessageTooShort
	}
	nLevels := int(rest[0])
	rest = rest[1:]
	r.DepthLevels = make([]DepthLevelWire, 0, nLevels)
	for i := 0; i < nLevels; i++ {
		var level DepthLevelWire
		if level.Price, rest, err = readLenPrefixed(rest); err != nil {
			return Report{}, err
		}
		if level.Size, rest, err = readLenPrefixed(rest); err != nil {
			return Report{}, err
		}
		r.DepthLevels = append(r.DepthLevels, level)
	}

	return r, nil
}

// HeartbeatMessage is a keepalive frame with no body beyond its
// timestamp; cmd/client sends one periodically so idle connections
// (placed an order, now only listening for reports) don't trip the
// server's read deadline.
type HeartbeatMessage struct {
	BaseMessage
	SentAt time.Time
}

func (m HeartbeatMessage) Serialize() []byte {
	return heartbeatAt(m.SentAt)
}

func heartbeatAt(t time.Time) []byte {
	var buf []byte
	buf = binary.BigEndian.AppendUint16(buf, uint16(Heartbeat))
	buf = binary.BigEndian.AppendUint64(buf, uint64(t.Unix()))
	return buf
}
