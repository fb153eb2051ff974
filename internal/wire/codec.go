// Package wire encodes subscribe/unsubscribe control frames and decodes the
// two inbound frame shapes of the KIS streaming socket: JSON control frames
// and pipe/caret-delimited plaintext data frames.
package wire

import (
	"encoding/json"
	"fmt"
	"log"
	"strconv"
	"strings"
)

const (
	// TrIDQuote is the stream id for real-time trade price records
	TrIDQuote = "H0STCNT0"

	// TrIDPingPong marks liveness heartbeat control frames
	TrIDPingPong = "PINGPONG"

	// RtCdSuccess is the ack status for an accepted subscription request
	RtCdSuccess = "0"

	// minQuoteFields is the minimum caret-delimited field count per record
	minQuoteFields = 14
)

// DecodeError reports a malformed frame or record. It is always recovered
// locally: log, drop, keep the receive loop alive.
type DecodeError struct {
	Reason string
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("frame decode failed: %s", e.Reason)
}

// Frame is the tagged variant produced by Decode: *ControlFrame, *DataFrame
// or Unrecognized.
type Frame interface {
	frame()
}

// ControlFrame is a decoded JSON protocol message (heartbeat or
// subscription acknowledgement).
type ControlFrame struct {
	TrID    string
	TrKey   string
	RtCd    string
	Message string
}

func (*ControlFrame) frame() {}

// IsPingPong reports whether the frame is a liveness heartbeat carrying no
// subscription semantics.
func (f *ControlFrame) IsPingPong() bool {
	return f.TrID == TrIDPingPong
}

// IsSuccess reports whether the frame acknowledges a subscription request.
func (f *ControlFrame) IsSuccess() bool {
	return f.RtCd == RtCdSuccess
}

// IsAuthFailure reports whether a failed ack is attributable to a credential
// problem and should trigger approval-key recovery.
func (f *ControlFrame) IsAuthFailure() bool {
	msg := strings.ToLower(f.Message)
	return strings.Contains(msg, "invalid approval") || strings.Contains(msg, "not found")
}

// QuoteRecord is one parsed trade-price record from a data frame.
type QuoteRecord struct {
	Code         string
	TradeTime    string
	Price        float64
	Sign         string
	ChangeAmount int64
	ChangeRate   float64
}

// DataFrame carries the successfully parsed records of one plaintext data
// frame. Records that failed to parse are logged and dropped individually.
type DataFrame struct {
	TrID    string
	Records []QuoteRecord
}

func (*DataFrame) frame() {}

// Unrecognized is returned for frames the codec cannot classify, including
// encrypted data frames.
type Unrecognized struct {
	Raw string
}

func (Unrecognized) frame() {}

// controlMessage mirrors the JSON layout of KIS control frames.
type controlMessage struct {
	Header struct {
		ApprovalKey string `json:"approval_key,omitempty"`
		CustType    string `json:"custtype,omitempty"`
		TrType      string `json:"tr_type,omitempty"`
		ContentType string `json:"content-type,omitempty"`
		TrID        string `json:"tr_id,omitempty"`
		TrKey       string `json:"tr_key,omitempty"`
	} `json:"header"`
	Body struct {
		RtCd  string `json:"rt_cd,omitempty"`
		Msg1  string `json:"msg1,omitempty"`
		Input struct {
			TrID  string `json:"tr_id,omitempty"`
			TrKey string `json:"tr_key,omitempty"`
		} `json:"input,omitempty"`
	} `json:"body"`
}

type subscribeMessage struct {
	Header struct {
		ApprovalKey string `json:"approval_key"`
		CustType    string `json:"custtype"`
		TrType      string `json:"tr_type"`
		ContentType string `json:"content-type"`
	} `json:"header"`
	Body struct {
		Input struct {
			TrID  string `json:"tr_id"`
			TrKey string `json:"tr_key"`
		} `json:"input"`
	} `json:"body"`
}

// EncodeSubscribe builds the control frame registering (register=true) or
// unregistering (register=false) the real-time quote stream for code.
func EncodeSubscribe(approvalKey, code string, register bool) ([]byte, error) {
	var msg subscribeMessage
	msg.Header.ApprovalKey = approvalKey
	msg.Header.CustType = "P" // individual customer
	if register {
		msg.Header.TrType = "1"
	} else {
		msg.Header.TrType = "2"
	}
	msg.Header.ContentType = "utf-8"
	msg.Body.Input.TrID = TrIDQuote
	msg.Body.Input.TrKey = code

	frame, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("failed to encode subscribe frame for %s: %w", code, err)
	}
	return frame, nil
}

// EncodePingPong builds the heartbeat reply echoing an inbound PINGPONG.
func EncodePingPong() []byte {
	return []byte(`{"header":{"tr_id":"PINGPONG","datetime":""}}`)
}

// Decode classifies a raw inbound frame. JSON frames become ControlFrames,
// plaintext frames beginning with '0' become DataFrames, everything else
// (including '1'-prefixed encrypted frames) is Unrecognized. A *DecodeError
// is returned for frames that claim a known shape but cannot be parsed.
func Decode(raw []byte) (Frame, error) {
	if len(raw) == 0 {
		return nil, &DecodeError{Reason: "empty frame"}
	}

	switch raw[0] {
	case '{':
		return decodeControl(raw)
	case '0':
		return decodeData(string(raw))
	case '1':
		// Encrypted data frames are out of scope
		return Unrecognized{Raw: string(raw)}, nil
	default:
		return Unrecognized{Raw: string(raw)}, nil
	}
}

func decodeControl(raw []byte) (Frame, error) {
	var msg controlMessage
	if err := json.Unmarshal(raw, &msg); err != nil {
		return nil, &DecodeError{Reason: fmt.Sprintf("bad control JSON: %v", err)}
	}

	return &ControlFrame{
		TrID:    msg.Header.TrID,
		TrKey:   msg.Header.TrKey,
		RtCd:    msg.Body.RtCd,
		Message: msg.Body.Msg1,
	}, nil
}

func decodeData(raw string) (Frame, error) {
	parts := strings.Split(raw, "|")
	if len(parts) < 4 {
		return nil, &DecodeError{Reason: fmt.Sprintf("data frame has %d parts, need 4", len(parts))}
	}

	trID := parts[1]
	payload := parts[3]

	count, err := strconv.Atoi(parts[2])
	if err != nil || count <= 0 {
		return nil, &DecodeError{Reason: fmt.Sprintf("bad record count %q", parts[2])}
	}

	fields := strings.Split(payload, "^")
	recordWidth := len(fields) / count
	if recordWidth < minQuoteFields {
		return nil, &DecodeError{
			Reason: fmt.Sprintf("record has %d fields, need at least %d", recordWidth, minQuoteFields),
		}
	}

	frame := &DataFrame{TrID: trID}
	for i := 0; i < count; i++ {
		record, err := parseQuoteRecord(fields[i*recordWidth : (i+1)*recordWidth])
		if err != nil {
			// Per-record failure: skip this record, keep the rest
			log.Printf("⚠️ Dropping unparseable quote record: %v", err)
			continue
		}
		frame.Records = append(frame.Records, record)
	}

	return frame, nil
}

// parseQuoteRecord extracts the positional fields of one trade-price record:
// 0=code 1=trade time 2=price 3=change sign 4=change amount 5=change rate.
func parseQuoteRecord(fields []string) (QuoteRecord, error) {
	code := fields[0]
	if code == "" {
		return QuoteRecord{}, fmt.Errorf("record carries no instrument code")
	}

	price, err := strconv.ParseFloat(fields[2], 64)
	if err != nil {
		return QuoteRecord{}, fmt.Errorf("bad price %q for %s", fields[2], code)
	}

	changeAmount, err := strconv.ParseInt(fields[4], 10, 64)
	if err != nil {
		return QuoteRecord{}, fmt.Errorf("bad change amount %q for %s", fields[4], code)
	}

	changeRate, err := strconv.ParseFloat(fields[5], 64)
	if err != nil {
		return QuoteRecord{}, fmt.Errorf("bad change rate %q for %s", fields[5], code)
	}

	return QuoteRecord{
		Code:         code,
		TradeTime:    fields[1],
		Price:        price,
		Sign:         fields[3],
		ChangeAmount: changeAmount,
		ChangeRate:   changeRate,
	}, nil
}
