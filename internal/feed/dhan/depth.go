package dhan

import (
	"encoding/binary"
	"fmt"
	"math"
)

// 200-depth feed response codes. The disconnect code is shared with the
// tick feed.
const (
	DepthRespBid = 41
	DepthRespAsk = 51
)

// 200-depth wire sizes: a 12-byte header followed by num_rows 16-byte
// levels (price f64, quantity u32, orders u32). Bid and ask sides arrive as
// separate frames, sometimes stacked into one WebSocket message.
const (
	DepthHeaderSize = 12
	DepthLevelBytes = 16
	MaxDepthRows    = 200
)

// DepthHeader is the 12-byte prefix of a depth frame.
type DepthHeader struct {
	MessageLength uint16
	ResponseCode  uint8
	SegmentCode   uint8
	SecurityID    uint32
	NumRows       uint32
}

// SID returns the security id as the string used downstream.
func (h DepthHeader) SID() string { return fmt.Sprintf("%d", h.SecurityID) }

// DepthRow is one decoded book level.
type DepthRow struct {
	Price    float64
	Quantity int64
	Orders   int64
}

// DepthFrame is one side of the 200-level book.
type DepthFrame struct {
	DepthHeader
	Bid    bool // true for the bid side, false for ask
	Levels []DepthRow
}

// DepthDisconnect is a code-50 frame on the depth feed.
type DepthDisconnect struct {
	DepthHeader
	ReasonCode uint16
}

// DecodeDepthMessage splits one WebSocket message into its depth frames.
// Messages may carry a single side or both sides stacked back to back.
// A disconnect frame is returned as *DepthDisconnect and terminates the
// scan. Results may be *DepthFrame or *DepthDisconnect.
func DecodeDepthMessage(msg []byte) ([]interface{}, error) {
	var out []interface{}
	off := 0
	for off < len(msg) {
		rest := msg[off:]
		if len(rest) < DepthHeaderSize {
			return out, &DecodeError{Reason: fmt.Sprintf("trailing %d bytes, need %d for header", len(rest), DepthHeaderSize)}
		}
		h := decodeDepthHeader(rest)

		if h.ResponseCode == RespDisconnect {
			d := &DepthDisconnect{DepthHeader: h}
			if len(rest) >= DepthHeaderSize+2 {
				d.ReasonCode = binary.LittleEndian.Uint16(rest[DepthHeaderSize : DepthHeaderSize+2])
			}
			out = append(out, d)
			return out, nil
		}

		if h.ResponseCode != DepthRespBid && h.ResponseCode != DepthRespAsk {
			return out, &DecodeError{Code: h.ResponseCode, Reason: "unknown depth response code"}
		}
		if h.NumRows > MaxDepthRows {
			return out, &DecodeError{Code: h.ResponseCode, Reason: fmt.Sprintf("num_rows %d exceeds %d", h.NumRows, MaxDepthRows)}
		}

		need := DepthHeaderSize + int(h.NumRows)*DepthLevelBytes
		if len(rest) < need {
			return out, &DecodeError{Code: h.ResponseCode, Reason: fmt.Sprintf("need %d bytes for %d rows, got %d", need, h.NumRows, len(rest))}
		}

		f := &DepthFrame{
			DepthHeader: h,
			Bid:         h.ResponseCode == DepthRespBid,
			Levels:      make([]DepthRow, 0, h.NumRows),
		}
		for i := 0; i < int(h.NumRows); i++ {
			lo := DepthHeaderSize + i*DepthLevelBytes
			price := math.Float64frombits(binary.LittleEndian.Uint64(rest[lo : lo+8]))
			// price 0 marks an empty slot at the tail of a thin book
			if price <= 0 {
				continue
			}
			f.Levels = append(f.Levels, DepthRow{
				Price:    price,
				Quantity: int64(binary.LittleEndian.Uint32(rest[lo+8 : lo+12])),
				Orders:   int64(binary.LittleEndian.Uint32(rest[lo+12 : lo+16])),
			})
		}
		out = append(out, f)
		off += need
	}
	return out, nil
}

func decodeDepthHeader(b []byte) DepthHeader {
	return DepthHeader{
		MessageLength: binary.LittleEndian.Uint16(b[0:2]),
		ResponseCode:  b[2],
		SegmentCode:   b[3],
		SecurityID:    binary.LittleEndian.Uint32(b[4:8]),
		NumRows:       binary.LittleEndian.Uint32(b[8:12]),
	}
}
