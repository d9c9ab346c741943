package dhan

import (
	"encoding/json"
	"fmt"
)

// Subscription request codes.
const (
	ReqTicker    = 15
	ReqQuote     = 17
	ReqFull      = 21 // default for the tick pipeline
	ReqFullDepth = 23 // 200-level depth
)

// MaxInstrumentsPerMessage is the server-side cap per subscription message.
const MaxInstrumentsPerMessage = 100

// Instrument identifies one subscription target. JSON keys are
// case-sensitive and fixed by the feed.
type Instrument struct {
	ExchangeSegment string `json:"ExchangeSegment"` // string enum, e.g. "NSE_FNO"
	SecurityID      string `json:"SecurityId"`
}

// SubscribeRequest is the exact subscription message shape.
type SubscribeRequest struct {
	RequestCode     int          `json:"RequestCode"`
	InstrumentCount int          `json:"InstrumentCount"`
	InstrumentList  []Instrument `json:"InstrumentList"`
}

// JSON serializes the request for the wire.
func (r SubscribeRequest) JSON() []byte {
	b, _ := json.Marshal(r)
	return b
}

// BuildSubscriptions chunks an instrument set into subscription messages of
// at most MaxInstrumentsPerMessage each.
func BuildSubscriptions(requestCode int, instruments []Instrument) []SubscribeRequest {
	var reqs []SubscribeRequest
	for start := 0; start < len(instruments); start += MaxInstrumentsPerMessage {
		end := start + MaxInstrumentsPerMessage
		if end > len(instruments) {
			end = len(instruments)
		}
		chunk := instruments[start:end]
		reqs = append(reqs, SubscribeRequest{
			RequestCode:     requestCode,
			InstrumentCount: len(chunk),
			InstrumentList:  chunk,
		})
	}
	return reqs
}

// Endpoints. The URL carries the access token, client id and version=2;
// there is no header-based auth on the feed.
const (
	feedHost  = "wss://api-feed.dhan.co"
	depthHost = "wss://full-depth-api.dhan.co/twohundreddepth"
)

// FeedURL builds the tick-feed WebSocket URL.
func FeedURL(accessToken, clientID string) string {
	return fmt.Sprintf("%s?version=2&token=%s&clientId=%s&authType=2", feedHost, accessToken, clientID)
}

// DepthFeedURL builds the 200-depth WebSocket URL.
func DepthFeedURL(accessToken, clientID string) string {
	return fmt.Sprintf("%s?version=2&token=%s&clientId=%s&authType=2", depthHost, accessToken, clientID)
}
