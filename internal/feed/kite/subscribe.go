package kite

import "encoding/json"

// wsMessage is the Kite ticker control message shape.
type wsMessage struct {
	A string `json:"a"`
	V any    `json:"v"`
}

// SubscribeMessages builds the subscribe + set-mode messages for a token
// set.
func SubscribeMessages(tokens []int32, mode string) [][]byte {
	if len(tokens) == 0 {
		return nil
	}
	sub, _ := json.Marshal(wsMessage{A: "subscribe", V: tokens})
	setMode, _ := json.Marshal(wsMessage{A: "mode", V: []any{mode, tokens}})
	return [][]byte{sub, setMode}
}
