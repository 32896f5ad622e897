// Package relay is the realtime half of a virtual visit: it admits a socket
// into a room once the room id and PIN check out, then forwards WebRTC
// signaling and chat between the members of that room.
package relay

import (
	"encoding/json"
	"errors"
	"strings"
	"unicode/utf8"
)

// Client to server and server to client event names.
const (
	TypeAuth         = "auth"
	TypeSignalOffer  = "signal:offer"
	TypeSignalAnswer = "signal:answer"
	TypeSignalICE    = "signal:ice"
	TypeChatSend     = "chat:send"
	TypeChatMessage  = "chat:message"
	TypeChatTyping   = "chat:typing"
	TypeRoomJoined   = "room:joined"
	TypePeerJoined   = "peer:joined"
	TypePeerLeft     = "peer:left"
)

// CloseAuthFailed is the close code sent when the first frame does not
// authenticate the socket.
const CloseAuthFailed = 4001

const (
	maxChatLength    = 4000
	maxDisplayLength = 80
)

var errMalformed = errors.New("malformed frame")

// Envelope is the wire shape of every frame in both directions.
type Envelope struct {
	Type string          `json:"type"`
	From string          `json:"from,omitempty"`
	Data json.RawMessage `json:"data,omitempty"`
}

type AuthData struct {
	RoomID string `json:"roomId"`
	PIN    string `json:"pin"`
}

type SDPData struct {
	SDP json.RawMessage `json:"sdp"`
}

type ICEData struct {
	Candidate json.RawMessage `json:"candidate"`
}

type ChatSendData struct {
	Text        string `json:"text"`
	DisplayName string `json:"displayName,omitempty"`
}

type ChatMessageData struct {
	Text        string `json:"text"`
	DisplayName string `json:"displayName,omitempty"`
	TS          int64  `json:"ts"`
}

type TypingData struct {
	Typing      bool   `json:"typing"`
	DisplayName string `json:"displayName,omitempty"`
}

type RoomJoinedData struct {
	PeerID string   `json:"peerId"`
	Peers  []string `json:"peers"`
}

type PeerData struct {
	PeerID string `json:"peerId"`
}

func decodeEnvelope(raw []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return Envelope{}, errMalformed
	}
	if env.Type == "" {
		return Envelope{}, errMalformed
	}
	return env, nil
}

func decodeAuth(env Envelope) (AuthData, bool) {
	if env.Type != TypeAuth || len(env.Data) == 0 {
		return AuthData{}, false
	}
	var a AuthData
	if err := json.Unmarshal(env.Data, &a); err != nil {
		return AuthData{}, false
	}
	a.RoomID = strings.TrimSpace(a.RoomID)
	a.PIN = strings.TrimSpace(a.PIN)
	if a.RoomID == "" || a.PIN == "" {
		return AuthData{}, false
	}
	return a, true
}

// present reports whether a raw JSON value carries something other than null
// or an empty string.
func present(v json.RawMessage) bool {
	s := strings.TrimSpace(string(v))
	return s != "" && s != "null" && s != `""`
}

func validateSignal(env Envelope) error {
	switch env.Type {
	case TypeSignalOffer, TypeSignalAnswer:
		var d SDPData
		if err := json.Unmarshal(env.Data, &d); err != nil || !present(d.SDP) {
			return errMalformed
		}
	case TypeSignalICE:
		var d ICEData
		if err := json.Unmarshal(env.Data, &d); err != nil || !present(d.Candidate) {
			return errMalformed
		}
	default:
		return errMalformed
	}
	return nil
}

func decodeChat(env Envelope) (ChatSendData, error) {
	var d ChatSendData
	if err := json.Unmarshal(env.Data, &d); err != nil {
		return ChatSendData{}, errMalformed
	}
	d.Text = strings.TrimSpace(d.Text)
	if d.Text == "" || utf8.RuneCountInString(d.Text) > maxChatLength {
		return ChatSendData{}, errMalformed
	}
	d.DisplayName = clampName(d.DisplayName)
	return d, nil
}

func decodeTyping(env Envelope) (TypingData, error) {
	var d TypingData
	if err := json.Unmarshal(env.Data, &d); err != nil {
		return TypingData{}, errMalformed
	}
	d.DisplayName = clampName(d.DisplayName)
	return d, nil
}

func clampName(name string) string {
	name = strings.TrimSpace(name)
	if utf8.RuneCountInString(name) <= maxDisplayLength {
		return name
	}
	return string([]rune(name)[:maxDisplayLength])
}

func encode(eventType, from string, data any) ([]byte, error) {
	env := Envelope{Type: eventType, From: from}
	if data != nil {
		raw, err := json.Marshal(data)
		if err != nil {
			return nil, err
		}
		env.Data = raw
	}
	return json.Marshal(env)
}
