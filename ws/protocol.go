// Package ws implements the wire protocol: the event-framed JSON codec,
// the per-connection read and write pumps, and the handlers that translate
// protocol events into engine, store, and registry calls.
package ws

import (
	"encoding/json"
	"fmt"
	"time"
)

// Client-sent events.
const (
	EvPing            = "ping"
	EvCreateChannel   = "createChannel"
	EvJoinChannel     = "joinChannel"
	EvListChannel     = "listChannel"
	EvQuitChannel     = "quitChannel"
	EvEnterChannel    = "enterChannel"
	EvLeaveChannel    = "leaveChannel"
	EvCreateDoc       = "createDoc"
	EvDeleteDoc       = "deleteDoc"
	EvListDoc         = "listDoc"
	EvUpdateDoc       = "updateDoc"
	EvEnterDoc        = "enterDoc"
	EvLeaveDoc        = "leaveDoc"
	EvEditDoc         = "editDoc"
	EvEditDocBatch    = "editDocBatch"
	EvSyncDoc         = "syncDoc"
	EvSnapshotDoc     = "snapshotDoc"
	EvGetChannelUsers = "getChannelUsers"
	EvGetDocUsers     = "getDocUsers"
	EvGetDocStatus    = "getDocStatus"
)

// Server-sent events: per-request replies.
const (
	EvPong            = "pong"
	EvChannelCreated  = "channelCreated"
	EvChannelJoined   = "channelJoined"
	EvChannelList     = "channelList"
	EvChannelQuit     = "channelQuit"
	EvChannelEntered  = "channelEntered"
	EvChannelLeft     = "channelLeft"
	EvDocCreated      = "docCreated"
	EvDocList         = "docList"
	EvDocEntered      = "docEntered"
	EvDocLeft         = "docLeft"
	EvDocOp           = "docOp"
	EvDocOpBatch      = "docOpBatch"
	EvEditRejected    = "editRejected"
	EvSnapshotCreated = "snapshotCreated"
	EvDocSynced       = "docSynced"
	EvDocStatus       = "docStatus"
	EvChannelUsers    = "channelUsers"
	EvDocUsers        = "docUsers"
	EvSystemMessage   = "systemmessage"
	EvError           = "error"
)

// Server-sent events: room broadcasts.
const (
	EvDocListChanged     = "docListChanged"
	EvUserEntered        = "userEntered"
	EvUserLeft           = "userLeft"
	EvUserEnteredDoc     = "userEnteredDoc"
	EvUserLeftDoc        = "userLeftDoc"
	EvDocStatusChanged   = "docStatusChanged"
	EvDocDeleted         = "docDeleted"
	EvDocUpdated         = "docUpdated"
	EvDocInfoChanged     = "docInfoChanged"
	EvDocSnapshotCreated = "docSnapshotCreated"
	EvDocSyncCompleted   = "docSyncCompleted"

	// EvUserDocStatusChanged tells a channel room that a member opened or
	// closed a document, the coarse presence cue behind member lists.
	EvUserDocStatusChanged = "userDocStatusChanged"
)

// Close codes.
const (
	CloseAuthFailure = 1008
	CloseShutdown    = 1001
	CloseServerError = 1011
)

// Envelope is the wire frame: a named event plus a JSON object payload.
type Envelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data"`
}

// Decode parses an inbound frame. A missing data object decodes to an
// empty one so handlers can unmarshal unconditionally.
func Decode(frame []byte) (*Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(frame, &env); err != nil {
		return nil, fmt.Errorf("malformed envelope: %w", err)
	}
	if env.Event == "" {
		return nil, fmt.Errorf("envelope carries no event")
	}
	if len(env.Data) == 0 {
		env.Data = json.RawMessage("{}")
	}
	return &env, nil
}

// Encode builds an outbound frame. The payload must marshal to a JSON
// object; a server timestamp in milliseconds is stamped into it as "time".
func Encode(event string, data interface{}) ([]byte, error) {
	fields := map[string]interface{}{}
	if data != nil {
		raw, err := json.Marshal(data)
		if err != nil {
			return nil, fmt.Errorf("failed to encode %s payload: %w", event, err)
		}
		if err := json.Unmarshal(raw, &fields); err != nil {
			return nil, fmt.Errorf("%s payload is not an object: %w", event, err)
		}
	}
	fields["time"] = time.Now().UnixMilli()

	frame, err := json.Marshal(Envelope{Event: event, Data: mustRaw(fields)})
	if err != nil {
		return nil, err
	}
	return frame, nil
}

func mustRaw(fields map[string]interface{}) json.RawMessage {
	raw, err := json.Marshal(fields)
	if err != nil {
		// All values originate from a successful json.Marshal above.
		panic(err)
	}
	return raw
}

// errorPayload is the protocol-failure diagnostic envelope.
type errorPayload struct {
	OriginalEvent string `json:"originalEvent"`
	Message       string `json:"message"`
}

// systemPayload is the user-facing validation failure envelope.
type systemPayload struct {
	Message string `json:"message"`
}
