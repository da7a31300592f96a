package ws

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/google/uuid"

	"scribe.evalgo.org/engine"
	"scribe.evalgo.org/session"
	"scribe.evalgo.org/store"
)

func (h *Handler) dispatch(ctx context.Context, sess *session.Session, env *Envelope) {
	switch env.Event {
	case EvPing:
		h.reply(sess, EvPong, nil)
	case EvCreateChannel:
		h.handleCreateChannel(ctx, sess, env)
	case EvJoinChannel:
		h.handleJoinChannel(ctx, sess, env)
	case EvListChannel:
		h.handleListChannel(ctx, sess)
	case EvQuitChannel:
		h.handleQuitChannel(ctx, sess, env)
	case EvEnterChannel:
		h.handleEnterChannel(ctx, sess, env)
	case EvLeaveChannel:
		h.handleLeaveChannel(ctx, sess)
	case EvCreateDoc:
		h.handleCreateDoc(ctx, sess, env)
	case EvDeleteDoc:
		h.handleDeleteDoc(ctx, sess, env)
	case EvListDoc:
		h.handleListDoc(ctx, sess, env)
	case EvUpdateDoc:
		h.handleUpdateDoc(ctx, sess, env)
	case EvEnterDoc:
		h.handleEnterDoc(ctx, sess, env)
	case EvLeaveDoc:
		h.handleLeaveDoc(ctx, sess)
	case EvEditDoc:
		h.handleEditDoc(ctx, sess, env)
	case EvEditDocBatch:
		h.handleEditDocBatch(ctx, sess, env)
	case EvSyncDoc:
		h.handleSyncDoc(ctx, sess, env)
	case EvSnapshotDoc:
		h.handleSnapshotDoc(ctx, sess, env)
	case EvGetChannelUsers:
		h.handleGetChannelUsers(sess, env)
	case EvGetDocUsers:
		h.handleGetDocUsers(sess, env)
	case EvGetDocStatus:
		h.handleGetDocStatus(ctx, sess, env)
	default:
		h.reply(sess, EvError, errorPayload{OriginalEvent: env.Event, Message: "unknown event"})
	}
}

// decode unmarshals the event payload, replying with a protocol error on
// failure. Returns false when the handler should bail out.
func (h *Handler) decode(sess *session.Session, env *Envelope, into interface{}) bool {
	if err := json.Unmarshal(env.Data, into); err != nil {
		h.reply(sess, EvError, errorPayload{OriginalEvent: env.Event, Message: "malformed payload"})
		return false
	}
	return true
}

// system sends a user-facing validation failure.
func (h *Handler) system(sess *session.Session, message string) {
	h.reply(sess, EvSystemMessage, systemPayload{Message: message})
}

// editFailure converts a dispatcher error into its protocol envelope.
func (h *Handler) editFailure(sess *session.Session, err error) {
	var rej *engine.RejectedError
	if errors.As(err, &rej) {
		h.reply(sess, EvEditRejected, map[string]string{"reason": rej.Reason})
		return
	}
	h.storeFailure(sess, err)
}

// storeFailure converts a non-edit engine or store error.
func (h *Handler) storeFailure(sess *session.Session, err error) {
	var verr *engine.ValidationError
	switch {
	case errors.As(err, &verr):
		h.system(sess, verr.Message)
	case errors.Is(err, engine.ErrDocNotFound), errors.Is(err, store.ErrNotFound):
		h.system(sess, "document not found")
	case errors.Is(err, store.ErrNameConflict):
		h.system(sess, "name already in use")
	default:
		h.system(sess, "operation temporarily unavailable, please retry")
	}
}

// --- channels ---

func (h *Handler) handleCreateChannel(ctx context.Context, sess *session.Session, env *Envelope) {
	var req struct {
		Name string `json:"name"`
	}
	if !h.decode(sess, env, &req) {
		return
	}
	if req.Name == "" {
		h.system(sess, "channel name must not be empty")
		return
	}

	ch := &store.Channel{ID: uuid.NewString(), Name: req.Name, CreatedBy: sess.UserID}
	if err := h.store.CreateChannel(ctx, ch); err != nil {
		h.storeFailure(sess, err)
		return
	}
	h.reply(sess, EvChannelCreated, map[string]interface{}{"channel": ch})
}

func (h *Handler) handleJoinChannel(ctx context.Context, sess *session.Session, env *Envelope) {
	var req struct {
		ChannelID string `json:"channelId"`
	}
	if !h.decode(sess, env, &req) {
		return
	}

	ch, err := h.store.GetChannel(ctx, req.ChannelID)
	if err != nil {
		h.storeFailure(sess, err)
		return
	}
	if err := h.store.JoinChannel(ctx, req.ChannelID, sess.UserID); err != nil {
		h.storeFailure(sess, err)
		return
	}
	h.reply(sess, EvChannelJoined, map[string]interface{}{"channel": ch})
}

func (h *Handler) handleListChannel(ctx context.Context, sess *session.Session) {
	channels, err := h.store.ListChannels(ctx, sess.UserID)
	if err != nil {
		h.storeFailure(sess, err)
		return
	}
	h.reply(sess, EvChannelList, map[string]interface{}{"channels": channels})
}

func (h *Handler) handleQuitChannel(ctx context.Context, sess *session.Session, env *Envelope) {
	var req struct {
		ChannelID string `json:"channelId"`
	}
	if !h.decode(sess, env, &req) {
		return
	}

	if h.registry.ChannelOf(sess.ID) == req.ChannelID {
		h.handleLeaveChannel(ctx, sess)
	}
	if err := h.store.QuitChannel(ctx, req.ChannelID, sess.UserID); err != nil {
		h.storeFailure(sess, err)
		return
	}
	h.reply(sess, EvChannelQuit, map[string]string{"channelId": req.ChannelID})
}

func (h *Handler) handleEnterChannel(ctx context.Context, sess *session.Session, env *Envelope) {
	var req struct {
		ChannelID string `json:"channelId"`
	}
	if !h.decode(sess, env, &req) {
		return
	}

	member, err := h.store.IsMember(ctx, req.ChannelID, sess.UserID)
	if err != nil {
		h.storeFailure(sess, err)
		return
	}
	if !member {
		h.system(sess, "you are not a member of this channel")
		return
	}

	prevChannel, prevDoc := h.registry.AttachChannel(sess.ID, req.ChannelID)
	h.announceDeparture(ctx, sess, prevChannel, prevDoc)

	h.broadcastChannel(req.ChannelID, EvUserEntered, presencePayload(sess, ""), sess.ID)
	h.reply(sess, EvChannelEntered, map[string]interface{}{
		"channelId": req.ChannelID,
		"users":     h.registry.ChannelUsers(req.ChannelID),
	})
}

func (h *Handler) handleLeaveChannel(ctx context.Context, sess *session.Session) {
	channelID, docID := h.registry.DetachChannel(sess.ID)
	h.announceDeparture(ctx, sess, channelID, docID)
	if channelID != "" {
		h.reply(sess, EvChannelLeft, map[string]string{"channelId": channelID})
	}
}

// announceDeparture emits the leave broadcasts for rooms the session just
// left and runs the last-viewer write-through.
func (h *Handler) announceDeparture(ctx context.Context, sess *session.Session, channelID, docID string) {
	if docID != "" {
		h.broadcastDoc(docID, EvUserLeftDoc, presencePayload(sess, docID), sess.ID)
		if h.registry.DocViewerCount(docID) == 0 {
			h.engine.OnLastViewerLeave(ctx, docID)
		}
	}
	if channelID != "" {
		h.broadcastChannel(channelID, EvUserLeft, presencePayload(sess, ""), sess.ID)
	}
}

// --- documents ---

func (h *Handler) handleCreateDoc(ctx context.Context, sess *session.Session, env *Envelope) {
	var req struct {
		ParentID    string `json:"parentId"`
		Name        string `json:"name"`
		IsDirectory bool   `json:"isDirectory"`
	}
	if !h.decode(sess, env, &req) {
		return
	}
	channelID := h.registry.ChannelOf(sess.ID)
	if channelID == "" {
		h.system(sess, "enter a channel first")
		return
	}

	rec, err := h.engine.CreateDoc(ctx, channelID, req.ParentID, req.Name, sess.UserID, req.IsDirectory)
	if err != nil {
		h.storeFailure(sess, err)
		return
	}
	h.reply(sess, EvDocCreated, map[string]interface{}{"doc": rec.Meta()})
	h.broadcastChannel(channelID, EvDocListChanged, map[string]string{"channelId": channelID}, sess.ID)
}

func (h *Handler) handleDeleteDoc(ctx context.Context, sess *session.Session, env *Envelope) {
	var req struct {
		DocID string `json:"docId"`
	}
	if !h.decode(sess, env, &req) {
		return
	}
	channelID := h.registry.ChannelOf(sess.ID)
	if channelID == "" {
		h.system(sess, "enter a channel first")
		return
	}

	rec, err := h.engine.GetDoc(ctx, req.DocID)
	if err != nil {
		h.storeFailure(sess, err)
		return
	}
	if rec.ChannelID != channelID {
		h.system(sess, "document belongs to a different channel")
		return
	}

	if err := h.engine.DeleteDoc(ctx, req.DocID); err != nil {
		h.storeFailure(sess, err)
		return
	}
	h.broadcastDoc(req.DocID, EvDocDeleted, map[string]string{"docId": req.DocID}, "")
	h.broadcastChannel(channelID, EvDocListChanged, map[string]string{"channelId": channelID}, "")
}

func (h *Handler) handleListDoc(ctx context.Context, sess *session.Session, env *Envelope) {
	var req struct {
		ChannelID string `json:"channelId"`
	}
	if !h.decode(sess, env, &req) {
		return
	}
	channelID := req.ChannelID
	if channelID == "" {
		channelID = h.registry.ChannelOf(sess.ID)
	}
	if channelID == "" {
		h.system(sess, "enter a channel first")
		return
	}

	docs, err := h.store.ListDocs(ctx, channelID)
	if err != nil {
		h.storeFailure(sess, err)
		return
	}
	h.reply(sess, EvDocList, map[string]interface{}{"channelId": channelID, "docs": docs})
}

func (h *Handler) handleUpdateDoc(ctx context.Context, sess *session.Session, env *Envelope) {
	var req struct {
		DocID      string  `json:"docId"`
		Name       *string `json:"name"`
		ParentID   *string `json:"parentId"`
		MoveToRoot bool    `json:"moveToRoot"`
	}
	if !h.decode(sess, env, &req) {
		return
	}
	channelID := h.registry.ChannelOf(sess.ID)
	if channelID == "" {
		h.system(sess, "enter a channel first")
		return
	}

	current, err := h.engine.GetDoc(ctx, req.DocID)
	if err != nil {
		h.storeFailure(sess, err)
		return
	}
	if current.ChannelID != channelID {
		h.system(sess, "document belongs to a different channel")
		return
	}

	rec, err := h.engine.UpdateDocPath(ctx, req.DocID, store.PathUpdate{
		Name:       req.Name,
		ParentID:   req.ParentID,
		MoveToRoot: req.MoveToRoot,
	})
	if err != nil {
		h.storeFailure(sess, err)
		return
	}
	h.reply(sess, EvDocUpdated, map[string]interface{}{"doc": rec.Meta()})
	// Viewers with the document open get its new metadata directly; the
	// rest of the channel just refreshes its listing.
	h.broadcastDoc(req.DocID, EvDocInfoChanged, map[string]interface{}{"doc": rec.Meta()}, sess.ID)
	h.broadcastChannel(rec.ChannelID, EvDocListChanged, map[string]string{"channelId": rec.ChannelID}, sess.ID)
}

func (h *Handler) handleEnterDoc(ctx context.Context, sess *session.Session, env *Envelope) {
	var req struct {
		DocID string `json:"docId"`
	}
	if !h.decode(sess, env, &req) {
		return
	}
	channelID := h.registry.ChannelOf(sess.ID)
	if channelID == "" {
		h.system(sess, "enter a channel first")
		return
	}

	rec, err := h.engine.GetDoc(ctx, req.DocID)
	if err != nil {
		h.storeFailure(sess, err)
		return
	}
	if rec.ChannelID != channelID {
		h.system(sess, "document belongs to a different channel")
		return
	}
	if rec.IsDirectory {
		h.system(sess, "cannot open a directory")
		return
	}

	prevDoc := h.registry.AttachDoc(sess.ID, req.DocID)
	if prevDoc != "" && prevDoc != req.DocID {
		h.broadcastDoc(prevDoc, EvUserLeftDoc, presencePayload(sess, prevDoc), sess.ID)
		if h.registry.DocViewerCount(prevDoc) == 0 {
			h.engine.OnLastViewerLeave(ctx, prevDoc)
		}
	}

	h.broadcastDoc(req.DocID, EvUserEnteredDoc, presencePayload(sess, req.DocID), sess.ID)
	h.broadcastChannel(channelID, EvUserDocStatusChanged, presencePayload(sess, req.DocID), sess.ID)
	h.reply(sess, EvDocEntered, map[string]interface{}{
		"doc":   rec,
		"users": h.registry.DocUsers(req.DocID),
	})
}

func (h *Handler) handleLeaveDoc(ctx context.Context, sess *session.Session) {
	docID, lastViewer := h.registry.DetachDoc(sess.ID)
	if docID == "" {
		return
	}
	h.broadcastDoc(docID, EvUserLeftDoc, presencePayload(sess, docID), sess.ID)
	if channelID := h.registry.ChannelOf(sess.ID); channelID != "" {
		h.broadcastChannel(channelID, EvUserDocStatusChanged, presencePayload(sess, ""), sess.ID)
	}
	if lastViewer {
		h.engine.OnLastViewerLeave(ctx, docID)
	}
	h.reply(sess, EvDocLeft, map[string]string{"docId": docID})
}

// --- editing ---

// requireViewing enforces that the session has the target document open,
// defaulting an empty request doc id to the open one.
func (h *Handler) requireViewing(sess *session.Session, docID string) (string, bool) {
	current := h.registry.DocOf(sess.ID)
	if docID == "" {
		docID = current
	}
	if docID == "" || docID != current {
		h.system(sess, "you are not viewing this document")
		return "", false
	}
	return docID, true
}

func (h *Handler) handleEditDoc(ctx context.Context, sess *session.Session, env *Envelope) {
	var req engine.EditRequest
	if !h.decode(sess, env, &req) {
		return
	}
	docID, ok := h.requireViewing(sess, req.DocID)
	if !ok {
		return
	}
	req.DocID = docID

	res, err := h.engine.EditDoc(ctx, sess.UserID, req)
	if err != nil {
		h.editFailure(sess, err)
		return
	}
	h.broadcastEdit(sess, res, EvDocOp)
}

func (h *Handler) handleEditDocBatch(ctx context.Context, sess *session.Session, env *Envelope) {
	var req engine.BatchRequest
	if !h.decode(sess, env, &req) {
		return
	}
	docID, ok := h.requireViewing(sess, req.DocID)
	if !ok {
		return
	}
	req.DocID = docID

	res, err := h.engine.EditBatch(ctx, sess.UserID, req)
	if err != nil {
		h.editFailure(sess, err)
		return
	}
	h.broadcastEdit(sess, res, EvDocOpBatch)
}

// broadcastEdit fans the authoritative result out to every viewer,
// originator included, so speculated placeholder ids get replaced.
func (h *Handler) broadcastEdit(sess *session.Session, res *engine.EditResult, event string) {
	if len(res.Ops) == 0 {
		// Idempotent no-op, e.g. deleting an already absent chunk. Only
		// the originator hears about it.
		h.reply(sess, event, map[string]interface{}{
			"docId":          res.DocID,
			"version":        res.Version,
			"alreadyDeleted": res.AlreadyDeleted,
		})
		return
	}

	payload := map[string]interface{}{
		"docId":   res.DocID,
		"userId":  sess.UserID,
		"version": res.Version,
	}
	if event == EvDocOp {
		payload["op"] = res.Ops[0]
	} else {
		payload["ops"] = res.Ops
	}
	h.broadcastDoc(res.DocID, event, payload, "")
}

// --- lifecycle ---

func (h *Handler) handleSyncDoc(ctx context.Context, sess *session.Session, env *Envelope) {
	var req struct {
		DocID string `json:"docId"`
	}
	if !h.decode(sess, env, &req) {
		return
	}
	docID, ok := h.requireViewing(sess, req.DocID)
	if !ok {
		return
	}

	h.broadcastDoc(docID, EvDocStatusChanged, map[string]interface{}{
		"docId": docID, "status": "locked", "reason": "sync in progress",
	}, "")

	rec, err := h.engine.Sync(ctx, docID, sess.UserID)
	if err != nil {
		h.broadcastDoc(docID, EvDocStatusChanged, map[string]interface{}{
			"docId": docID, "status": "normal",
		}, "")
		h.storeFailure(sess, err)
		return
	}

	h.broadcastDoc(docID, EvDocStatusChanged, map[string]interface{}{
		"docId": docID, "status": "normal",
	}, "")
	h.reply(sess, EvDocSynced, map[string]interface{}{"docId": docID, "version": rec.Version})
	h.broadcastChannel(rec.ChannelID, EvDocSyncCompleted, map[string]interface{}{
		"docId": docID, "version": rec.Version,
	}, "")
}

func (h *Handler) handleSnapshotDoc(ctx context.Context, sess *session.Session, env *Envelope) {
	var req struct {
		DocID string `json:"docId"`
	}
	if !h.decode(sess, env, &req) {
		return
	}
	docID, ok := h.requireViewing(sess, req.DocID)
	if !ok {
		return
	}

	h.broadcastDoc(docID, EvDocStatusChanged, map[string]interface{}{
		"docId": docID, "status": "locked", "reason": "snapshot in progress",
	}, "")

	rec, err := h.engine.Snapshot(ctx, docID, sess.UserID)
	if err != nil {
		h.broadcastDoc(docID, EvDocStatusChanged, map[string]interface{}{
			"docId": docID, "status": "normal",
		}, "")
		h.storeFailure(sess, err)
		return
	}

	h.broadcastDoc(docID, EvDocStatusChanged, map[string]interface{}{
		"docId": docID, "status": "normal",
	}, "")
	h.reply(sess, EvSnapshotCreated, map[string]interface{}{
		"docId": docID, "version": rec.Version,
	})
	h.broadcastDoc(docID, EvDocSnapshotCreated, map[string]interface{}{
		"docId": docID, "version": rec.Version, "content": rec.Content,
	}, "")
}

// --- presence ---

func (h *Handler) handleGetChannelUsers(sess *session.Session, env *Envelope) {
	var req struct {
		ChannelID string `json:"channelId"`
	}
	if !h.decode(sess, env, &req) {
		return
	}
	channelID := req.ChannelID
	if channelID == "" {
		channelID = h.registry.ChannelOf(sess.ID)
	}
	h.reply(sess, EvChannelUsers, map[string]interface{}{
		"channelId": channelID,
		"users":     h.registry.ChannelUsers(channelID),
	})
}

func (h *Handler) handleGetDocUsers(sess *session.Session, env *Envelope) {
	var req struct {
		DocID string `json:"docId"`
	}
	if !h.decode(sess, env, &req) {
		return
	}
	docID := req.DocID
	if docID == "" {
		docID = h.registry.DocOf(sess.ID)
	}
	h.reply(sess, EvDocUsers, map[string]interface{}{
		"docId": docID,
		"users": h.registry.DocUsers(docID),
		"count": h.registry.DocViewerCount(docID),
	})
}

func (h *Handler) handleGetDocStatus(ctx context.Context, sess *session.Session, env *Envelope) {
	var req struct {
		DocID string `json:"docId"`
	}
	if !h.decode(sess, env, &req) {
		return
	}

	rec, err := h.engine.GetDoc(ctx, req.DocID)
	if err != nil {
		h.storeFailure(sess, err)
		return
	}
	h.reply(sess, EvDocStatus, map[string]interface{}{
		"docId":      rec.ID,
		"status":     rec.Status.String(),
		"lockReason": rec.LockReason,
		"version":    rec.Version,
		"viewers":    h.registry.DocViewerCount(rec.ID),
	})
}
