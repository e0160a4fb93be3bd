package hub

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.io/infrasutra/mailwatch/internal/config"
	"github.io/infrasutra/mailwatch/internal/store"
)

// inbound is the raw subscriber command before its payload is decoded into
// the shape the matched command expects.
type inbound struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

type markReadRequest struct {
	EmailID string `json:"email_id"`
}

type addActivityRequest struct {
	Title         string `json:"title"`
	Description   string `json:"description"`
	ScheduledDate string `json:"scheduled_date"`
}

type deleteActivityRequest struct {
	ActivityID string `json:"activity_id"`
}

// handleCommand runs on the subscriber's read goroutine. Malformed input is
// logged and ignored; every recognized command gets a structured reply.
func (h *Hub) handleCommand(c *client, raw []byte) {
	var cmd inbound
	if err := json.Unmarshal(raw, &cmd); err != nil {
		h.logger.Warn("malformed subscriber message", "error", err)
		return
	}

	ctx := context.Background()
	switch cmd.Type {
	case "ping":
		h.reply(c, Envelope{Type: TypePong})

	case "status":
		h.reply(c, Envelope{Type: TypeStatusResponse, Data: map[string]any{
			"clients_connected": h.Subscribers(),
			"server_running":    h.Running(),
		}})

	case "get_emails":
		h.handleGetEmails(ctx, c)

	case "get_activities":
		h.handleGetActivities(ctx, c)

	case "get_config":
		h.reply(c, Envelope{Type: TypeConfigData, Data: h.cfg.Sanitize()})

	case "mark_read":
		h.handleMarkRead(ctx, c, cmd.Data)

	case "add_activity":
		h.handleAddActivity(ctx, c, cmd.Data)

	case "delete_activity":
		h.handleDeleteActivity(ctx, c, cmd.Data)

	case "update_config":
		h.handleUpdateConfig(c, cmd.Data)

	default:
		h.logger.Warn("unknown subscriber command", "type", cmd.Type)
		h.replyError(c, fmt.Sprintf("unknown message type: %s", cmd.Type))
	}
}

func (h *Hub) handleGetEmails(ctx context.Context, c *client) {
	emails, err := h.store.AllEmails(ctx)
	if err != nil {
		h.replyError(c, "could not load emails")
		return
	}
	if emails == nil {
		emails = []store.Email{}
	}
	h.reply(c, Envelope{Type: TypeEmailList, Data: map[string]any{"emails": emails}})
	h.logger.Debug("email list sent", "count", len(emails))
}

func (h *Hub) handleGetActivities(ctx context.Context, c *client) {
	activities, err := h.activities.All(ctx)
	if err != nil {
		h.replyError(c, "could not load activities")
		return
	}
	if activities == nil {
		activities = []store.Activity{}
	}
	h.reply(c, Envelope{Type: TypeActivitiesList, Data: map[string]any{"activities": activities}})
	h.logger.Debug("activities list sent", "count", len(activities))
}

func (h *Hub) handleMarkRead(ctx context.Context, c *client, data json.RawMessage) {
	var req markReadRequest
	if err := json.Unmarshal(data, &req); err != nil || req.EmailID == "" {
		h.replyError(c, "email_id required")
		return
	}

	err := h.store.MarkEmailRead(ctx, req.EmailID)
	switch {
	case errors.Is(err, store.ErrNotFound):
		h.replyError(c, fmt.Sprintf("email %s not found", req.EmailID))
	case err != nil:
		h.replyError(c, "could not mark email read")
	default:
		h.reply(c, Envelope{Type: TypeEmailMarkedRead, Data: map[string]any{"email_id": req.EmailID}})
		h.logger.Info("email marked read", "email_id", req.EmailID)
	}
}

func (h *Hub) handleAddActivity(ctx context.Context, c *client, data json.RawMessage) {
	var req addActivityRequest
	if err := json.Unmarshal(data, &req); err != nil {
		h.replyError(c, "invalid add_activity payload")
		return
	}
	if req.Title == "" || req.ScheduledDate == "" {
		h.replyError(c, "title and scheduled_date required")
		return
	}

	activity, err := h.activities.Add(ctx, req.Title, req.Description, req.ScheduledDate)
	if err != nil {
		h.replyError(c, fmt.Sprintf("could not add activity: %v", err))
		return
	}

	event := Envelope{Type: TypeActivityAdded, Data: activity}
	h.reply(c, event)
	h.Broadcast(event)
}

func (h *Hub) handleDeleteActivity(ctx context.Context, c *client, data json.RawMessage) {
	var req deleteActivityRequest
	if err := json.Unmarshal(data, &req); err != nil || req.ActivityID == "" {
		h.replyError(c, "activity_id required")
		return
	}

	if err := h.activities.Remove(ctx, req.ActivityID); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			h.replyError(c, fmt.Sprintf("activity %s not found", req.ActivityID))
		} else {
			h.replyError(c, "could not delete activity")
		}
		return
	}

	event := Envelope{Type: TypeActivityDeleted, Data: map[string]any{"activity_id": req.ActivityID}}
	h.reply(c, event)
	h.Broadcast(event)
}

func (h *Hub) handleUpdateConfig(c *client, data json.RawMessage) {
	var patch config.Patch
	if err := json.Unmarshal(data, &patch); err != nil {
		h.replyError(c, "invalid update_config payload")
		return
	}

	if err := h.cfg.Apply(patch); err != nil {
		h.logger.Error("apply config update", "error", err)
		h.replyError(c, "could not update configuration")
		return
	}

	h.reply(c, Envelope{Type: TypeConfigUpdated, Data: map[string]any{
		"message": "configuration updated",
	}})
	h.logger.Info("configuration updated by subscriber")
}

func (h *Hub) reply(c *client, env Envelope) {
	payload, err := json.Marshal(env)
	if err != nil {
		h.logger.Error("encode reply", "type", env.Type, "error", err)
		return
	}
	if !c.trySend(payload) {
		h.logger.Warn("subscriber send buffer full, reply dropped", "type", env.Type)
	}
}

func (h *Hub) replyError(c *client, message string) {
	h.reply(c, Envelope{Type: TypeError, Data: map[string]any{"message": message}})
}
