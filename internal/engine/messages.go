package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/go-playground/validator/v10"

	"github.com/greentrail/nudge-engine/internal/model"
)

// Inbound message types.
const (
	MsgReportAction  = "report_action"
	MsgNudgeResponse = "nudge_response"
	MsgGetStats      = "get_stats"
	MsgSetSettings   = "set_settings"
	MsgCompleteDelay = "complete_delay"
	MsgExtendDelay   = "extend_delay"
	MsgListDelays    = "list_delays"
	MsgAlarmFired    = "alarm_fired"
	MsgClearProfile  = "clear_profile"
)

// ErrUnknownMessage is returned for envelopes with an unrecognized type.
var ErrUnknownMessage = errors.New("unknown message type")

var validate = validator.New()

// Message is the inbound envelope.
type Message struct {
	Type    string          `json:"type" validate:"required"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Result is returned for every message. Only boundary failures set Error.
type Result struct {
	Success bool        `json:"success"`
	Data    interface{} `json:"data,omitempty"`
	Error   string      `json:"error,omitempty"`
}

type reportActionRequest struct {
	Kind    string        `json:"kind" validate:"required,oneof=product_view travel_search text_flag page_visit search_query"`
	Payload ActionPayload `json:"payload"`
}

type completeDelayRequest struct {
	DelayID string `json:"delayId" validate:"required"`
	Outcome string `json:"outcome" validate:"required,oneof=purchased skipped alternative"`
}

type delayRequest struct {
	DelayID string `json:"delayId" validate:"required"`
}

type alarmRequest struct {
	AlarmID string `json:"alarmId" validate:"required"`
}

// HandleMessage decodes and dispatches one raw envelope.
func (e *Engine) HandleMessage(ctx context.Context, raw []byte) Result {
	var msg Message
	if err := json.Unmarshal(raw, &msg); err != nil {
		messagesTotal.WithLabelValues("invalid", "error").Inc()
		e.log.Warn().Err(err).Msg("malformed message")
		return failure(fmt.Errorf("%w: malformed message: %v", model.ErrValidation, err))
	}
	return e.Dispatch(ctx, msg)
}

// Dispatch runs a decoded message.
func (e *Engine) Dispatch(ctx context.Context, msg Message) Result {
	data, err := e.dispatch(ctx, msg)
	label := msg.Type
	if errors.Is(err, ErrUnknownMessage) {
		label = "unknown"
	}
	if err != nil {
		messagesTotal.WithLabelValues(label, "error").Inc()
		e.log.Warn().Err(err).Str("type", msg.Type).Msg("message failed")
		return failure(err)
	}
	messagesTotal.WithLabelValues(label, "ok").Inc()
	return Result{Success: true, Data: data}
}

func (e *Engine) dispatch(ctx context.Context, msg Message) (interface{}, error) {
	if err := Validate(msg); err != nil {
		return nil, err
	}
	switch msg.Type {
	case MsgReportAction:
		var req reportActionRequest
		if err := decode(msg.Payload, &req); err != nil {
			return nil, err
		}
		return e.ReportAction(ctx, req.Kind, req.Payload)
	case MsgNudgeResponse:
		var req ResponsePayload
		if err := decode(msg.Payload, &req); err != nil {
			return nil, err
		}
		return e.RecordResponse(ctx, req)
	case MsgGetStats:
		return e.GetStats(ctx)
	case MsgSetSettings:
		var patch model.SettingsPatch
		if err := decode(msg.Payload, &patch); err != nil {
			return nil, err
		}
		return e.SetSettings(ctx, patch)
	case MsgCompleteDelay:
		var req completeDelayRequest
		if err := decode(msg.Payload, &req); err != nil {
			return nil, err
		}
		return e.CompleteDelay(ctx, req.DelayID, req.Outcome)
	case MsgExtendDelay:
		var req delayRequest
		if err := decode(msg.Payload, &req); err != nil {
			return nil, err
		}
		return e.ExtendDelay(ctx, req.DelayID)
	case MsgListDelays:
		return e.ActiveDelays(ctx)
	case MsgAlarmFired:
		var req alarmRequest
		if err := decode(msg.Payload, &req); err != nil {
			return nil, err
		}
		handled, err := e.AlarmFired(ctx, req.AlarmID)
		if err != nil {
			return nil, err
		}
		return map[string]bool{"handled": handled}, nil
	case MsgClearProfile:
		return nil, e.ClearProfile(ctx)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownMessage, msg.Type)
	}
}

// decode unmarshals a payload and runs struct validation on it.
func decode(payload json.RawMessage, dst interface{}) error {
	if len(payload) == 0 {
		payload = json.RawMessage("{}")
	}
	if err := json.Unmarshal(payload, dst); err != nil {
		return fmt.Errorf("%w: malformed payload: %v", model.ErrValidation, err)
	}
	return Validate(dst)
}

// Validate runs the payload struct tags, wrapping failures in model.ErrValidation.
func Validate(v interface{}) error {
	if err := validate.Struct(v); err != nil {
		return fmt.Errorf("%w: %v", model.ErrValidation, err)
	}
	return nil
}

func failure(err error) Result {
	return Result{Success: false, Error: err.Error()}
}
