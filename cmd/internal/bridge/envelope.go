package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/coder/websocket"

	"wagate/cmd/internal/gateway"
	v1 "wagate/shared/contracts/bridge/v1"
)

func readEnvelope(ctx context.Context, conn *websocket.Conn) (v1.Envelope, error) {
	mt, data, err := conn.Read(ctx)
	if err != nil {
		return v1.Envelope{}, err
	}
	if mt != websocket.MessageText && mt != websocket.MessageBinary {
		return v1.Envelope{}, fmt.Errorf("unsupported message type: %v", mt)
	}
	var env v1.Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return v1.Envelope{}, err
	}
	return env, nil
}

func writeEnvelope(parent context.Context, conn *websocket.Conn, env v1.Envelope, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(parent, timeout)
	defer cancel()

	b, err := json.Marshal(env)
	if err != nil {
		return err
	}
	return conn.Write(ctx, websocket.MessageText, b)
}

func isDecodeErr(err error) bool {
	var syntaxErr *json.SyntaxError
	var typeErr *json.UnmarshalTypeError
	return errors.As(err, &syntaxErr) || errors.As(err, &typeErr)
}

func toConnectionUpdate(p v1.ConnectionUpdatePayload) gateway.ConnectionUpdate {
	if p.Status == v1.StatusOpen {
		return gateway.ConnectionUpdate{Status: gateway.ConnOpen, SelfAddress: p.SelfAddress}
	}

	upd := gateway.ConnectionUpdate{Status: gateway.ConnClosed, Reason: gateway.CloseUnknown}
	switch p.Reason {
	case v1.ReasonLoggedOut:
		upd.Reason = gateway.CloseLoggedOut
	case v1.ReasonConnectionLost:
		upd.Reason = gateway.CloseConnectionLost
	case v1.ReasonConnectionReplaced:
		upd.Reason = gateway.CloseReplaced
	case v1.ReasonRestartRequired:
		upd.Reason = gateway.CloseRestartRequired
	case v1.ReasonTimedOut:
		upd.Reason = gateway.CloseTimedOut
	}
	if p.Error != "" {
		upd.Err = errors.New(p.Error)
	}
	return upd
}

func toInboundMessage(p v1.MessageUpsertPayload) *gateway.InboundMessage {
	msg := &gateway.InboundMessage{
		ID:          p.ID,
		ChatAddress: p.ChatAddress,
		FromMe:      p.FromMe,
		PushName:    p.PushName,
		Timestamp:   time.Unix(p.Timestamp, 0).UTC(),
		Backfill:    !p.Notify,
	}
	if p.Content != nil {
		msg.Content = &gateway.MessageContent{
			Kind:    contentKind(p.Content.Kind),
			Text:    p.Content.Text,
			Caption: p.Content.Caption,
		}
	}
	return msg
}

func contentKind(s string) gateway.ContentKind {
	switch k := gateway.ContentKind(s); k {
	case gateway.ContentText,
		gateway.ContentImage,
		gateway.ContentVideo,
		gateway.ContentAudio,
		gateway.ContentDocument,
		gateway.ContentSticker:
		return k
	default:
		return gateway.ContentOther
	}
}
