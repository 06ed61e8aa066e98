package gateway

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestClassify(t *testing.T) {
	started := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	after := started.Add(time.Minute)
	text := &MessageContent{Kind: ContentText, Text: "hola"}

	cases := []struct {
		name string
		msg  *InboundMessage
		want DropReason
	}{
		{"accepted", &InboundMessage{ChatAddress: "5215512345678@s.whatsapp.net", Timestamp: after, Content: text}, DropNone},
		{"opaque accepted", &InboundMessage{ChatAddress: "99887766@lid", Timestamp: after, Content: text}, DropNone},
		{"self authored", &InboundMessage{ChatAddress: "5215512345678@s.whatsapp.net", FromMe: true, Timestamp: after, Content: text}, DropSelfAuthored},
		{"status broadcast", &InboundMessage{ChatAddress: "status@broadcast", Timestamp: after, Content: text}, DropBroadcast},
		{"newsletter", &InboundMessage{ChatAddress: "1203@newsletter", Timestamp: after, Content: text}, DropBroadcast},
		{"group", &InboundMessage{ChatAddress: "12036302@g.us", Timestamp: after, Content: text}, DropGroup},
		{"stale", &InboundMessage{ChatAddress: "5215512345678@s.whatsapp.net", Timestamp: started.Add(-time.Second), Content: text}, DropStale},
		{"no content", &InboundMessage{ChatAddress: "5215512345678@s.whatsapp.net", Timestamp: after}, DropEmpty},
		{"backfill", &InboundMessage{ChatAddress: "5215512345678@s.whatsapp.net", Timestamp: after, Content: text, Backfill: true}, DropBackfill},
		{"nil", nil, DropEmpty},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := Classify(tc.msg, started); got != tc.want {
				t.Fatalf("got %q want %q", got, tc.want)
			}
		})
	}
}

func TestMessageText(t *testing.T) {
	cases := []struct {
		c    *MessageContent
		want string
	}{
		{&MessageContent{Kind: ContentText, Text: "hola"}, "hola"},
		{&MessageContent{Kind: ContentImage, Caption: "menu"}, "[Imagen] menu"},
		{&MessageContent{Kind: ContentImage}, "[Imagen sin caption]"},
		{&MessageContent{Kind: ContentVideo, Caption: "demo"}, "[Video] demo"},
		{&MessageContent{Kind: ContentVideo}, "[Video sin caption]"},
		{&MessageContent{Kind: ContentAudio}, "[Audio]"},
		{&MessageContent{Kind: ContentDocument}, "[Documento]"},
		{&MessageContent{Kind: ContentSticker}, "[Sticker]"},
		{&MessageContent{Kind: ContentOther}, "[Mensaje multimedia]"},
	}
	for _, tc := range cases {
		if got := MessageText(tc.c); got != tc.want {
			t.Fatalf("MessageText(%v): got %q want %q", tc.c.Kind, got, tc.want)
		}
	}
}

func TestForwarder_NilSinkStillAccepts(t *testing.T) {
	f := NewForwarder(discardLogger(), nil, nil, 0)
	ids := NewIdentityCache(discardLogger(), nil, 0)

	ev, ok := f.Handle(context.Background(), sessionInfo{tenantID: 1, sessionName: "a", key: "1_a"}, ids, nil, &InboundMessage{
		ID:          "X",
		ChatAddress: "5215512345678@s.whatsapp.net",
		Timestamp:   time.Now(),
		Content:     &MessageContent{Kind: ContentAudio},
	})
	f.Wait()

	if !ok || ev.Text != "[Audio]" || ev.OriginAddress != "5215512345678" || !ev.Resolved {
		t.Fatalf("event: %+v ok=%v", ev, ok)
	}
}

type failingSink struct{ calls chan struct{} }

func (s failingSink) Deliver(context.Context, InboundEvent) error {
	s.calls <- struct{}{}
	return context.DeadlineExceeded
}

func TestForwarder_SinkFailureIsNotFatal(t *testing.T) {
	sink := failingSink{calls: make(chan struct{}, 1)}
	f := NewForwarder(discardLogger(), sink, nil, time.Second)
	ids := NewIdentityCache(discardLogger(), nil, 0)

	_, ok := f.Handle(context.Background(), sessionInfo{key: "1_a"}, ids, nil, &InboundMessage{
		ChatAddress: "5215512345678@s.whatsapp.net",
		Timestamp:   time.Now(),
		Content:     &MessageContent{Kind: ContentText, Text: "x"},
	})
	require.True(t, ok)

	select {
	case <-sink.calls:
	case <-time.After(time.Second):
		t.Fatalf("sink was never called")
	}
	f.Wait()
}
