package websocket

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/luciancaetano/voxa"
	"github.com/luciancaetano/voxa/store"
)

type failingStore struct{ err error }

func (s failingStore) Insert(context.Context, string, string, string, time.Time) (voxa.Record, error) {
	return voxa.Record{}, s.err
}

func (s failingStore) FetchAfter(context.Context, int64) ([]voxa.Record, error) {
	return nil, s.err
}

func newTestRouter(t *testing.T, st voxa.MessageStore) (*Router, *Session, *Session) {
	t.Helper()
	registry := NewRegistry(discardLogger())
	sender, _ := pipeSession(t, sessionConfig{})
	sender.setUserID("alice")
	other, _ := pipeSession(t, sessionConfig{})
	other.setUserID("bob")
	registry.Insert(sender)
	registry.Insert(other)

	r := NewRouter(st, registry, discardLogger())
	r.now = func() time.Time { return time.Unix(1700000000, 0) }
	return r, sender, other
}

func TestRouterSendMessage(t *testing.T) {
	t.Parallel()

	st := store.NewMemory()
	r, sender, other := newTestRouter(t, st)

	env := voxa.DecodeEnvelope([]byte(`{"type":"send_message","params":{"channel_id":"general","contents":"hi"}}`))
	if err := r.Dispatch(context.Background(), env, sender); err != nil {
		t.Fatalf("Dispatch() error = %v", err)
	}

	want := voxa.Record{ID: 1, ChannelID: "general", Author: "alice", Contents: "hi", Timestamp: 1700000000}
	for name, sess := range map[string]*Session{"sender": sender, "other": other} {
		msgs := drain(t, sess)
		if len(msgs) != 1 || msgs[0].Type != voxa.TypeMessageCreate {
			t.Fatalf("%s got %+v, want one message_create", name, msgs)
		}
		var got voxa.Record
		if err := json.Unmarshal(msgs[0].Params, &got); err != nil {
			t.Fatal(err)
		}
		if got != want {
			t.Errorf("%s record = %+v, want %+v", name, got, want)
		}
	}

	recs, err := st.FetchAfter(context.Background(), 0)
	if err != nil || len(recs) != 1 || recs[0] != want {
		t.Errorf("stored = %+v (%v), want [%+v]", recs, err, want)
	}
}

func TestRouterEmptyContents(t *testing.T) {
	t.Parallel()

	st := store.NewMemory()
	r, sender, other := newTestRouter(t, st)

	env := voxa.DecodeEnvelope([]byte(`{"type":"send_message","params":{"channel_id":"general","contents":""}}`))
	err := r.Dispatch(context.Background(), env, sender)

	var reqErr *voxa.RequestError
	if !errors.As(err, &reqErr) {
		t.Fatalf("Dispatch() error = %v, want RequestError", err)
	}
	if reqErr.Kind != voxa.KindInvalidRequest {
		t.Errorf("Kind = %q, want %q", reqErr.Kind, voxa.KindInvalidRequest)
	}
	if recs, _ := st.FetchAfter(context.Background(), 0); len(recs) != 0 {
		t.Errorf("persisted %d records, want 0", len(recs))
	}
	if n := len(drain(t, sender)) + len(drain(t, other)); n != 0 {
		t.Errorf("broadcast %d messages, want 0", n)
	}
}

func TestRouterIgnoredEnvelopes(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		payload []byte
	}{
		{name: "edit stub", payload: []byte(`{"type":"edit_message","params":{"channel_id":"general","message_id":"1","new_contents":"x"}}`)},
		{name: "delete stub", payload: []byte(`{"type":"delete_message","params":{"channel_id":"general","message_id":"1"}}`)},
		{name: "raw text", payload: []byte("just text")},
		{name: "unknown type", payload: []byte(`{"type":"shout","params":{}}`)},
		{name: "binary", payload: []byte{0xff, 0xfe, 0x00}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			st := store.NewMemory()
			r, sender, other := newTestRouter(t, st)

			if err := r.Dispatch(context.Background(), voxa.DecodeEnvelope(tt.payload), sender); err != nil {
				t.Fatalf("Dispatch() error = %v", err)
			}
			if n := len(drain(t, sender)) + len(drain(t, other)); n != 0 {
				t.Errorf("queued %d messages, want 0", n)
			}
			if recs, _ := st.FetchAfter(context.Background(), 0); len(recs) != 0 {
				t.Errorf("persisted %d records, want 0", len(recs))
			}
		})
	}
}

func TestRouterStoreFailure(t *testing.T) {
	t.Parallel()

	down := errors.New("store unavailable")
	r, sender, _ := newTestRouter(t, failingStore{err: down})

	env := voxa.DecodeEnvelope([]byte(`{"type":"send_message","params":{"channel_id":"general","contents":"hi"}}`))
	err := r.Dispatch(context.Background(), env, sender)
	if !errors.Is(err, down) {
		t.Fatalf("Dispatch() error = %v, want %v", err, down)
	}
	var reqErr *voxa.RequestError
	if errors.As(err, &reqErr) {
		t.Error("store failure must not be reported as a request error")
	}
}
