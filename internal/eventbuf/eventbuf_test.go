package eventbuf

import "testing"

type fakeDispatcher struct {
	calls []call
}

type call struct {
	eventType string
	data      interface{}
}

func (f *fakeDispatcher) Dispatch(eventType string, data interface{}) {
	f.calls = append(f.calls, call{eventType, data})
}

func TestPushMergesScalarFieldsLatestWins(t *testing.T) {
	b := New()
	b.Start()

	b.Push(KindChats, "chat-1", map[string]interface{}{"name": "Old Name", "unread": 3})
	b.Push(KindChats, "chat-1", map[string]interface{}{"unread": 0})

	d := &fakeDispatcher{}
	b.Flush(d)

	if len(d.calls) != 1 {
		t.Fatalf("expected 1 dispatch call, got %d", len(d.calls))
	}
	items := d.calls[0].data.([]map[string]interface{})
	if len(items) != 1 {
		t.Fatalf("expected 1 merged chat, got %d", len(items))
	}
	if items[0]["name"] != "Old Name" {
		t.Errorf("expected name to survive merge, got %v", items[0]["name"])
	}
	if items[0]["unread"] != 0 {
		t.Errorf("expected unread overwritten to 0, got %v", items[0]["unread"])
	}
}

func TestPushUnionMergesArrayFieldsByID(t *testing.T) {
	b := New()
	b.Start()

	b.Push(KindMessages, "chat-1", map[string]interface{}{
		"messages": []interface{}{
			map[string]interface{}{"id": "m1", "text": "hi"},
			map[string]interface{}{"id": "m2", "text": "there"},
		},
	})
	b.Push(KindMessages, "chat-1", map[string]interface{}{
		"messages": []interface{}{
			map[string]interface{}{"id": "m2", "text": "there (edited)"},
			map[string]interface{}{"id": "m3", "text": "new"},
		},
	})

	d := &fakeDispatcher{}
	b.Flush(d)

	items := d.calls[0].data.([]map[string]interface{})
	msgs := items[0]["messages"].([]interface{})
	if len(msgs) != 3 {
		t.Fatalf("expected 3 union-merged messages, got %d", len(msgs))
	}

	byID := map[string]string{}
	for _, m := range msgs {
		mm := m.(map[string]interface{})
		byID[mm["id"].(string)] = mm["text"].(string)
	}
	if byID["m2"] != "there (edited)" {
		t.Errorf("expected m2 to be overwritten by later push, got %q", byID["m2"])
	}
	if byID["m1"] != "hi" || byID["m3"] != "new" {
		t.Errorf("unexpected merged set: %+v", byID)
	}
}

func TestFlushEmitsInDeterministicOrder(t *testing.T) {
	b := New()
	b.Start()

	// Push in a scrambled order; flush must still emit
	// creds, chats, contacts, messages, receipts.
	b.Push(KindReceipts, "r1", map[string]interface{}{"status": "read"})
	b.Push(KindMessages, "m-chat", map[string]interface{}{"count": 1})
	b.Push(KindCreds, "self", map[string]interface{}{"registered": true})
	b.Push(KindContacts, "c1", map[string]interface{}{"name": "Alice"})
	b.Push(KindChats, "chat-1", map[string]interface{}{"name": "Chat"})

	d := &fakeDispatcher{}
	b.Flush(d)

	want := []string{"creds", "chats", "contacts", "messages", "receipts"}
	if len(d.calls) != len(want) {
		t.Fatalf("expected %d dispatch calls, got %d", len(want), len(d.calls))
	}
	for i, c := range d.calls {
		if c.eventType != want[i] {
			t.Errorf("call %d: expected kind %q, got %q", i, want[i], c.eventType)
		}
	}
}

func TestFlushSkipsEmptyKinds(t *testing.T) {
	b := New()
	b.Start()
	b.Push(KindCreds, "self", map[string]interface{}{"registered": true})

	d := &fakeDispatcher{}
	b.Flush(d)

	if len(d.calls) != 1 {
		t.Fatalf("expected only the non-empty creds kind to dispatch, got %d calls", len(d.calls))
	}
	if d.calls[0].eventType != "creds" {
		t.Errorf("expected creds, got %q", d.calls[0].eventType)
	}
}

func TestPushIsNoOpBeforeStartAndAfterFlush(t *testing.T) {
	b := New()
	// Never started: Push should be dropped.
	b.Push(KindCreds, "self", map[string]interface{}{"registered": true})
	if b.IsBuffering() {
		t.Fatal("buffer should not be active before Start")
	}

	d := &fakeDispatcher{}
	b.Flush(d)
	if len(d.calls) != 0 {
		t.Fatalf("expected no dispatches for a never-started buffer, got %d", len(d.calls))
	}

	b.Start()
	b.Push(KindCreds, "self", map[string]interface{}{"registered": true})
	b.Flush(d)
	if len(d.calls) != 1 {
		t.Fatalf("expected 1 dispatch after Start+Push+Flush, got %d", len(d.calls))
	}

	// After Flush, buffering has stopped: a further Push must be dropped,
	// not silently re-buffered for a flush that will never come.
	if b.IsBuffering() {
		t.Fatal("buffer should not be active after Flush")
	}
	b.Push(KindCreds, "self", map[string]interface{}{"registered": false})
	d2 := &fakeDispatcher{}
	b.Flush(d2)
	if len(d2.calls) != 0 {
		t.Fatalf("expected post-flush Push to be dropped, got %d dispatches", len(d2.calls))
	}
}

func TestFlushClearsState(t *testing.T) {
	b := New()
	b.Start()
	b.Push(KindChats, "chat-1", map[string]interface{}{"name": "Chat"})

	d1 := &fakeDispatcher{}
	b.Flush(d1)
	if len(d1.calls) != 1 {
		t.Fatalf("expected 1 call on first flush, got %d", len(d1.calls))
	}

	d2 := &fakeDispatcher{}
	b.Flush(d2)
	if len(d2.calls) != 0 {
		t.Fatalf("expected second flush with no new pushes to dispatch nothing, got %d", len(d2.calls))
	}
}
