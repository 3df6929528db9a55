package resolver

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/wacore/wacore/internal/binary"
	"github.com/wacore/wacore/internal/jid"
	"github.com/wacore/wacore/internal/store"
)

type fakeUSyncQuerier struct {
	devicesByUser map[string][]uint16
	lidByUser     map[string]string
}

func (f *fakeUSyncQuerier) Query(ctx context.Context, node *binary.Node, timeout time.Duration) (*binary.Node, error) {
	switch node.Attrs["xmlns"] {
	case "usync":
		usyncNode, _ := node.GetChild("usync")
		listNode, _ := usyncNode.GetChild("list")

		var responseUsers []binary.Node
		for _, u := range listNode.GetChildren() {
			userJID, err := jid.Parse(u.Attrs["jid"])
			if err != nil {
				continue
			}

			var deviceNodes []binary.Node
			for _, d := range f.devicesByUser[userJID.User] {
				deviceNodes = append(deviceNodes, binary.Node{
					Tag:   "device",
					Attrs: map[string]string{"id": fmt.Sprintf("%d", d)},
				})
			}

			userContent := []binary.Node{
				{Tag: "devices", Content: []binary.Node{
					{Tag: "device-list", Content: deviceNodes},
				}},
			}
			if lid, ok := f.lidByUser[userJID.User]; ok {
				userContent = append(userContent, binary.Node{Tag: "lid", Attrs: map[string]string{"val": lid}})
			}

			responseUsers = append(responseUsers, binary.Node{
				Tag:     "user",
				Attrs:   map[string]string{"jid": u.Attrs["jid"]},
				Content: userContent,
			})
		}

		return &binary.Node{
			Tag: "iq",
			Content: []binary.Node{
				{Tag: "usync", Content: []binary.Node{
					{Tag: "list", Content: responseUsers},
				}},
			},
		}, nil
	case "encrypt":
		return &binary.Node{Tag: "iq", Content: []binary.Node{{Tag: "list"}}}, nil
	}
	return nil, fmt.Errorf("unhandled query")
}

func newTestResolver(t *testing.T, q Querier) *Resolver {
	t.Helper()
	st, err := store.Open(t.TempDir(), nil)
	if err != nil {
		t.Fatal(err)
	}
	own := jid.NewJID("15550000000", jid.ServerPN)
	return NewResolver(st, q, own, nil)
}

func TestResolveExplicitDevicePassesThrough(t *testing.T) {
	r := newTestResolver(t, &fakeUSyncQuerier{})
	target := jid.NewADJID("15551234567", 3, jid.ServerPN)

	dest, err := r.Resolve(context.Background(), []jid.JID{target})
	if err != nil {
		t.Fatal(err)
	}
	if len(dest) != 1 || dest[0].JID != target {
		t.Fatalf("expected explicit-device passthrough, got %+v", dest)
	}
}

func TestResolveBatchesMissesIntoUSync(t *testing.T) {
	q := &fakeUSyncQuerier{
		devicesByUser: map[string][]uint16{
			"15551234567": {0, 5},
			"15559876543": {0},
		},
	}
	r := newTestResolver(t, q)

	targets := []jid.JID{
		jid.NewJID("15551234567", jid.ServerPN),
		jid.NewJID("15559876543", jid.ServerPN),
	}
	dest, err := r.Resolve(context.Background(), targets)
	if err != nil {
		t.Fatal(err)
	}
	if len(dest) != 3 {
		t.Fatalf("expected 3 resolved destinations, got %d: %+v", len(dest), dest)
	}
}

func TestResolveExcludesDevice99AndUsesCache(t *testing.T) {
	q := &fakeUSyncQuerier{
		devicesByUser: map[string][]uint16{
			"15551234567": {0, 99},
		},
	}
	r := newTestResolver(t, q)
	target := jid.NewJID("15551234567", jid.ServerPN)

	dest, err := r.Resolve(context.Background(), []jid.JID{target})
	if err != nil {
		t.Fatal(err)
	}
	if len(dest) != 1 {
		t.Fatalf("expected device 99 excluded, got %+v", dest)
	}

	// Second resolve for the same user must hit the cache, not re-query.
	q.devicesByUser["15551234567"] = nil // would return zero devices if re-queried
	dest2, err := r.Resolve(context.Background(), []jid.JID{target})
	if err != nil {
		t.Fatal(err)
	}
	if len(dest2) != 1 {
		t.Fatalf("expected cached result reused, got %+v", dest2)
	}
}

func TestResolveEmitsLIDServerWhenMappingKnown(t *testing.T) {
	q := &fakeUSyncQuerier{
		devicesByUser: map[string][]uint16{"15551234567": {0}},
		lidByUser:     map[string]string{"15551234567": "998877665"},
	}
	r := newTestResolver(t, q)
	target := jid.NewJID("15551234567", jid.ServerPN)

	if _, err := r.Resolve(context.Background(), []jid.JID{target}); err != nil {
		t.Fatal(err)
	}

	// Force a fresh resolve of a never-cached user sharing the same
	// underlying PN to exercise targetServer once the mapping is known.
	r.mu.Lock()
	delete(r.deviceByPN, "15551234567")
	r.mu.Unlock()

	dest, err := r.Resolve(context.Background(), []jid.JID{target})
	if err != nil {
		t.Fatal(err)
	}
	if len(dest) != 1 || dest[0].JID.Server != jid.ServerLID {
		t.Fatalf("expected resolved JID on the lid server, got %+v", dest)
	}
}

func TestApplyOwnDeviceHelloMigratesSession(t *testing.T) {
	r := newTestResolver(t, &fakeUSyncQuerier{})
	ownLID := jid.NewJID("998877665", jid.ServerLID)

	var migratedFrom, migratedTo jid.JID
	err := r.ApplyOwnDeviceHello(ownLID, func(fromPN, toLID jid.JID) error {
		migratedFrom, migratedTo = fromPN, toLID
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
	if migratedFrom.User != "15550000000" || migratedTo.User != "998877665" {
		t.Fatalf("unexpected migration args: %+v -> %+v", migratedFrom, migratedTo)
	}
	if !r.IsRecentlyMigrated(migratedFrom.SignalAddress()) {
		t.Error("expected own address to be marked recently migrated")
	}
}

func TestAssertSessionsSkipsAlreadyValidAddresses(t *testing.T) {
	r := newTestResolver(t, &fakeUSyncQuerier{})
	target := jid.NewADJID("15551234567", 0, jid.ServerPN)

	establishCalls := 0
	err := r.AssertSessions(context.Background(), []jid.JID{target}, false,
		func(addr string) bool { return true },
		func(ctx context.Context, target jid.JID, bundle *binary.Node) error {
			establishCalls++
			return nil
		})
	if err != nil {
		t.Fatal(err)
	}
	if establishCalls != 0 {
		t.Errorf("expected no session establishment for an already-valid address, got %d calls", establishCalls)
	}
}

func TestSetLIDMappingRejectsConflictingRemap(t *testing.T) {
	r := newTestResolver(t, &fakeUSyncQuerier{})

	if err := r.setLIDMapping("15551234567", "998877665"); err != nil {
		t.Fatalf("initial mapping: %v", err)
	}

	// Same pair again is idempotent, not a conflict.
	if err := r.setLIDMapping("15551234567", "998877665"); err != nil {
		t.Fatalf("re-writing the same pair should not be rejected: %v", err)
	}

	if err := r.setLIDMapping("15551234567", "111111111"); err == nil {
		t.Fatal("expected a different lid for the same pn user to be rejected")
	}
	if err := r.setLIDMapping("000000000", "998877665"); err == nil {
		t.Fatal("expected a different pn for the same lid user to be rejected")
	}

	lid, ok := r.lookupLID("15551234567")
	if !ok || lid != "998877665" {
		t.Fatalf("forward mapping changed after rejected remap: %q, %v", lid, ok)
	}
	pn, ok := r.lookupPNForLID("998877665")
	if !ok || pn != "15551234567" {
		t.Fatalf("reverse mapping changed after rejected remap: %q, %v", pn, ok)
	}
}
