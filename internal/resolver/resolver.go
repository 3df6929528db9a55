// Package resolver implements the Device & LID Resolver:
// given a set of destination JIDs it resolves them, via a batched USync
// query, to the concrete (user, device, jid) destinations a message must
// fan out to, keeping an in-memory device cache and the PN↔LID mapping
// persisted in the Signal Store.
package resolver

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/wacore/wacore/internal/binary"
	"github.com/wacore/wacore/internal/jid"
	"github.com/wacore/wacore/internal/store"
)

// deviceCacheTTL bounds how long a resolved device list is trusted before
// a fresh USync query is issued for that user again.
const deviceCacheTTL = 10 * time.Minute

// lidMigrationTTL is how long an own-device PN→LID session migration is
// remembered, so a stray PN-addressed retry during the changeover window
// is still recognized.
const lidMigrationTTL = 7 * 24 * time.Hour

// Querier is the Connection Supervisor's request/reply contract.
type Querier interface {
	Query(ctx context.Context, node *binary.Node, timeout time.Duration) (*binary.Node, error)
}

type cachedDevices struct {
	devices  []jid.JID
	cachedAt time.Time
}

type cachedMigration struct {
	at time.Time
}

// Resolver resolves destination JIDs to devices and keeps the PN↔LID
// mapping current.
type Resolver struct {
	st      *store.Store
	querier Querier
	ownJID  jid.JID
	log     *zap.SugaredLogger

	mu         sync.RWMutex
	deviceByPN map[string]cachedDevices // keyed by PN user
	migrations map[string]cachedMigration
}

// NewResolver constructs a Resolver. ownJID is the caller's own PN JID,
// used to exclude self-addressing and to drive own-device migration.
func NewResolver(st *store.Store, querier Querier, ownJID jid.JID, log *zap.SugaredLogger) *Resolver {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	return &Resolver{
		st:         st,
		querier:    querier,
		ownJID:     ownJID,
		log:        log,
		deviceByPN: make(map[string]cachedDevices),
		migrations: make(map[string]cachedMigration),
	}
}

// Destination is one concrete (user, device, jid) fan-out target, already
// resolved to whichever server (PN or LID) the user should be addressed on.
type Destination struct {
	User   string
	Device uint16
	JID    jid.JID
}

// Resolve expands input JIDs into concrete destinations. Explicit-device JIDs pass through unchanged; bare-user JIDs
// are expanded via the device cache, batching cache misses into one USync
// query.
func (r *Resolver) Resolve(ctx context.Context, targets []jid.JID) ([]Destination, error) {
	var out []Destination
	var misses []jid.JID

	for _, t := range targets {
		if t.AD {
			out = append(out, Destination{User: t.User, Device: t.Device, JID: t})
			continue
		}
		if devices, ok := r.cachedDevicesFor(t.User); ok {
			out = append(out, r.destinationsFor(t, devices)...)
			continue
		}
		misses = append(misses, t)
	}

	if len(misses) == 0 {
		return out, nil
	}

	resolved, err := r.usyncResolve(ctx, misses)
	if err != nil {
		return nil, err
	}
	for _, t := range misses {
		out = append(out, r.destinationsFor(t, resolved[t.User])...)
	}
	return out, nil
}

func (r *Resolver) destinationsFor(user jid.JID, devices []jid.JID) []Destination {
	server := r.targetServer(user.User)
	out := make([]Destination, 0, len(devices))
	for _, d := range devices {
		out = append(out, Destination{User: d.User, Device: d.Device, JID: d.WithServer(server)})
	}
	return out
}

// targetServer picks which server to address user on: if the user has
// migrated to a LID, emit LIDs; otherwise emit PN JIDs.
func (r *Resolver) targetServer(user string) string {
	if _, ok := r.lookupLID(user); ok {
		return jid.ServerLID
	}
	return jid.ServerPN
}

func (r *Resolver) cachedDevicesFor(user string) ([]jid.JID, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	entry, ok := r.deviceByPN[user]
	if !ok || time.Since(entry.cachedAt) > deviceCacheTTL {
		return nil, false
	}
	return entry.devices, true
}

func (r *Resolver) lookupLID(pnUser string) (string, bool) {
	values, err := r.st.Get(store.CategoryLIDMapping, []string{pnUser})
	if err != nil {
		return "", false
	}
	raw, ok := values[pnUser]
	if !ok {
		return "", false
	}
	return string(raw), true
}

// lidReverseKeyPrefix distinguishes a reverse lid_user->pn_user entry from
// a forward pn_user->lid_user entry in the same CategoryLIDMapping table.
const lidReverseKeyPrefix = "rev:"

func reverseLIDKey(lidUser string) string {
	return lidReverseKeyPrefix + lidUser
}

func (r *Resolver) lookupPNForLID(lidUser string) (string, bool) {
	key := reverseLIDKey(lidUser)
	values, err := r.st.Get(store.CategoryLIDMapping, []string{key})
	if err != nil {
		return "", false
	}
	raw, ok := values[key]
	if !ok {
		return "", false
	}
	return string(raw), true
}

// setLIDMapping writes both directions of the pn<->lid bijection for one
// pair, guarded by a read-before-write check: the mapping is write-once
// per pair, so a conflicting remap of either side is logged and rejected
// rather than silently overwritten.
func (r *Resolver) setLIDMapping(pnUser, lidUser string) error {
	if existing, ok := r.lookupLID(pnUser); ok && existing != lidUser {
		err := fmt.Errorf("resolver: refusing to remap pn user %s from lid %s to %s", pnUser, existing, lidUser)
		r.log.Warnw("resolver: rejecting conflicting lid mapping", "pnUser", pnUser, "existingLid", existing, "newLid", lidUser)
		return err
	}
	if existing, ok := r.lookupPNForLID(lidUser); ok && existing != pnUser {
		err := fmt.Errorf("resolver: refusing to remap lid user %s from pn %s to %s", lidUser, existing, pnUser)
		r.log.Warnw("resolver: rejecting conflicting lid mapping", "lidUser", lidUser, "existingPn", existing, "newPn", pnUser)
		return err
	}
	return r.st.SetIndex(store.CategoryLIDMapping, map[string][]byte{
		pnUser:                 []byte(lidUser),
		reverseLIDKey(lidUser): []byte(pnUser),
	})
}

// usyncResolve issues one USync query carrying both the device and lid
// protocols for every user in misses, stores fresh PN↔LID mappings, and
// populates the device cache.
func (r *Resolver) usyncResolve(ctx context.Context, misses []jid.JID) (map[string][]jid.JID, error) {
	query := buildUSyncQuery(misses)
	resp, err := r.querier.Query(ctx, query, 30*time.Second)
	if err != nil {
		return nil, fmt.Errorf("resolver: usync query: %w", err)
	}

	perUser, lidUpdates, err := parseUSyncResponse(resp)
	if err != nil {
		return nil, fmt.Errorf("resolver: parse usync response: %w", err)
	}

	for pn, lid := range lidUpdates {
		if err := r.setLIDMapping(pn, lid); err != nil {
			// A conflicting mapping for one user doesn't invalidate the
			// rest of this batch's device resolution.
			continue
		}
	}

	r.mu.Lock()
	now := time.Now()
	for user, devices := range perUser {
		r.deviceByPN[user] = cachedDevices{devices: devices, cachedAt: now}
	}
	r.mu.Unlock()

	if err := r.persistDeviceList(perUser); err != nil {
		return nil, err
	}

	return perUser, nil
}

// persistDeviceList stores the resolved device lists under the batched
// indexed collection.
func (r *Resolver) persistDeviceList(perUser map[string][]jid.JID) error {
	entries := make(map[string][]byte, len(perUser))
	for user, devices := range perUser {
		entries[user] = encodeDeviceList(devices)
	}
	return r.st.SetIndex(store.CategoryDeviceList, entries)
}

// ApplyOwnDeviceHello handles the post-pairing server hello carrying the
// caller's own LID: store the PN↔LID
// mapping, append the own device id into the device list, and migrate any
// existing PN session to the LID address.
func (r *Resolver) ApplyOwnDeviceHello(ownLID jid.JID, migrateSessionFn func(fromPN, toLID jid.JID) error) error {
	if err := r.setLIDMapping(r.ownJID.User, ownLID.User); err != nil {
		return fmt.Errorf("resolver: store own lid mapping: %w", err)
	}

	r.mu.Lock()
	entry := r.deviceByPN[r.ownJID.User]
	found := false
	for _, d := range entry.devices {
		if d.Device == r.ownJID.Device {
			found = true
			break
		}
	}
	if !found {
		entry.devices = append(entry.devices, r.ownJID)
	}
	entry.cachedAt = time.Now()
	r.deviceByPN[r.ownJID.User] = entry
	r.mu.Unlock()

	fromPN := r.ownJID
	toLID := ownLID
	if migrateSessionFn != nil {
		if err := migrateSessionFn(fromPN, toLID); err != nil {
			return fmt.Errorf("resolver: migrate own session to lid: %w", err)
		}
	}

	r.mu.Lock()
	r.migrations[r.ownJID.SignalAddress()] = cachedMigration{at: time.Now()}
	r.mu.Unlock()

	return nil
}

// IsRecentlyMigrated reports whether addr was migrated to LID within the
// last lidMigrationTTL, so a stray PN-addressed retry is still honored.
func (r *Resolver) IsRecentlyMigrated(addr string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	m, ok := r.migrations[addr]
	return ok && time.Since(m.at) < lidMigrationTTL
}

// AssertSessions performs session assertion: for each address, check
// whether an open 1:1 session exists and, if not (or if force is set),
// fetch a pre-key bundle and have establishFn open it.
func (r *Resolver) AssertSessions(ctx context.Context, targets []jid.JID, force bool, validateSession func(addr string) bool, establishFn func(ctx context.Context, target jid.JID, bundle *binary.Node) error) error {
	var toFetch []jid.JID
	for _, t := range targets {
		addr := t.SignalAddress()
		if !force && validateSession != nil && validateSession(addr) {
			continue
		}
		toFetch = append(toFetch, t)
	}
	if len(toFetch) == 0 {
		return nil
	}

	req := buildKeyFetchIQ(toFetch)
	resp, err := r.querier.Query(ctx, req, 30*time.Second)
	if err != nil {
		return fmt.Errorf("resolver: fetch pre-key bundles: %w", err)
	}

	bundles, ok := resp.GetChild("list")
	if !ok {
		return fmt.Errorf("resolver: key response missing list")
	}
	for i, child := range bundles.GetChildren() {
		if i >= len(toFetch) {
			break
		}
		node := child
		if err := establishFn(ctx, toFetch[i], &node); err != nil {
			return fmt.Errorf("resolver: establish session for %s: %w", toFetch[i].SignalAddress(), err)
		}
	}
	return nil
}
