// Package relay implements the Fan-Out Relay: the single
// entry point for outbound messages, branching by destination server and
// driving the 1:1 and group encryption pipelines behind it.
package relay

import (
	"context"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"sort"
	"strings"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/wacore/wacore/internal/binary"
	"github.com/wacore/wacore/internal/jid"
	"github.com/wacore/wacore/internal/resolver"
	"github.com/wacore/wacore/internal/store"
)

// Sender is the Connection Supervisor's outbound half.
type Sender interface {
	SendNode(ctx context.Context, node *binary.Node) error
}

// CryptoEngine is everything the relay needs from the Signal session layer
// (internal/signalcrypto) without importing its concrete session-address
// bookkeeping directly.
type CryptoEngine interface {
	// EncryptOneToOne returns ("pkmsg"|"msg", ciphertext) for addr, fetching
	// and opening a session first if one is not already open.
	EncryptOneToOne(ctx context.Context, addr string, plaintext []byte) (msgType string, ciphertext []byte, err error)
	// EncryptGroup returns the skmsg ciphertext for the caller's own
	// sender-key chain in groupJID.
	EncryptGroup(ctx context.Context, groupJID string, plaintext []byte) (ciphertext []byte, err error)
	// EncryptSKDMFor 1:1-encrypts the caller's current sender-key
	// distribution message for groupJID, addressed to addr.
	EncryptSKDMFor(ctx context.Context, addr string, groupJID string) (msgType string, ciphertext []byte, err error)
	// HasReceivedSenderKey reports whether addr has already been sent the
	// current sender-key chain for groupJID.
	HasReceivedSenderKey(groupJID, addr string) bool
	// MarkSenderKeyDistributed records that addr now has the current chain.
	MarkSenderKeyDistributed(groupJID, addr string) error
}

// GroupInfoProvider resolves a group's participant list, preferring a
// cache when the caller says the cached metadata is acceptable.
type GroupInfoProvider interface {
	GetGroupParticipants(ctx context.Context, group jid.JID, cachedOK bool) ([]jid.JID, error)
}

// PatchResult is what a patchMessageBeforeSending hook returns.
type PatchResult struct {
	Uniform      []byte            // same payload for every recipient
	PerRecipient map[string][]byte // keyed by recipient JID string; 1:1 only
}

// Options configures one SendMessage call.
type Options struct {
	MessageID           string
	PatchFn             func(msg []byte, recipients []jid.JID) (PatchResult, error)
	StatusJIDList        []jid.JID
	CachedGroupMetadata  bool
	MessageType          string // text|media|poll|reaction|event
	MediaType            string
	AddressingModeLID    bool
	ExpirationSeconds    int
	Edit                 string // "1"=edit, "2"=pin, "7"/"8"=delete
	RetryResendTo        *RetryResendTarget
}

// RetryResendTarget restricts a send to one already-known recipient
// device and tags the enc node with a resend count.
type RetryResendTarget struct {
	JID   jid.JID
	Count int
}

var ErrPerRecipientPatchInGroup = fmt.Errorf("relay: per-recipient patching is not allowed for group sends")

// Relay is the Fan-Out Relay.
type Relay struct {
	st       *store.Store
	resolver *resolver.Resolver
	crypto   CryptoEngine
	sender   Sender
	groups   GroupInfoProvider
	ownJID   jid.JID
	log      *zap.SugaredLogger
}

func NewRelay(st *store.Store, res *resolver.Resolver, crypto CryptoEngine, sender Sender, groups GroupInfoProvider, ownJID jid.JID, log *zap.SugaredLogger) *Relay {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	return &Relay{st: st, resolver: res, crypto: crypto, sender: sender, groups: groups, ownJID: ownJID, log: log}
}

// Result is what SendMessage returns: the message id actually used and a
// base64 participant/phash key, when applicable, for caller bookkeeping.
type Result struct {
	MessageID string
	Phash     string
}

// SendMessage is the single entry point for outbound messages. All work runs inside one Signal Store transaction keyed on the
// caller's own address, serializing concurrent sends the same way every
// other mutation of session/sender-key state is serialized.
func (r *Relay) SendMessage(ctx context.Context, to jid.JID, payload []byte, opts Options) (Result, error) {
	messageID := opts.MessageID
	if messageID == "" {
		messageID = uuid.NewString()
	}

	var result Result
	err := r.st.Transaction(store.CategoryCreds, r.ownJID.SignalAddress(), func(current []byte) ([]byte, error) {
		var err error
		switch {
		case to.Server == jid.ServerNewsletter:
			err = r.sendNewsletter(ctx, to, messageID, payload, opts)
		case to.IsGroup():
			result, err = r.sendGroup(ctx, to, messageID, payload, opts)
		default:
			result, err = r.sendDM(ctx, to, messageID, payload, opts)
		}
		return current, err
	})
	if err != nil {
		return Result{}, err
	}
	result.MessageID = messageID
	return result, nil
}

func (r *Relay) sendNewsletter(ctx context.Context, to jid.JID, messageID string, payload []byte, opts Options) error {
	node := &binary.Node{
		Tag: "message",
		Attrs: map[string]string{
			"id":   messageID,
			"to":   to.String(),
			"type": messageTypeOrDefault(opts.MessageType),
		},
		Content: []binary.Node{{Tag: "plaintext", Content: payload}},
	}
	return r.sender.SendNode(ctx, node)
}

func (r *Relay) sendGroup(ctx context.Context, to jid.JID, messageID string, payload []byte, opts Options) (Result, error) {
	participants, err := r.groups.GetGroupParticipants(ctx, to, opts.CachedGroupMetadata)
	if err != nil {
		return Result{}, fmt.Errorf("relay: load group participants: %w", err)
	}
	participants = append(participants, r.ownJID)

	finalPayload := payload
	if opts.PatchFn != nil {
		patched, err := r.resolvePatch(payload, participants, opts.PatchFn)
		if err != nil {
			return Result{}, err
		}
		if patched.PerRecipient != nil {
			return Result{}, ErrPerRecipientPatchInGroup
		}
		if patched.Uniform != nil {
			finalPayload = patched.Uniform
		}
	}

	var recipientNodes []binary.Node
	includeIdentity := false

	if opts.RetryResendTo != nil {
		node, isPreKey, err := r.encryptSKDMOrSkip(ctx, to, opts.RetryResendTo.JID)
		if err != nil {
			return Result{}, err
		}
		if node != nil {
			tagResendCount(node, opts.RetryResendTo.Count)
			recipientNodes = append(recipientNodes, *node)
			includeIdentity = includeIdentity || isPreKey
		}
	} else {
		dests, err := r.resolver.Resolve(ctx, participants)
		if err != nil {
			return Result{}, fmt.Errorf("relay: resolve group participants: %w", err)
		}
		for _, d := range dests {
			if !d.JID.IsEncryptionTarget() {
				continue
			}
			addr := d.JID.SignalAddress()
			if r.crypto.HasReceivedSenderKey(to.String(), addr) {
				continue
			}
			node, isPreKey, err := r.encryptSKDMOrSkip(ctx, to, d.JID)
			if err != nil {
				r.log.Warnw("failed to distribute sender key", "recipient", d.JID.String(), "error", err)
				continue
			}
			if node == nil {
				continue
			}
			recipientNodes = append(recipientNodes, *node)
			includeIdentity = includeIdentity || isPreKey
			if err := r.crypto.MarkSenderKeyDistributed(to.String(), addr); err != nil {
				return Result{}, err
			}
		}
	}

	ciphertext, err := r.crypto.EncryptGroup(ctx, to.String(), finalPayload)
	if err != nil {
		return Result{}, fmt.Errorf("relay: encrypt group message: %w", err)
	}

	phash := participantHash(participants)

	node := &binary.Node{
		Tag:  "message",
		Attrs: messageAttrs(messageID, to, opts, phash, true),
		Content: []binary.Node{
			{Tag: "participants", Content: recipientNodes},
			{Tag: "enc", Attrs: map[string]string{"v": "2", "type": "skmsg"}, Content: ciphertext},
		},
	}
	if includeIdentity {
		appendDeviceIdentity(node, r.deviceIdentityBlob())
	}

	if err := r.sender.SendNode(ctx, node); err != nil {
		return Result{}, fmt.Errorf("relay: send group message: %w", err)
	}
	return Result{Phash: phash}, nil
}

func (r *Relay) sendDM(ctx context.Context, to jid.JID, messageID string, payload []byte, opts Options) (Result, error) {
	targets := []jid.JID{to}
	if opts.RetryResendTo == nil {
		targets = append(targets, r.ownJID) // own-device DSM fan-out
	}

	var finalPayload []byte
	var perRecipient map[string][]byte
	if opts.PatchFn != nil {
		patched, err := r.resolvePatch(payload, targets, opts.PatchFn)
		if err != nil {
			return Result{}, err
		}
		finalPayload = patched.Uniform
		perRecipient = patched.PerRecipient
	}
	if finalPayload == nil && perRecipient == nil {
		finalPayload = payload
	}

	var dests []resolver.Destination
	if opts.RetryResendTo != nil {
		dests = []resolver.Destination{{User: opts.RetryResendTo.JID.User, Device: opts.RetryResendTo.JID.Device, JID: opts.RetryResendTo.JID}}
	} else {
		resolved, err := r.resolver.Resolve(ctx, targets)
		if err != nil {
			return Result{}, fmt.Errorf("relay: resolve dm targets: %w", err)
		}
		dests = resolved
	}

	var recipientNodes []binary.Node
	includeIdentity := false

	for _, d := range dests {
		if !d.JID.IsEncryptionTarget() {
			continue
		}
		plaintext := finalPayload
		if perRecipient != nil {
			if p, ok := perRecipient[d.JID.String()]; ok {
				plaintext = p
			} else {
				plaintext = payload
			}
		}
		if isOwnOtherDevice(to, r.ownJID, d.JID) {
			wrapped, err := marshalDeviceSentMessage(to, plaintext)
			if err != nil {
				return Result{}, err
			}
			plaintext = wrapped
		}

		msgType, ciphertext, err := r.crypto.EncryptOneToOne(ctx, d.JID.SignalAddress(), plaintext)
		if err != nil {
			r.log.Warnw("failed to encrypt dm for device", "recipient", d.JID.String(), "error", err)
			continue
		}
		node := binary.Node{
			Tag:   "to",
			Attrs: map[string]string{"jid": d.JID.String()},
			Content: []binary.Node{{
				Tag:     "enc",
				Attrs:   map[string]string{"v": "2", "type": msgType},
				Content: ciphertext,
			}},
		}
		if opts.RetryResendTo != nil {
			tagResendCount(&node, opts.RetryResendTo.Count)
		}
		recipientNodes = append(recipientNodes, node)
		includeIdentity = includeIdentity || msgType == "pkmsg"
	}

	node := &binary.Node{
		Tag:     "message",
		Attrs:   messageAttrs(messageID, to, opts, "", false),
		Content: []binary.Node{{Tag: "participants", Content: recipientNodes}},
	}
	if includeIdentity {
		appendDeviceIdentity(node, r.deviceIdentityBlob())
	}

	if err := r.sender.SendNode(ctx, node); err != nil {
		return Result{}, fmt.Errorf("relay: send dm: %w", err)
	}
	return Result{}, nil
}

func (r *Relay) resolvePatch(payload []byte, recipients []jid.JID, fn func([]byte, []jid.JID) (PatchResult, error)) (PatchResult, error) {
	return fn(payload, recipients)
}

func (r *Relay) encryptSKDMOrSkip(ctx context.Context, group jid.JID, recipient jid.JID) (*binary.Node, bool, error) {
	if recipient.IsHosted() || recipient.Device == jid.DeviceReserved {
		return nil, false, nil
	}
	addr := recipient.SignalAddress()
	msgType, ciphertext, err := r.crypto.EncryptSKDMFor(ctx, addr, group.String())
	if err != nil {
		return nil, false, err
	}
	node := &binary.Node{
		Tag:   "to",
		Attrs: map[string]string{"jid": recipient.String()},
		Content: []binary.Node{{
			Tag:     "enc",
			Attrs:   map[string]string{"v": "2", "type": msgType},
			Content: ciphertext,
		}},
	}
	return node, msgType == "pkmsg", nil
}

func (r *Relay) deviceIdentityBlob() []byte {
	values, err := r.st.Get(store.CategoryCreds, []string{"device-identity"})
	if err != nil {
		return nil
	}
	return values["device-identity"]
}

// participantHash computes the group participant-list hash: sort,
// SHA-256, truncate to 6 bytes, prefix with a version tag.
func participantHash(participants []jid.JID) string {
	strs := make([]string, len(participants))
	for i, p := range participants {
		strs[i] = p.String()
	}
	sort.Strings(strs)
	sum := sha256.Sum256([]byte(strings.Join(strs, "")))
	return fmt.Sprintf("2:%s", base64.RawStdEncoding.EncodeToString(sum[:6]))
}

func messageTypeOrDefault(t string) string {
	if t == "" {
		return "text"
	}
	return t
}

func tagResendCount(node *binary.Node, count int) {
	children := node.GetChildren()
	for i := range children {
		if children[i].Tag == "enc" {
			if children[i].Attrs == nil {
				children[i].Attrs = map[string]string{}
			}
			children[i].Attrs["count"] = fmt.Sprintf("%d", count)
		}
	}
	node.Content = children
}
