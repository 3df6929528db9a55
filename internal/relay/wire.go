package relay

import (
	"encoding/json"
	"fmt"

	"github.com/wacore/wacore/internal/binary"
	"github.com/wacore/wacore/internal/jid"
)

// deviceSentMessage is the JSON envelope an own-device fan-out copy of a
// 1:1 message is wrapped in: the other device receiving it isn't the
// conversation's recipient, so it needs to be told who the message was
// actually addressed to.
type deviceSentMessage struct {
	DestinationJID string `json:"destinationJid"`
	Message        []byte `json:"message"`
}

// marshalDeviceSentMessage wraps plaintext in a deviceSentMessage envelope
// naming to as the real recipient, so a synced copy fanned out to one of
// the sender's own other devices still carries that information.
func marshalDeviceSentMessage(to jid.JID, plaintext []byte) ([]byte, error) {
	data, err := json.Marshal(deviceSentMessage{DestinationJID: to.String(), Message: plaintext})
	if err != nil {
		return nil, fmt.Errorf("relay: marshal device-sent-message envelope: %w", err)
	}
	return data, nil
}

// isOwnOtherDevice reports whether destination d is one of the sender's
// own non-recipient devices being fanned out a synced copy of a message
// actually addressed to someone else, rather than the real recipient.
// A self-chat (to.User == ownJID.User) has no "other" side to distinguish
// from, so it never takes the DSM branch.
func isOwnOtherDevice(to, ownJID, d jid.JID) bool {
	return to.User != ownJID.User && d.User == ownJID.User
}

// messageAttrs builds the wire stanza attributes for an outbound message
// node.
func messageAttrs(messageID string, to jid.JID, opts Options, phash string, isGroup bool) map[string]string {
	attrs := map[string]string{
		"id":   messageID,
		"to":   to.String(),
		"type": messageTypeOrDefault(opts.MessageType),
	}
	if opts.MediaType != "" {
		attrs["mediatype"] = opts.MediaType
	}
	if isGroup {
		if opts.AddressingModeLID {
			attrs["addressing_mode"] = "lid"
		} else {
			attrs["addressing_mode"] = "pn"
		}
	}
	if opts.ExpirationSeconds > 0 {
		attrs["expiration"] = fmt.Sprintf("%d", opts.ExpirationSeconds)
	}
	if opts.Edit != "" {
		attrs["edit"] = opts.Edit
		if isPinKeepReactionOrEdit(opts.Edit, opts.MessageType) {
			attrs["decrypt-fail"] = "hide"
		}
	}
	if !isGroup && phash != "" {
		attrs["phash"] = phash
	}
	return attrs
}

// isPinKeepReactionOrEdit reports whether the message type should set
// decrypt-fail=hide: pin/keep/reaction/edit messages.
func isPinKeepReactionOrEdit(edit, messageType string) bool {
	switch edit {
	case "1", "2": // edit, pin
		return true
	}
	switch messageType {
	case "reaction", "keep":
		return true
	}
	return false
}

func appendDeviceIdentity(node *binary.Node, blob []byte) {
	if blob == nil {
		return
	}
	node.Content = append(node.GetChildren(), binary.Node{Tag: "device-identity", Content: blob})
}
