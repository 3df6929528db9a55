package resolver

import (
	"fmt"
	"strconv"
	"sync/atomic"

	"github.com/wacore/wacore/internal/binary"
	"github.com/wacore/wacore/internal/jid"
)

// buildUSyncQuery builds the iq/usync/query+list stanza used to resolve
// a batch of user JIDs to their device lists.
func buildUSyncQuery(targets []jid.JID) *binary.Node {
	userList := make([]binary.Node, len(targets))
	for i, t := range targets {
		userList[i] = binary.Node{
			Tag:   "user",
			Attrs: map[string]string{"jid": jid.NewJID(t.User, jid.ServerPN).String()},
		}
	}
	return &binary.Node{
		Tag: "iq",
		Attrs: map[string]string{
			"xmlns": "usync",
			"type":  "get",
			"to":    "s.whatsapp.net",
		},
		Content: []binary.Node{
			{
				Tag: "usync",
				Attrs: map[string]string{
					"sid":     generateRequestID(),
					"mode":    "query",
					"last":    "true",
					"index":   "0",
					"context": "message",
				},
				Content: []binary.Node{
					{
						Tag: "query",
						Content: []binary.Node{
							{Tag: "devices", Attrs: map[string]string{"version": "2"}},
							{Tag: "lid"},
						},
					},
					{Tag: "list", Content: userList},
				},
			},
		},
	}
}

// parseUSyncResponse returns, per PN user, the resolved device JIDs and
// any newly learned PN→LID mapping.
func parseUSyncResponse(resp *binary.Node) (perUser map[string][]jid.JID, lidUpdates map[string]string, err error) {
	usync, ok := resp.GetChild("usync")
	if !ok {
		return nil, nil, fmt.Errorf("resolver: response missing usync child")
	}
	list, ok := usync.GetChild("list")
	if !ok {
		return nil, nil, fmt.Errorf("resolver: usync response missing list")
	}

	perUser = make(map[string][]jid.JID)
	lidUpdates = make(map[string]string)

	for _, userNode := range list.GetChildren() {
		if userNode.Tag != "user" {
			continue
		}
		rawJID, ok := userNode.Attrs["jid"]
		if !ok {
			continue
		}
		userJID, err := jid.Parse(rawJID)
		if err != nil {
			continue
		}

		if devicesNode, ok := userNode.GetChild("devices"); ok {
			if deviceList, ok := devicesNode.GetChild("device-list"); ok {
				for _, deviceNode := range deviceList.GetChildren() {
					if deviceNode.Tag != "device" {
						continue
					}
					idStr, ok := deviceNode.Attrs["id"]
					if !ok {
						continue
					}
					deviceID, err := strconv.ParseUint(idStr, 10, 16)
					if err != nil {
						continue
					}
					deviceJID := jid.NewADJID(userJID.User, uint16(deviceID), jid.ServerPN)
					if !deviceJID.IsEncryptionTarget() {
						continue
					}
					perUser[userJID.User] = append(perUser[userJID.User], deviceJID)
				}
			}
		}

		if lidNode, ok := userNode.GetChild("lid"); ok {
			if lidVal, ok := lidNode.Attrs["val"]; ok {
				lidUpdates[userJID.User] = lidVal
			}
		}
	}

	return perUser, lidUpdates, nil
}

// buildKeyFetchIQ builds the single "key" IQ that fetches pre-key bundles
// for multiple addresses at once.
func buildKeyFetchIQ(targets []jid.JID) *binary.Node {
	userList := make([]binary.Node, len(targets))
	for i, t := range targets {
		userList[i] = binary.Node{
			Tag:   "user",
			Attrs: map[string]string{"jid": t.String()},
		}
	}
	return &binary.Node{
		Tag: "iq",
		Attrs: map[string]string{
			"xmlns": "encrypt",
			"type":  "get",
			"to":    "s.whatsapp.net",
		},
		Content: []binary.Node{
			{Tag: "key", Content: []binary.Node{{Tag: "list", Content: userList}}},
		},
	}
}

func encodeDeviceList(devices []jid.JID) []byte {
	out := make([]byte, 0, len(devices)*2)
	for _, d := range devices {
		out = append(out, byte(d.Device>>8), byte(d.Device))
	}
	return out
}

var requestIDCounter uint64

// generateRequestID produces a short monotonically increasing sid for
// query stanzas.
func generateRequestID() string {
	n := atomic.AddUint64(&requestIDCounter, 1)
	return fmt.Sprintf("%d.%d", n, n*7919%104729)
}
