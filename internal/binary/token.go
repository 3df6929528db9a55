package binary

// tokens is the single-byte dictionary-coded token table (version 3 style):
// common tags, attribute names, and attribute values get a one-byte code
// instead of a length-prefixed string. Index 0 is a real sentinel rather
// than a run of blanks.
var tokens = [256]string{
	1: "account", 2: "ack", 3: "action", 4: "active", 5: "add", 6: "after",
	7: "all", 8: "allow", 9: "and", 10: "android", 11: "announce", 12: "archive",
	13: "available", 14: "battery", 15: "before", 16: "block", 17: "body",
	18: "broadcast", 19: "call", 20: "call-creator", 21: "call-id", 22: "cancel",
	23: "caption", 24: "chat", 25: "child", 26: "clear", 27: "code",
	28: "composing", 29: "config", 30: "contact", 31: "contacts", 32: "count",
	33: "create", 34: "creator", 35: "decrypt", 36: "delete", 37: "demote",
	38: "description", 39: "device", 40: "devices", 41: "disappearing",
	42: "done", 43: "download", 44: "edit", 45: "elapsed", 46: "encoding",
	47: "encrypt", 48: "end", 49: "ephemeral", 50: "error", 51: "event",
	52: "exit", 53: "expiration", 54: "failure", 55: "false", 56: "fan_out",
	57: "file", 58: "filename", 59: "format", 60: "from", 61: "full",
	62: "g.us", 63: "get", 64: "gif", 65: "group", 66: "groups", 67: "hash",
	68: "height", 69: "host", 70: "id", 71: "identity", 72: "image", 73: "in",
	74: "inactive", 75: "index", 76: "info", 77: "interactive", 78: "invite",
	79: "ios", 80: "iq", 81: "is", 82: "item", 83: "items", 84: "jid",
	85: "keep", 86: "key", 87: "keyvalue", 88: "keys", 89: "kind", 90: "large",
	91: "last", 92: "leave", 93: "lid", 94: "limit", 95: "linked", 96: "list",
	97: "live", 98: "location", 99: "locked", 100: "md", 101: "media",
	102: "media_type", 103: "member", 104: "message", 105: "messages",
	106: "meta", 107: "mime", 108: "mirror", 109: "mms", 110: "modify",
	111: "msg", 112: "mute", 113: "name", 114: "network", 115: "new",
	116: "news", 117: "newsletter", 118: "none", 119: "not", 120: "notification",
	121: "notify", 122: "number", 123: "of", 124: "offline", 125: "opt",
	126: "order", 127: "out",
	// index 128+ use the high bit (marker of "raw bytes" for content), so
	// those codes are reserved for lower-frequency tokens identified by a
	// two-token escape: 0x80 itself is never assigned here.
}

// tokensHigh extends the table past 0x80 for attribute values and stanza
// types that still benefit from dictionary coding. It stops at 251: 0xFC,
// 0xFD, and 0xFE are reserved escape/length markers (see
// encodeString/encodeBytes), so no dictionary entry may use those codes.
var tokensHigh = map[string]byte{
	"owner": 200, "paid": 201, "pairing": 202, "participant": 203,
	"participants": 204, "paused": 205, "phash": 206, "phone": 207,
	"photo": 208, "picture": 209, "pin": 210, "pinned": 211, "platform": 212,
	"pn": 213, "preview": 214, "previous": 215, "primary": 216, "private": 217,
	"promote": 218, "props": 219, "protocol": 220, "push": 221, "pushname": 222,
	"query": 223, "quit": 224, "quote": 225, "rate": 226, "read": 227,
	"reason": 228, "receipt": 229, "received": 230, "recipient": 231,
	"remove": 232, "removed": 233, "reply": 234, "report": 235, "request": 236,
	"require": 237, "reset": 238, "resource": 239, "result": 240, "retry": 241,
	"revoke": 242, "s.whatsapp.net": 243, "screen": 244, "search": 245,
	"sec": 246, "secret": 247, "seen": 248, "sender": 249, "serial": 250,
	"server": 251,
}

func dictionaryEntry(b int) (string, bool) {
	if b < 0x80 {
		s := tokens[b]
		return s, s != ""
	}
	for s, code := range tokensHigh {
		if int(code) == b {
			return s, true
		}
	}
	return "", false
}

func dictionaryIndex(s string) (int, bool) {
	for i, tok := range tokens {
		if i == 0 {
			continue
		}
		if tok == s {
			return i, true
		}
	}
	if code, ok := tokensHigh[s]; ok {
		return int(code), true
	}
	return 0, false
}
