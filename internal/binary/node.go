// Package binary implements the dictionary-coded binary-node XML codec that
// carries every stanza once the Noise transport is in
// transport mode. It is treated by the rest of the core as an external
// collaborator: the Fan-Out Relay and Connection Supervisor
// only ever call Marshal/Unmarshal, never reach into the token table.
package binary

import (
	"bytes"
	"compress/flate"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

// Node is one binary-node XML element: a tag, a set of string attributes,
// and content that is either absent, raw bytes, or a list of child nodes.
type Node struct {
	Tag     string
	Attrs   map[string]string
	Content interface{} // nil, []byte, or []Node
}

// GetChildren returns Content as a node list, or nil if Content holds
// something else (bytes, string, or is absent).
func (n Node) GetChildren() []Node {
	children, _ := n.Content.([]Node)
	return children
}

// GetChild returns the first direct child with the given tag.
func (n Node) GetChild(tag string) (Node, bool) {
	for _, child := range n.GetChildren() {
		if child.Tag == tag {
			return child, true
		}
	}
	return Node{}, false
}

var (
	ErrTruncated       = errors.New("binary: truncated node stream")
	ErrUnsupportedFlag = errors.New("binary: unsupported stream flag")
)

// contentKindList/contentKindBytes disambiguate a node's content on the
// wire: a raw child count and a raw byte-length prefix are both small
// integers, so an explicit one-byte discriminator precedes either form
// rather than guessing from magnitude.
const (
	contentKindList  = 0x01
	contentKindBytes = 0x02
)

// flagCompressed marks a FLATE-compressed node payload, mirroring the
// optional compression slot in the real wire format.
const flagCompressed = 0x02

// Marshal encodes node into its dictionary-coded binary form, prefixed with
// a one-byte stream flag. When compress is true the encoded body is
// FLATE-compressed first — useful for the larger history-sync and
// app-state payloads the Fan-Out Relay and Event Buffer exchange.
func Marshal(node *Node, compress bool) ([]byte, error) {
	var body bytes.Buffer
	encodeNode(&body, node)

	if !compress {
		out := make([]byte, 1+body.Len())
		out[0] = 0x00
		copy(out[1:], body.Bytes())
		return out, nil
	}

	var compressed bytes.Buffer
	w, err := flate.NewWriter(&compressed, flate.BestSpeed)
	if err != nil {
		return nil, fmt.Errorf("binary: flate writer: %w", err)
	}
	if _, err := w.Write(body.Bytes()); err != nil {
		return nil, fmt.Errorf("binary: flate compress: %w", err)
	}
	if err := w.Close(); err != nil {
		return nil, fmt.Errorf("binary: flate close: %w", err)
	}

	out := make([]byte, 1+compressed.Len())
	out[0] = flagCompressed
	copy(out[1:], compressed.Bytes())
	return out, nil
}

// Unmarshal decodes a stream produced by Marshal, transparently inflating
// it first if the stream flag marks it compressed.
func Unmarshal(data []byte) (*Node, error) {
	if len(data) < 1 {
		return nil, ErrTruncated
	}

	flag, body := data[0], data[1:]
	switch flag {
	case 0x00:
		// uncompressed, fall through
	case flagCompressed:
		r := flate.NewReader(bytes.NewReader(body))
		defer r.Close()
		inflated, err := io.ReadAll(r)
		if err != nil {
			return nil, fmt.Errorf("binary: flate decompress: %w", err)
		}
		body = inflated
	default:
		return nil, fmt.Errorf("%w: 0x%02x", ErrUnsupportedFlag, flag)
	}

	reader := bytes.NewReader(body)
	return decodeNode(reader)
}

func encodeNode(buf *bytes.Buffer, node *Node) {
	if node == nil {
		buf.WriteByte(0x00)
		return
	}

	numAttrs := len(node.Attrs)
	hasContent := node.Content != nil

	descriptor := numAttrs << 1
	if hasContent {
		descriptor |= 1
	}
	buf.WriteByte(byte(descriptor))

	encodeString(buf, node.Tag)

	// Attribute order must be stable for the handshake-hash-adjacent
	// stanzas (retry receipts, IQ round-trips matched by id) to compare
	// equal across encode/decode/encode cycles, so attrs are written in
	// dictionary order rather than Go's randomized map order.
	for _, key := range sortedKeys(node.Attrs) {
		encodeString(buf, key)
		encodeString(buf, node.Attrs[key])
	}

	if hasContent {
		switch content := node.Content.(type) {
		case []byte:
			buf.WriteByte(contentKindBytes)
			encodeBytes(buf, content)
		case []Node:
			buf.WriteByte(contentKindList)
			buf.WriteByte(byte(len(content)))
			for i := range content {
				encodeNode(buf, &content[i])
			}
		default:
			panic(fmt.Sprintf("binary: unsupported content type %T", content))
		}
	}
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	// Simple insertion sort: attribute counts per stanza are tiny (single
	// digits), so this avoids pulling in sort for a handful of elements.
	for i := 1; i < len(keys); i++ {
		for j := i; j > 0 && keys[j-1] > keys[j]; j-- {
			keys[j-1], keys[j] = keys[j], keys[j-1]
		}
	}
	return keys
}

// rawStringShort/rawStringLong escape a string that isn't in the
// dictionary. They must never collide with a dictionaryIndex code, so raw
// strings are always explicitly escaped rather than inferred from
// magnitude (a raw string happening to have the same length as a populated
// dictionary slot would otherwise be misread as that token).
const (
	rawStringShort = 0xFC
	rawStringLong  = 0xFD
)

func encodeString(buf *bytes.Buffer, s string) {
	if idx, ok := dictionaryIndex(s); ok {
		buf.WriteByte(byte(idx))
		return
	}

	if len(s) < 0xF0 {
		buf.WriteByte(rawStringShort)
		buf.WriteByte(byte(len(s)))
		buf.WriteString(s)
		return
	}
	buf.WriteByte(rawStringLong)
	var lenBuf [2]byte
	binary.BigEndian.PutUint16(lenBuf[:], uint16(len(s)))
	buf.Write(lenBuf[:])
	buf.WriteString(s)
}

func encodeBytes(buf *bytes.Buffer, data []byte) {
	if len(data) < 0x100 {
		buf.WriteByte(byte(len(data)))
	} else {
		buf.WriteByte(0xFE)
		var lenBuf [4]byte
		binary.BigEndian.PutUint32(lenBuf[:], uint32(len(data)))
		buf.Write(lenBuf[:])
	}
	buf.Write(data)
}

func decodeNode(reader *bytes.Reader) (*Node, error) {
	descriptor, err := reader.ReadByte()
	if err != nil {
		return nil, ErrTruncated
	}
	if descriptor == 0x00 {
		return nil, nil
	}

	numAttrs := int(descriptor >> 1)
	hasContent := descriptor&1 == 1

	tag, err := decodeString(reader)
	if err != nil {
		return nil, err
	}

	var attrs map[string]string
	if numAttrs > 0 {
		attrs = make(map[string]string, numAttrs)
		for i := 0; i < numAttrs; i++ {
			key, err := decodeString(reader)
			if err != nil {
				return nil, err
			}
			val, err := decodeString(reader)
			if err != nil {
				return nil, err
			}
			attrs[key] = val
		}
	}

	node := &Node{Tag: tag, Attrs: attrs}

	if hasContent {
		kind, err := reader.ReadByte()
		if err != nil {
			return nil, ErrTruncated
		}

		switch kind {
		case contentKindList:
			count, err := reader.ReadByte()
			if err != nil {
				return nil, ErrTruncated
			}
			children := make([]Node, count)
			for i := range children {
				child, err := decodeNode(reader)
				if err != nil {
					return nil, err
				}
				if child != nil {
					children[i] = *child
				}
			}
			node.Content = children
		case contentKindBytes:
			data, err := decodeBytes(reader)
			if err != nil {
				return nil, err
			}
			node.Content = data
		default:
			return nil, fmt.Errorf("binary: unknown content kind 0x%02x", kind)
		}
	}

	return node, nil
}

func decodeString(reader *bytes.Reader) (string, error) {
	b, err := reader.ReadByte()
	if err != nil {
		return "", ErrTruncated
	}

	var length int
	switch b {
	case rawStringShort:
		lb, err := reader.ReadByte()
		if err != nil {
			return "", ErrTruncated
		}
		length = int(lb)
	case rawStringLong:
		var lenBuf [2]byte
		if _, err := io.ReadFull(reader, lenBuf[:]); err != nil {
			return "", ErrTruncated
		}
		length = int(binary.BigEndian.Uint16(lenBuf[:]))
	default:
		if s, ok := dictionaryEntry(int(b)); ok {
			return s, nil
		}
		return "", fmt.Errorf("binary: unknown string code 0x%02x", b)
	}

	buf := make([]byte, length)
	if _, err := io.ReadFull(reader, buf); err != nil {
		return "", ErrTruncated
	}
	return string(buf), nil
}

func decodeBytes(reader *bytes.Reader) ([]byte, error) {
	b, err := reader.ReadByte()
	if err != nil {
		return nil, ErrTruncated
	}

	var length int
	if b == 0xFE {
		var lenBuf [4]byte
		if _, err := io.ReadFull(reader, lenBuf[:]); err != nil {
			return nil, ErrTruncated
		}
		length = int(binary.BigEndian.Uint32(lenBuf[:]))
	} else {
		length = int(b)
	}

	buf := make([]byte, length)
	if _, err := io.ReadFull(reader, buf); err != nil {
		return nil, ErrTruncated
	}
	return buf, nil
}
