package cryptoengine

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/wacore/wacore/internal/binary"
	"github.com/wacore/wacore/internal/jid"
)

const groupQueryTimeout = 20 * time.Second

// GroupQuerier is the Connection Supervisor's request/reply contract, used
// here to fetch group metadata on a cache miss.
type GroupQuerier interface {
	Query(ctx context.Context, node *binary.Node, timeout time.Duration) (*binary.Node, error)
}

// GroupCache implements relay.GroupInfoProvider: an in-memory cache of
// group participant lists with RPC fallback on miss or when the caller
// declines a cached answer").
type GroupCache struct {
	querier GroupQuerier
	log     *zap.SugaredLogger

	mu    sync.RWMutex
	cache map[string][]jid.JID
}

// NewGroupCache builds an empty cache over querier.
func NewGroupCache(querier GroupQuerier, log *zap.SugaredLogger) *GroupCache {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	return &GroupCache{querier: querier, log: log, cache: make(map[string][]jid.JID)}
}

// GetGroupParticipants implements relay.GroupInfoProvider.
func (g *GroupCache) GetGroupParticipants(ctx context.Context, group jid.JID, cachedOK bool) ([]jid.JID, error) {
	key := group.String()

	if cachedOK {
		g.mu.RLock()
		participants, ok := g.cache[key]
		g.mu.RUnlock()
		if ok {
			return participants, nil
		}
	}

	participants, err := g.fetchParticipants(ctx, group)
	if err != nil {
		return nil, err
	}

	g.mu.Lock()
	g.cache[key] = participants
	g.mu.Unlock()
	return participants, nil
}

// Invalidate drops a group's cached participant list, called when a
// participant-add/remove notification arrives outside the send path.
func (g *GroupCache) Invalidate(group jid.JID) {
	g.mu.Lock()
	delete(g.cache, group.String())
	g.mu.Unlock()
}

func (g *GroupCache) fetchParticipants(ctx context.Context, group jid.JID) ([]jid.JID, error) {
	req := &binary.Node{
		Tag: "iq",
		Attrs: map[string]string{
			"xmlns": "w:g2",
			"type":  "get",
			"to":    group.String(),
		},
		Content: []binary.Node{
			{Tag: "query", Attrs: map[string]string{"request": "interactive"}},
		},
	}
	resp, err := g.querier.Query(ctx, req, groupQueryTimeout)
	if err != nil {
		return nil, fmt.Errorf("cryptoengine: fetch group metadata for %s: %w", group.String(), err)
	}

	groupNode, ok := resp.GetChild("group")
	if !ok {
		return nil, fmt.Errorf("cryptoengine: group metadata response for %s missing group node", group.String())
	}

	var participants []jid.JID
	for _, child := range groupNode.GetChildren() {
		if child.Tag != "participant" {
			continue
		}
		rawJID, ok := child.Attrs["jid"]
		if !ok {
			continue
		}
		parsed, err := jid.Parse(rawJID)
		if err != nil {
			g.log.Warnw("cryptoengine: skipping unparseable group participant", "group", group.String(), "jid", rawJID, "error", err)
			continue
		}
		participants = append(participants, parsed)
	}
	return participants, nil
}
