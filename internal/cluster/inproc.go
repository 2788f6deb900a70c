package cluster

import (
	"context"
	"fmt"
	"sync"
)

// Hub is an in-process cluster: every joined node sees every other one, calls
// are direct function calls, and Kill simulates node death.
type Hub struct {
	mu        sync.Mutex
	nodes     map[NodeID]*hubMember
	watchers  map[NodeID]map[int]func(Node)
	nextWatch int

	// BeforeLookup, when set, runs before every lookup is delivered.
	BeforeLookup func(from, to NodeID, key string)
}

type hubMember struct {
	node     Node
	endpoint Endpoint
}

func NewHub() *Hub {
	return &Hub{
		nodes:    make(map[NodeID]*hubMember),
		watchers: make(map[NodeID]map[int]func(Node)),
	}
}

// Join adds a node to the hub and returns its network view.
func (h *Hub) Join(node Node) *LocalNetwork {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.nodes[node.ID] = &hubMember{node: node}
	return &LocalNetwork{hub: h, self: node}
}

// Kill removes a node and notifies everyone watching it.
func (h *Hub) Kill(id NodeID) {
	h.mu.Lock()
	m, ok := h.nodes[id]
	if !ok {
		h.mu.Unlock()
		return
	}
	delete(h.nodes, id)
	watchers := h.watchers[id]
	delete(h.watchers, id)
	h.mu.Unlock()

	for _, fn := range watchers {
		fn(m.node)
	}
}

func (h *Hub) endpoint(id NodeID) (Endpoint, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	m, ok := h.nodes[id]
	if !ok || m.endpoint == nil {
		return nil, fmt.Errorf("%s: %w", id, ErrNodeUnavailable)
	}
	return m.endpoint, nil
}

// LocalNetwork is one node's handle on a Hub.
type LocalNetwork struct {
	hub  *Hub
	self Node
}

func (n *LocalNetwork) Self() Node { return n.self }

func (n *LocalNetwork) Serve(endpoint Endpoint) error {
	n.hub.mu.Lock()
	defer n.hub.mu.Unlock()
	m, ok := n.hub.nodes[n.self.ID]
	if !ok {
		return fmt.Errorf("%s: %w", n.self.ID, ErrNodeUnavailable)
	}
	m.endpoint = endpoint
	return nil
}

func (n *LocalNetwork) ListNodes(ctx context.Context, kind string) ([]Node, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	n.hub.mu.Lock()
	defer n.hub.mu.Unlock()
	out := make([]Node, 0, len(n.hub.nodes))
	for _, m := range n.hub.nodes {
		if kind == "" || m.node.Kind == kind {
			out = append(out, m.node)
		}
	}
	return out, nil
}

func (n *LocalNetwork) WatchTermination(node Node, onTerminated func(Node)) func() {
	n.hub.mu.Lock()
	if _, alive := n.hub.nodes[node.ID]; !alive {
		n.hub.mu.Unlock()
		go onTerminated(node)
		return func() {}
	}
	id := n.hub.nextWatch
	n.hub.nextWatch++
	if n.hub.watchers[node.ID] == nil {
		n.hub.watchers[node.ID] = make(map[int]func(Node))
	}
	n.hub.watchers[node.ID][id] = onTerminated
	n.hub.mu.Unlock()

	return func() {
		n.hub.mu.Lock()
		defer n.hub.mu.Unlock()
		delete(n.hub.watchers[node.ID], id)
	}
}

func (n *LocalNetwork) Lookup(ctx context.Context, node NodeID, key string) (bool, error) {
	if hook := n.hub.BeforeLookup; hook != nil {
		hook(n.self.ID, node, key)
	}
	ep, err := n.hub.endpoint(node)
	if err != nil {
		return false, err
	}
	if err := ctx.Err(); err != nil {
		return false, err
	}
	return ep.Hosts(key), nil
}

func (n *LocalNetwork) Invoke(ctx context.Context, node NodeID, call Call) ([]byte, error) {
	ep, err := n.hub.endpoint(node)
	if err != nil {
		return nil, err
	}
	call.Body = append([]byte(nil), call.Body...)
	body, err := ep.Invoke(ctx, call)
	if err != nil {
		// Mirror the wire: only the code and message survive the hop.
		re := AsRemote(err)
		return nil, &RemoteError{Code: re.Code, Message: re.Message}
	}
	return body, nil
}

// Close removes this node from the hub, as a clean shutdown would.
func (n *LocalNetwork) Close() error {
	n.hub.Kill(n.self.ID)
	return nil
}
