package cluster

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/ent0n29/parley/internal/codec"
)

// NATSConfig configures a NATS-backed network.
type NATSConfig struct {
	URL               string
	SubjectPrefix     string
	HeartbeatInterval time.Duration
	NodeTTL           time.Duration
	CallTimeout       time.Duration
}

// NATSNetwork discovers peers through periodic heartbeats and reaches them
// with request/reply. A peer whose heartbeat is older than NodeTTL, or that
// announced its departure, is reported as terminated.
type NATSNetwork struct {
	cfg  NATSConfig
	self Node
	nc   *nats.Conn

	mu        sync.Mutex
	peers     map[NodeID]*natsPeer
	watchers  map[NodeID]map[int]func(Node)
	nextWatch int
	subs      []*nats.Subscription

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

type natsPeer struct {
	node     Node
	lastSeen time.Time
}

type heartbeat struct {
	Node    Node `cbor:"node"`
	Leaving bool `cbor:"leaving,omitempty"`
}

type invokeReply struct {
	Body  []byte       `cbor:"body,omitempty"`
	Error *RemoteError `cbor:"error,omitempty"`
}

func NewNATSNetwork(self Node, cfg NATSConfig) (*NATSNetwork, error) {
	if cfg.SubjectPrefix == "" {
		cfg.SubjectPrefix = "parley"
	}
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = 2 * time.Second
	}
	if cfg.NodeTTL <= cfg.HeartbeatInterval {
		cfg.NodeTTL = 3 * cfg.HeartbeatInterval
	}
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = 5 * time.Second
	}
	nc, err := nats.Connect(cfg.URL,
		nats.Name("parley-"+string(self.ID)),
		nats.MaxReconnects(-1),
	)
	if err != nil {
		return nil, fmt.Errorf("connect nats: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	n := &NATSNetwork{
		cfg:      cfg,
		self:     self,
		nc:       nc,
		peers:    make(map[NodeID]*natsPeer),
		watchers: make(map[NodeID]map[int]func(Node)),
		ctx:      ctx,
		cancel:   cancel,
	}

	sub, err := nc.Subscribe(n.heartbeatSubject(), n.onHeartbeat)
	if err != nil {
		cancel()
		nc.Close()
		return nil, fmt.Errorf("subscribe heartbeats: %w", err)
	}
	n.subs = append(n.subs, sub)

	n.wg.Add(1)
	go n.heartbeatLoop()
	return n, nil
}

func (n *NATSNetwork) Self() Node { return n.self }

func (n *NATSNetwork) heartbeatSubject() string {
	return n.cfg.SubjectPrefix + ".heartbeat"
}

func (n *NATSNetwork) nodeSubject(id NodeID, verb string) string {
	return n.cfg.SubjectPrefix + ".node." + string(id) + "." + verb
}

func (n *NATSNetwork) publishHeartbeat(leaving bool) {
	data, err := codec.Marshal(heartbeat{Node: n.self, Leaving: leaving})
	if err != nil {
		return
	}
	_ = n.nc.Publish(n.heartbeatSubject(), data)
}

func (n *NATSNetwork) heartbeatLoop() {
	defer n.wg.Done()
	ticker := time.NewTicker(n.cfg.HeartbeatInterval)
	defer ticker.Stop()
	n.publishHeartbeat(false)
	for {
		select {
		case <-n.ctx.Done():
			return
		case <-ticker.C:
			n.publishHeartbeat(false)
			n.reapExpired()
		}
	}
}

func (n *NATSNetwork) onHeartbeat(msg *nats.Msg) {
	var hb heartbeat
	if err := codec.Unmarshal(msg.Data, &hb); err != nil {
		return
	}
	if hb.Leaving {
		n.terminate(hb.Node.ID)
		return
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	p, ok := n.peers[hb.Node.ID]
	if !ok {
		p = &natsPeer{node: hb.Node}
		n.peers[hb.Node.ID] = p
	}
	p.lastSeen = time.Now()
}

func (n *NATSNetwork) reapExpired() {
	cutoff := time.Now().Add(-n.cfg.NodeTTL)
	var expired []NodeID
	n.mu.Lock()
	for id, p := range n.peers {
		if id != n.self.ID && p.lastSeen.Before(cutoff) {
			expired = append(expired, id)
		}
	}
	n.mu.Unlock()
	for _, id := range expired {
		log.Printf("cluster: node %s missed heartbeats, marking terminated", id)
		n.terminate(id)
	}
}

func (n *NATSNetwork) terminate(id NodeID) {
	n.mu.Lock()
	p, ok := n.peers[id]
	delete(n.peers, id)
	watchers := n.watchers[id]
	delete(n.watchers, id)
	n.mu.Unlock()
	if !ok {
		return
	}
	for _, fn := range watchers {
		fn(p.node)
	}
}

func (n *NATSNetwork) ListNodes(ctx context.Context, kind string) ([]Node, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	out := make([]Node, 0, len(n.peers)+1)
	if kind == "" || n.self.Kind == kind {
		out = append(out, n.self)
	}
	for id, p := range n.peers {
		if id == n.self.ID {
			continue
		}
		if kind == "" || p.node.Kind == kind {
			out = append(out, p.node)
		}
	}
	return out, nil
}

func (n *NATSNetwork) WatchTermination(node Node, onTerminated func(Node)) func() {
	n.mu.Lock()
	if _, alive := n.peers[node.ID]; !alive {
		n.mu.Unlock()
		go onTerminated(node)
		return func() {}
	}
	id := n.nextWatch
	n.nextWatch++
	if n.watchers[node.ID] == nil {
		n.watchers[node.ID] = make(map[int]func(Node))
	}
	n.watchers[node.ID][id] = onTerminated
	n.mu.Unlock()

	return func() {
		n.mu.Lock()
		defer n.mu.Unlock()
		delete(n.watchers[node.ID], id)
	}
}

func (n *NATSNetwork) Serve(endpoint Endpoint) error {
	lookup, err := n.nc.Subscribe(n.nodeSubject(n.self.ID, "lookup"), func(msg *nats.Msg) {
		reply := []byte{0}
		if endpoint.Hosts(string(msg.Data)) {
			reply = []byte{1}
		}
		_ = msg.Respond(reply)
	})
	if err != nil {
		return fmt.Errorf("subscribe lookup: %w", err)
	}
	invoke, err := n.nc.Subscribe(n.nodeSubject(n.self.ID, "invoke"), func(msg *nats.Msg) {
		// Calls may block (subscribe waits for the next notification), so
		// each one gets its own goroutine instead of the subscription's.
		n.wg.Add(1)
		go func() {
			defer n.wg.Done()
			n.serveInvoke(endpoint, msg)
		}()
	})
	if err != nil {
		_ = lookup.Unsubscribe()
		return fmt.Errorf("subscribe invoke: %w", err)
	}
	n.mu.Lock()
	n.subs = append(n.subs, lookup, invoke)
	n.mu.Unlock()
	return nil
}

func (n *NATSNetwork) serveInvoke(endpoint Endpoint, msg *nats.Msg) {
	var out invokeReply
	var call Call
	if err := codec.Unmarshal(msg.Data, &call); err != nil {
		out.Error = &RemoteError{Code: "bad_request", Message: err.Error()}
	} else if body, err := endpoint.Invoke(n.ctx, call); err != nil {
		out.Error = AsRemote(err)
	} else {
		out.Body = body
	}
	data, err := codec.Marshal(out)
	if err != nil {
		return
	}
	_ = msg.Respond(data)
}

func (n *NATSNetwork) Lookup(ctx context.Context, node NodeID, key string) (bool, error) {
	ctx, cancel := context.WithTimeout(ctx, n.cfg.CallTimeout)
	defer cancel()
	msg, err := n.nc.RequestWithContext(ctx, n.nodeSubject(node, "lookup"), []byte(key))
	if err != nil {
		return false, n.requestError(node, err)
	}
	return len(msg.Data) == 1 && msg.Data[0] == 1, nil
}

func (n *NATSNetwork) Invoke(ctx context.Context, node NodeID, call Call) ([]byte, error) {
	data, err := codec.Marshal(call)
	if err != nil {
		return nil, fmt.Errorf("encode call: %w", err)
	}
	msg, err := n.nc.RequestWithContext(ctx, n.nodeSubject(node, "invoke"), data)
	if err != nil {
		return nil, n.requestError(node, err)
	}
	var reply invokeReply
	if err := codec.Unmarshal(msg.Data, &reply); err != nil {
		return nil, fmt.Errorf("decode reply: %w", err)
	}
	if reply.Error != nil {
		return nil, reply.Error
	}
	return reply.Body, nil
}

func (n *NATSNetwork) requestError(node NodeID, err error) error {
	if errors.Is(err, nats.ErrNoResponders) || errors.Is(err, nats.ErrConnectionClosed) {
		return fmt.Errorf("%s: %w: %v", node, ErrNodeUnavailable, err)
	}
	return fmt.Errorf("request %s: %w", node, err)
}

// Close announces departure, stops answering peers and drains the connection.
func (n *NATSNetwork) Close() error {
	n.publishHeartbeat(true)
	n.mu.Lock()
	subs := n.subs
	n.subs = nil
	n.mu.Unlock()
	for _, sub := range subs {
		_ = sub.Unsubscribe()
	}
	n.cancel()
	n.wg.Wait()
	return n.nc.Drain()
}
