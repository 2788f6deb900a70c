// Package placement keeps at most one live instance per entity key across the
// cluster (best effort, see Resolve) and gives any node a usable reference to
// it.
package placement

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sort"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"github.com/ent0n29/parley/internal/cluster"
	"github.com/ent0n29/parley/internal/observability"
)

// Key names one logical entity cluster-wide, "<kind>/<id>".
type Key string

// Kind returns the part of the key before the first slash.
func (k Key) Kind() string {
	kind, _, _ := strings.Cut(string(k), "/")
	return kind
}

// SpawnFunc builds the behavior for a key that no node hosts yet. It runs to
// completion even when the resolving caller gives up.
type SpawnFunc func(ctx context.Context, key Key) (Behavior, error)

// Entry is one row of the placement table.
type Entry struct {
	Key   Key            `json:"key"`
	Node  cluster.NodeID `json:"node"`
	Local bool           `json:"local"`
}

type Options struct {
	MailboxSize   int
	LookupTimeout time.Duration
	Metrics       *observability.Metrics
}

const opClose = "placement.close"

var errFound = errors.New("found")

// Registry is the placement table of one node. Its maps are only touched
// under mu; instances are only reached through their mailboxes.
type Registry struct {
	network cluster.Network
	self    cluster.Node
	opts    Options

	mu      sync.Mutex
	local   map[Key]*Instance
	remote  map[Key]cluster.NodeID
	watches map[cluster.NodeID]func()
	closed  bool

	spawns singleflight.Group
}

// NewRegistry creates the table and starts answering peers on network.
func NewRegistry(network cluster.Network, opts Options) (*Registry, error) {
	if opts.LookupTimeout <= 0 {
		opts.LookupTimeout = 2 * time.Second
	}
	r := &Registry{
		network: network,
		self:    network.Self(),
		opts:    opts,
		local:   make(map[Key]*Instance),
		remote:  make(map[Key]cluster.NodeID),
		watches: make(map[cluster.NodeID]func()),
	}
	if err := network.Serve(r); err != nil {
		return nil, fmt.Errorf("serve placement endpoint: %w", err)
	}
	return r, nil
}

func (r *Registry) Self() cluster.Node { return r.self }

// Resolve returns a reference to the instance for key. Known entries are
// answered from the table. Otherwise every peer placement node is asked
// whether it hosts key; the first positive answer wins. When none does, the
// instance is spawned here.
//
// Two nodes resolving the same new key at the same time can both miss each
// other and both spawn. That duplicate is accepted: there is no lease per
// key, availability wins over a strict single writer, and entities treat their
// local state as authoritative.
func (r *Registry) Resolve(ctx context.Context, key Key, spawn SpawnFunc) (Ref, error) {
	if key == "" {
		return Ref{}, ErrEmptyKey
	}
	start := time.Now()
	defer func() { r.opts.Metrics.ObserveOp("placement.resolve", time.Since(start)) }()

	if ref, ok := r.cached(key); ok {
		r.opts.Metrics.ObservePlacementLookup("cached")
		return ref, nil
	}

	// Concurrent resolutions of one key on this node share a single spawn.
	ch := r.spawns.DoChan(string(key), func() (any, error) {
		return r.resolveSlow(context.WithoutCancel(ctx), key, spawn)
	})
	select {
	case res := <-ch:
		if res.Err != nil {
			return Ref{}, res.Err
		}
		return res.Val.(Ref), nil
	case <-ctx.Done():
		return Ref{}, ctx.Err()
	}
}

func (r *Registry) cached(key Key) (Ref, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if inst, ok := r.local[key]; ok {
		return Ref{key: key, node: r.self.ID, inst: inst, reg: r}, true
	}
	if node, ok := r.remote[key]; ok {
		return Ref{key: key, node: node, reg: r}, true
	}
	return Ref{}, false
}

func (r *Registry) resolveSlow(ctx context.Context, key Key, spawn SpawnFunc) (Ref, error) {
	if ref, ok := r.cached(key); ok {
		return ref, nil
	}
	owner, found, err := r.askPeers(ctx, key)
	if err != nil {
		r.opts.Metrics.ObservePlacementLookup("error")
		return Ref{}, err
	}
	if found {
		r.mu.Lock()
		r.remote[key] = owner
		r.mu.Unlock()
		r.opts.Metrics.ObservePlacementLookup("remote")
		return Ref{key: key, node: owner, reg: r}, nil
	}
	return r.spawnLocal(ctx, key, spawn)
}

func (r *Registry) askPeers(ctx context.Context, key Key) (cluster.NodeID, bool, error) {
	nodes, err := r.network.ListNodes(ctx, cluster.KindPlacement)
	if err != nil {
		return "", false, fmt.Errorf("list placement nodes: %w", err)
	}

	lookupCtx, cancel := context.WithTimeout(ctx, r.opts.LookupTimeout)
	defer cancel()

	var (
		mu    sync.Mutex
		owner cluster.NodeID
		found bool
	)
	g, gctx := errgroup.WithContext(lookupCtx)
	for _, node := range nodes {
		if node.ID == r.self.ID {
			continue
		}
		r.watch(node)
		g.Go(func() error {
			ok, err := r.network.Lookup(gctx, node.ID, string(key))
			if err != nil {
				// A peer that does not answer is treated as not hosting key.
				return nil
			}
			if !ok {
				return nil
			}
			mu.Lock()
			defer mu.Unlock()
			if !found {
				found, owner = true, node.ID
			}
			return errFound
		})
	}
	_ = g.Wait()
	return owner, found, nil
}

func (r *Registry) spawnLocal(ctx context.Context, key Key, spawn SpawnFunc) (Ref, error) {
	behavior, err := spawn(ctx, key)
	if err != nil {
		r.opts.Metrics.ObservePlacementLookup("spawn_failed")
		return Ref{}, fmt.Errorf("spawn %s: %w", key, err)
	}
	inst := newInstance(key, behavior, r.opts.MailboxSize)
	ref := Ref{key: key, node: r.self.ID, inst: inst, reg: r}
	// Started completes before the instance is visible to Close or Shutdown.
	inst.start(ref)

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		inst.Close()
		return Ref{}, unavailable(key, "registry shut down")
	}
	r.local[key] = inst
	delete(r.remote, key)
	r.mu.Unlock()

	r.opts.Metrics.ObservePlacementLookup("spawned")
	r.opts.Metrics.ObserveActivation(key.Kind())
	return ref, nil
}

// Call resolves key and asks op. When the reference turns out to be stale it
// re-resolves once, which may spawn the entity again from its journal.
func (r *Registry) Call(ctx context.Context, key Key, spawn SpawnFunc, op, sender string, body []byte) ([]byte, error) {
	ref, err := r.Resolve(ctx, key, spawn)
	if err != nil {
		return nil, err
	}
	out, err := ref.Ask(ctx, op, sender, body)
	if !errors.Is(err, ErrEntityUnavailable) {
		return out, err
	}
	ref, err = r.Resolve(ctx, key, spawn)
	if err != nil {
		return nil, err
	}
	return ref.Ask(ctx, op, sender, body)
}

// Close removes key from the placement table. A local instance is stopped; a
// key hosted by a peer is closed on that peer.
func (r *Registry) Close(ctx context.Context, key Key) (bool, error) {
	r.mu.Lock()
	inst, isLocal := r.local[key]
	owner, isRemote := r.remote[key]
	delete(r.local, key)
	delete(r.remote, key)
	r.mu.Unlock()

	if isLocal {
		inst.Close()
		return true, nil
	}
	if isRemote {
		if _, err := r.network.Invoke(ctx, owner, cluster.Call{Key: string(key), Op: opClose}); err != nil {
			return false, fmt.Errorf("close %s on %s: %w", key, owner, fromRemote(err))
		}
		return true, nil
	}
	return false, nil
}

func (r *Registry) forget(key Key, node cluster.NodeID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.remote[key] == node {
		delete(r.remote, key)
	}
}

func (r *Registry) watch(node cluster.Node) {
	r.mu.Lock()
	if _, ok := r.watches[node.ID]; ok || r.closed {
		r.mu.Unlock()
		return
	}
	r.watches[node.ID] = nil
	r.mu.Unlock()

	cancel := r.network.WatchTermination(node, func(n cluster.Node) {
		r.dropNode(n.ID)
	})

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.watches[node.ID]; ok {
		r.watches[node.ID] = cancel
	} else {
		cancel()
	}
}

// dropNode forgets every entry learned from a terminated peer so the next
// Resolve can spawn those entities elsewhere.
func (r *Registry) dropNode(node cluster.NodeID) {
	r.mu.Lock()
	dropped := 0
	for key, owner := range r.remote {
		if owner == node {
			delete(r.remote, key)
			dropped++
		}
	}
	delete(r.watches, node)
	r.mu.Unlock()
	log.Printf("placement: node %s terminated, dropped %d entries", node, dropped)
}

// Entries lists the placement table sorted by key.
func (r *Registry) Entries() []Entry {
	r.mu.Lock()
	out := make([]Entry, 0, len(r.local)+len(r.remote))
	for key := range r.local {
		out = append(out, Entry{Key: key, Node: r.self.ID, Local: true})
	}
	for key, node := range r.remote {
		out = append(out, Entry{Key: key, Node: node})
	}
	r.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out
}

// Hosts implements cluster.Endpoint.
func (r *Registry) Hosts(key string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.local[Key(key)]
	return ok
}

// Invoke implements cluster.Endpoint: a peer's call into a local instance.
func (r *Registry) Invoke(ctx context.Context, call cluster.Call) ([]byte, error) {
	key := Key(call.Key)
	if call.Op == opClose {
		r.mu.Lock()
		inst, ok := r.local[key]
		delete(r.local, key)
		r.mu.Unlock()
		if ok {
			inst.Close()
		}
		return nil, nil
	}

	r.mu.Lock()
	inst, ok := r.local[key]
	r.mu.Unlock()
	if !ok {
		return nil, toRemote(unavailable(key, "not hosted on "+string(r.self.ID)))
	}
	body, err := inst.Ask(ctx, Request{Op: call.Op, Sender: call.Sender, Body: call.Body})
	if err != nil {
		return nil, toRemote(err)
	}
	return body, nil
}

// Shutdown stops every local instance and all peer watches.
func (r *Registry) Shutdown() {
	r.mu.Lock()
	r.closed = true
	instances := make([]*Instance, 0, len(r.local))
	for _, inst := range r.local {
		instances = append(instances, inst)
	}
	r.local = make(map[Key]*Instance)
	r.remote = make(map[Key]cluster.NodeID)
	watches := r.watches
	r.watches = make(map[cluster.NodeID]func())
	r.mu.Unlock()

	for _, cancel := range watches {
		if cancel != nil {
			cancel()
		}
	}
	var wg sync.WaitGroup
	for _, inst := range instances {
		wg.Add(1)
		go func(inst *Instance) {
			defer wg.Done()
			inst.Close()
		}(inst)
	}
	wg.Wait()
}
