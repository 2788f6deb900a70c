package placement

import (
	"context"
	"errors"
	"fmt"

	"github.com/ent0n29/parley/internal/cluster"
)

// Ref is an opaque (key, owner node) handle. Local refs call the mailbox
// directly; remote refs go through the cluster transport.
type Ref struct {
	key  Key
	node cluster.NodeID
	inst *Instance
	reg  *Registry
}

func (r Ref) Key() Key             { return r.key }
func (r Ref) Node() cluster.NodeID { return r.node }
func (r Ref) Local() bool          { return r.inst != nil }

// Ask sends op to the entity and waits for the reply.
func (r Ref) Ask(ctx context.Context, op, sender string, body []byte) ([]byte, error) {
	if r.inst != nil {
		return r.inst.Ask(ctx, Request{Op: op, Sender: sender, Body: body})
	}
	if r.reg == nil {
		return nil, unavailable(r.key, "unresolved reference")
	}
	out, err := r.reg.network.Invoke(ctx, r.node, cluster.Call{
		Key:    string(r.key),
		Op:     op,
		Sender: sender,
		Body:   body,
	})
	if err == nil {
		return out, nil
	}
	if errors.Is(err, cluster.ErrNodeUnavailable) {
		r.reg.forget(r.key, r.node)
		return nil, fmt.Errorf("%w: %v", ErrEntityUnavailable, err)
	}
	err = fromRemote(err)
	if errors.Is(err, ErrEntityUnavailable) {
		r.reg.forget(r.key, r.node)
	}
	return nil, err
}

// Tell enqueues op on a local instance without waiting. Remote refs report
// false.
func (r Ref) Tell(op, sender string, body []byte) bool {
	if r.inst == nil {
		return false
	}
	return r.inst.Tell(Request{Op: op, Sender: sender, Body: body})
}
