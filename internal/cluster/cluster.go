// Package cluster defines how a node discovers its peers, learns about their
// termination, and exchanges entity calls with them.
package cluster

import (
	"context"
	"errors"
)

// KindPlacement is the node kind that hosts entities and answers placement
// lookups.
const KindPlacement = "placement"

type NodeID string

// Node describes one live cluster member.
type Node struct {
	ID   NodeID `cbor:"id" json:"id"`
	Kind string `cbor:"kind" json:"kind"`
}

// ErrNodeUnavailable is returned when a peer cannot be reached or is known
// to be gone.
var ErrNodeUnavailable = errors.New("node unavailable")

// Membership reports live peers and their termination. ListNodes returns a
// fresh snapshot on every call.
type Membership interface {
	ListNodes(ctx context.Context, kind string) ([]Node, error)
	// WatchTermination calls onTerminated once when node leaves the cluster.
	// The returned func cancels the watch.
	WatchTermination(node Node, onTerminated func(Node)) (cancel func())
}

// Call is one request addressed to an entity hosted by a peer.
type Call struct {
	Key    string `cbor:"key"`
	Op     string `cbor:"op"`
	Sender string `cbor:"sender"`
	Body   []byte `cbor:"body"`
}

// Endpoint is the surface a node exposes to its peers.
type Endpoint interface {
	Hosts(key string) bool
	Invoke(ctx context.Context, call Call) ([]byte, error)
}

// Transport carries lookups and calls to a specific peer.
type Transport interface {
	Lookup(ctx context.Context, node NodeID, key string) (bool, error)
	Invoke(ctx context.Context, node NodeID, call Call) ([]byte, error)
}

// Network is one node's view of the cluster.
type Network interface {
	Membership
	Transport
	Self() Node
	// Serve starts answering peer lookups and calls with endpoint.
	Serve(endpoint Endpoint) error
	Close() error
}

// RemoteError is a failure returned by a peer. Code identifies the failure
// class independently of the message text.
type RemoteError struct {
	Code    string `cbor:"code"`
	Message string `cbor:"message"`
}

func (e *RemoteError) Error() string {
	if e.Message == "" {
		return e.Code
	}
	return e.Message
}

// AsRemote converts err into the wire form. Errors that are not already
// remote errors get the "internal" code.
func AsRemote(err error) *RemoteError {
	var re *RemoteError
	if errors.As(err, &re) {
		return re
	}
	return &RemoteError{Code: "internal", Message: err.Error()}
}
