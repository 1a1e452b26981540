// Package opcuatest implements a fake opcconn.Client backed by an in-memory
// node map, standing in for the excluded embedded test server
// (test/DummyServer, out of scope per spec.md §1 Non-goals: no OPC UA
// server). It covers Read/Write/Browse — the transfer paths
// internal/accessor and internal/opcconn drive directly — so backend-level
// scenarios S1, S2 and S6 and the handleError/not-writable paths can run
// as ordinary Go tests without a live server.
//
// Subscribe is deliberately NOT faked: gopcua's *opcua.Subscription,
// returned by a real Subscribe call, is a concrete struct whose Monitor/
// Unmonitor/Cancel methods drive the real wire protocol directly. There is
// no interface seam for it short of reimplementing gopcua's internal
// publish-loop framing, which would be fabricating a second OPC UA client
// rather than a test double of this backend. Scenarios that depend on a
// live subscription (S3-S5) stay covered at the unit level only:
// internal/subscription's manager_test.go exercises the MonitorItem
// bookkeeping and fan-out logic directly, and internal/accessor's
// accessor_test.go exercises the notification-queue/exception-delivery
// logic directly — both bypass Subscribe entirely by constructing their
// state by hand instead of going through a fake server.
package opcuatest

import (
	"context"
	"fmt"
	"sync"

	"github.com/gopcua/opcua"
	"github.com/gopcua/opcua/ua"
)

// node is one fake server-side variable.
type node struct {
	value    *ua.DataValue
	writable bool
}

// Server is an in-memory table of OPC UA variables, keyed by NodeID text.
type Server struct {
	mu        sync.Mutex
	nodes     map[string]*node
	connected bool

	// FailReads/FailWrites, when non-nil, are returned verbatim from every
	// Read/Write call while set, instead of touching nodes — used to exercise
	// accessor.handleError and opcconn's reconnect path.
	FailReads  error
	FailWrites error
}

// NewServer constructs an empty fake server.
func NewServer() *Server {
	return &Server{nodes: make(map[string]*node)}
}

// AddNode seeds nodeID with an initial value. writable controls whether
// Write succeeds or returns ua.StatusBadNotWritable.
func (s *Server) AddNode(nodeID *ua.NodeID, value any, writable bool) error {
	variant, err := ua.NewVariant(value)
	if err != nil {
		return fmt.Errorf("opcuatest: encoding initial value for %s: %w", nodeID, err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nodes[nodeID.String()] = &node{
		value:    &ua.DataValue{Value: variant, Status: ua.StatusOK, EncodingMask: ua.DataValueValue},
		writable: writable,
	}
	return nil
}

// Value returns the current stored value for nodeID, for test assertions.
func (s *Server) Value(nodeID *ua.NodeID) (any, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n, ok := s.nodes[nodeID.String()]
	if !ok || n.value == nil || n.value.Value == nil {
		return nil, false
	}
	return n.value.Value.Value(), true
}

// Client is an opcconn.Client backed by Server. Multiple Clients may share
// one Server to simulate several connections against the same address
// space, though this backend only ever opens one at a time.
type Client struct {
	srv *Server
}

// NewClient wraps srv as an opcconn.Client.
func NewClient(srv *Server) *Client { return &Client{srv: srv} }

func (c *Client) Connect(ctx context.Context) error {
	c.srv.mu.Lock()
	defer c.srv.mu.Unlock()
	c.srv.connected = true
	return nil
}

func (c *Client) Close(ctx context.Context) error {
	c.srv.mu.Lock()
	defer c.srv.mu.Unlock()
	c.srv.connected = false
	return nil
}

// Read answers every ReadValueID against the node table, in order.
// Unknown node ids come back as ua.StatusBadNodeIDUnknown.
func (c *Client) Read(ctx context.Context, req *ua.ReadRequest) (*ua.ReadResponse, error) {
	c.srv.mu.Lock()
	defer c.srv.mu.Unlock()

	if c.srv.FailReads != nil {
		return nil, c.srv.FailReads
	}

	results := make([]*ua.DataValue, len(req.NodesToRead))
	for i, rv := range req.NodesToRead {
		n, ok := c.srv.nodes[rv.NodeID.String()]
		if !ok {
			results[i] = &ua.DataValue{Status: ua.StatusBadNodeIDUnknown}
			continue
		}
		clone := *n.value
		results[i] = &clone
	}
	return &ua.ReadResponse{Results: results}, nil
}

// Write applies every WriteValue against the node table, in order,
// rejecting writes to non-writable nodes with ua.StatusBadNotWritable.
func (c *Client) Write(ctx context.Context, req *ua.WriteRequest) (*ua.WriteResponse, error) {
	c.srv.mu.Lock()
	defer c.srv.mu.Unlock()

	if c.srv.FailWrites != nil {
		return nil, c.srv.FailWrites
	}

	statuses := make([]ua.StatusCode, len(req.NodesToWrite))
	for i, wv := range req.NodesToWrite {
		n, ok := c.srv.nodes[wv.NodeID.String()]
		if !ok {
			statuses[i] = ua.StatusBadNodeIDUnknown
			continue
		}
		if !n.writable {
			statuses[i] = ua.StatusBadNotWritable
			continue
		}
		n.value = &ua.DataValue{Value: wv.Value.Value, Status: ua.StatusOK, EncodingMask: ua.DataValueValue}
		statuses[i] = ua.StatusOK
	}
	return &ua.WriteResponse{Results: statuses}, nil
}

// Browse returns no references: no test builds a catalogue by browsing
// the fake transport, and no test in this module exercises browse
// decoding.
func (c *Client) Browse(ctx context.Context, req *ua.BrowseRequest) (*ua.BrowseResponse, error) {
	return &ua.BrowseResponse{Results: []*ua.BrowseResult{{StatusCode: ua.StatusOK}}}, nil
}

// Subscribe always fails: see the package doc comment for why this fake
// does not attempt to simulate a live OPC UA subscription.
func (c *Client) Subscribe(ctx context.Context, params *opcua.SubscriptionParameters, notifyCh chan *opcua.PublishNotificationData) (*opcua.Subscription, error) {
	return nil, fmt.Errorf("opcuatest: Subscribe is not supported by the fake transport")
}
