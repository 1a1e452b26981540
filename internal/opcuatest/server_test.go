package opcuatest_test

import (
	"context"
	"testing"

	"github.com/gopcua/opcua/ua"

	"github.com/hzdr-desy/opcua-register-backend/internal/opcuatest"
)

func TestReadReturnsSeededValue(t *testing.T) {
	srv := opcuatest.NewServer()
	nodeID := ua.NewStringNodeID(2, "Demo/Counter")
	if err := srv.AddNode(nodeID, int32(42), true); err != nil {
		t.Fatalf("AddNode: %v", err)
	}

	client := opcuatest.NewClient(srv)
	resp, err := client.Read(context.Background(), &ua.ReadRequest{
		NodesToRead: []*ua.ReadValueID{{NodeID: nodeID, AttributeID: ua.AttributeIDValue}},
	})
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if len(resp.Results) != 1 || resp.Results[0].Status != ua.StatusOK {
		t.Fatalf("expected one OK result, got %+v", resp.Results)
	}
	if got := resp.Results[0].Value.Value(); got != int32(42) {
		t.Fatalf("expected 42, got %v", got)
	}
}

func TestReadUnknownNodeIsBadNodeIDUnknown(t *testing.T) {
	client := opcuatest.NewClient(opcuatest.NewServer())
	resp, err := client.Read(context.Background(), &ua.ReadRequest{
		NodesToRead: []*ua.ReadValueID{{NodeID: ua.NewStringNodeID(2, "Missing"), AttributeID: ua.AttributeIDValue}},
	})
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if resp.Results[0].Status != ua.StatusBadNodeIDUnknown {
		t.Fatalf("expected StatusBadNodeIDUnknown, got %v", resp.Results[0].Status)
	}
}

func TestWriteRejectsNonWritableNode(t *testing.T) {
	srv := opcuatest.NewServer()
	nodeID := ua.NewStringNodeID(2, "Demo/ReadOnly")
	if err := srv.AddNode(nodeID, int32(1), false); err != nil {
		t.Fatalf("AddNode: %v", err)
	}

	client := opcuatest.NewClient(srv)
	variant, err := ua.NewVariant(int32(99))
	if err != nil {
		t.Fatalf("NewVariant: %v", err)
	}
	resp, err := client.Write(context.Background(), &ua.WriteRequest{
		NodesToWrite: []*ua.WriteValue{{
			NodeID:      nodeID,
			AttributeID: ua.AttributeIDValue,
			Value:       &ua.DataValue{Value: variant, EncodingMask: ua.DataValueValue},
		}},
	})
	if err != nil {
		t.Fatalf("Write: %v", err)
	}
	if resp.Results[0] != ua.StatusBadNotWritable {
		t.Fatalf("expected StatusBadNotWritable, got %v", resp.Results[0])
	}

	if got, _ := srv.Value(nodeID); got != int32(1) {
		t.Fatalf("expected value unchanged at 1, got %v", got)
	}
}

func TestWriteUpdatesWritableNode(t *testing.T) {
	srv := opcuatest.NewServer()
	nodeID := ua.NewStringNodeID(2, "Demo/Setpoint")
	if err := srv.AddNode(nodeID, int32(1), true); err != nil {
		t.Fatalf("AddNode: %v", err)
	}

	client := opcuatest.NewClient(srv)
	variant, err := ua.NewVariant(int32(7))
	if err != nil {
		t.Fatalf("NewVariant: %v", err)
	}
	resp, err := client.Write(context.Background(), &ua.WriteRequest{
		NodesToWrite: []*ua.WriteValue{{
			NodeID:      nodeID,
			AttributeID: ua.AttributeIDValue,
			Value:       &ua.DataValue{Value: variant, EncodingMask: ua.DataValueValue},
		}},
	})
	if err != nil {
		t.Fatalf("Write: %v", err)
	}
	if resp.Results[0] != ua.StatusOK {
		t.Fatalf("expected StatusOK, got %v", resp.Results[0])
	}

	if got, _ := srv.Value(nodeID); got != int32(7) {
		t.Fatalf("expected updated value 7, got %v", got)
	}
}

func TestFailReadsShortCircuitsBeforeTouchingNodes(t *testing.T) {
	srv := opcuatest.NewServer()
	srv.FailReads = context.DeadlineExceeded

	client := opcuatest.NewClient(srv)
	_, err := client.Read(context.Background(), &ua.ReadRequest{
		NodesToRead: []*ua.ReadValueID{{NodeID: ua.NewStringNodeID(2, "Whatever"), AttributeID: ua.AttributeIDValue}},
	})
	if err == nil {
		t.Fatalf("expected the injected read failure to be returned")
	}
}
