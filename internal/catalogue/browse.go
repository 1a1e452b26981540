package catalogue

import (
	"context"
	"fmt"
	"reflect"

	"github.com/gopcua/opcua/ua"

	"github.com/hzdr-desy/opcua-register-backend/internal/codec"
)

// BrowseReader is the minimal surface Catalogue population needs from the
// connection: browse and read, both already serialized behind the
// connection's client mutex by the caller (internal/opcconn.Connection
// implements this interface directly).
type BrowseReader interface {
	Browse(ctx context.Context, req *ua.BrowseRequest) (*ua.BrowseResponse, error)
	Read(ctx context.Context, req *ua.ReadRequest) (*ua.ReadResponse, error)
}

// hierarchicalReferences is the well-known ReferenceTypeId used to browse
// only parent/child containment references.
var hierarchicalReferences = ua.NewNumericNodeID(0, 33)

// objectsFolderID is the well-known NodeId of the Objects folder, the
// default browse root when the caller supplies none.
var objectsFolderID = ua.NewNumericNodeID(0, 85)

// PopulateFromBrowse implements catalogue population path 1 (no mapfile,
// no root: browse from the Objects folder) and path 2 (root supplied: same
// walk, starting elsewhere, with rootName stripped from resulting paths).
// It recurses into every folder/object reference and, for each Variable
// node with a string NodeId, issues the four attribute reads (data type,
// description, array-length-via-value, access level) before constructing
// a RegisterInfo. Variable nodes with any other NodeId type are skipped.
func PopulateFromBrowse(ctx context.Context, client BrowseReader, cat *Catalogue, root *ua.NodeID, rootName string) error {
	start := root
	if start == nil {
		start = objectsFolderID
	}
	return browseRecursive(ctx, client, cat, start, "", rootName)
}

func browseRecursive(ctx context.Context, client BrowseReader, cat *Catalogue, node *ua.NodeID, pathPrefix, rootName string) error {
	req := &ua.BrowseRequest{
		NodesToBrowse: []*ua.BrowseDescription{
			{
				NodeID:          node,
				BrowseDirection: ua.BrowseDirectionForward,
				ReferenceTypeID: hierarchicalReferences,
				IncludeSubtypes: true,
				NodeClassMask:   uint32(ua.NodeClassAll),
				ResultMask:      uint32(ua.BrowseResultMaskAll),
			},
		},
		RequestedMaxReferencesPerNode: 1000,
	}

	resp, err := client.Browse(ctx, req)
	if err != nil {
		return fmt.Errorf("browse %s: %w", node, err)
	}
	if len(resp.Results) == 0 {
		return nil
	}

	for _, ref := range resp.Results[0].References {
		name := ref.BrowseName.Name
		childPath := pathPrefix + "/" + name

		switch ref.NodeClass {
		case ua.NodeClassVariable:
			if ref.NodeID.NodeID.Type() != ua.NodeIDTypeString {
				continue
			}
			info, err := describeVariable(ctx, client, ref.NodeID.NodeID, childPath)
			if err != nil {
				cat.warnSkip(childPath, err)
				continue
			}
			path := childPath
			if rootName != "" {
				path = StripRootPrefix(rootName, childPath)
			}
			info.Path = path
			cat.AddChecked(*info)
		case ua.NodeClassObject, ua.NodeClassView:
			if err := browseRecursive(ctx, client, cat, ref.NodeID.NodeID, childPath, rootName); err != nil {
				return err
			}
		}
	}
	return nil
}

// accessLevel bits per the OPC UA AccessLevel attribute mask.
const (
	accessLevelCurrentRead  = 0x01
	accessLevelCurrentWrite = 0x02
)

func describeVariable(ctx context.Context, client BrowseReader, nodeID *ua.NodeID, path string) (*RegisterInfo, error) {
	req := &ua.ReadRequest{
		NodesToRead: []*ua.ReadValueID{
			{NodeID: nodeID, AttributeID: ua.AttributeIDDataType},
			{NodeID: nodeID, AttributeID: ua.AttributeIDDescription},
			{NodeID: nodeID, AttributeID: ua.AttributeIDValue},
			{NodeID: nodeID, AttributeID: ua.AttributeIDAccessLevel},
		},
	}
	resp, err := client.Read(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("read attributes for %s: %w", path, err)
	}
	if len(resp.Results) != 4 {
		return nil, fmt.Errorf("unexpected attribute read result count for %s", path)
	}

	typeCode, err := typeCodeFromDataTypeNodeID(resp.Results[0])
	if err != nil {
		return nil, err
	}

	description := ""
	if resp.Results[1].Value != nil {
		if lt, ok := resp.Results[1].Value.Value().(*ua.LocalizedText); ok && lt != nil {
			description = lt.Text
		}
	}

	arrayLength := uint32(1)
	if resp.Results[2].Value != nil {
		if arr := reflect.ValueOf(resp.Results[2].Value.Value()); arr.Kind() == reflect.Slice {
			arrayLength = uint32(arr.Len())
		}
	}

	var modes AccessMode = AccessWaitForNewData
	readOnly := true
	if resp.Results[3].Value != nil {
		if mask, err := codec.DecodeAny[uint32](resp.Results[3].Value.Value()); err == nil {
			if mask&accessLevelCurrentRead != 0 {
				modes |= AccessRead
			}
			if mask&accessLevelCurrentWrite != 0 {
				modes |= AccessWrite
			}
			if mask&accessLevelCurrentRead != 0 && mask&accessLevelCurrentWrite != 0 {
				readOnly = false
			}
		}
	}

	return &RegisterInfo{
		Path:        path,
		NodeID:      nodeID,
		TypeCode:    typeCode,
		ArrayLength: arrayLength,
		ReadOnly:    readOnly,
		Description: description,
		AccessModes: modes,
	}, nil
}

// typeCodeFromDataTypeNodeID maps the server's DataType attribute (a
// NodeId referencing one of the OPC UA built-in scalar types) onto our
// twelve-entry TypeCode enum.
func typeCodeFromDataTypeNodeID(result *ua.DataValue) (codec.TypeCode, error) {
	if result == nil || result.Value == nil {
		return 0, fmt.Errorf("missing DataType attribute")
	}
	id, ok := result.Value.Value().(*ua.NodeID)
	if !ok || id == nil {
		return 0, fmt.Errorf("DataType attribute is not a NodeId")
	}
	if id.Namespace() != 0 {
		return 0, fmt.Errorf("non-builtin DataType namespace %d", id.Namespace())
	}
	switch id.IntID() {
	case 1:
		return codec.Bool, nil
	case 2:
		return codec.I8, nil
	case 3:
		return codec.U8, nil
	case 4:
		return codec.I16, nil
	case 5:
		return codec.U16, nil
	case 6:
		return codec.I32, nil
	case 7:
		return codec.U32, nil
	case 8:
		return codec.I64, nil
	case 9:
		return codec.U64, nil
	case 10:
		return codec.F32, nil
	case 11:
		return codec.F64, nil
	case 12:
		return codec.String, nil
	default:
		return 0, fmt.Errorf("unsupported builtin DataType id %d", id.IntID())
	}
}
