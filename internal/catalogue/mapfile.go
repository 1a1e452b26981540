package catalogue

import (
	"bufio"
	"context"
	"encoding/xml"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/gopcua/opcua/ua"
	"github.com/rs/zerolog"
)

// MapFileEntry is one parsed line/element of a mapfile, before being
// turned into a RegisterInfo (which additionally requires a live
// connection to resolve TypeCode/ArrayLength/AccessModes via a read, done
// by the caller after parsing).
type MapFileEntry struct {
	Name       string // optional alternate register name; "" if not given
	NodeID     *ua.NodeID
	IndexRange string // optional "a:b", XML format only
}

// MapFileReader parses one of the two supported mapfile syntaxes into a
// flat list of entries. Both legacy whitespace and XML map to the same
// entry shape; a single interface with two producers avoids duplicating
// the downstream RegisterInfo construction.
type MapFileReader interface {
	ReadMapFile(r io.Reader, rootName string) ([]MapFileEntry, error)
}

// LegacyMapFileReader parses the whitespace-separated mapfile format:
// 2 or 3 tokens per non-blank, non-'#'-prefixed line. Token 1 (optional)
// is an alternate register name, token 2 is the nodeId (numeric or
// string), token 3 is the namespace index.
type LegacyMapFileReader struct {
	Logger zerolog.Logger
}

func (p LegacyMapFileReader) ReadMapFile(r io.Reader, rootName string) ([]MapFileEntry, error) {
	var entries []MapFileEntry
	scanner := bufio.NewScanner(r)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		tokens := strings.Fields(line)
		if len(tokens) != 2 && len(tokens) != 3 {
			p.Logger.Warn().Int("line", lineNo).Str("text", line).Msg("skipping malformed mapfile line")
			continue
		}

		var name, idToken, nsToken string
		if len(tokens) == 3 {
			name, idToken, nsToken = tokens[0], tokens[1], tokens[2]
		} else {
			idToken, nsToken = tokens[0], tokens[1]
		}

		ns, err := strconv.ParseUint(nsToken, 10, 16)
		if err != nil {
			p.Logger.Warn().Int("line", lineNo).Err(err).Msg("skipping mapfile line: bad namespace index")
			continue
		}

		nodeID := parseNodeIDFallback(idToken, uint16(ns), rootName)
		entries = append(entries, MapFileEntry{Name: name, NodeID: nodeID})
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("reading legacy mapfile: %w", err)
	}
	return entries, nil
}

// parseNodeIDFallback attempts a numeric nodeId first; on failure it is
// taken as a string nodeId, prefixed by the root node name per spec.md
// §4.3's "numeric parsing is attempted first; on failure the token is
// taken as a string NodeId prefixed by the root node" rule.
func parseNodeIDFallback(token string, ns uint16, rootName string) *ua.NodeID {
	if n, err := strconv.ParseUint(token, 10, 32); err == nil {
		return ua.NewNumericNodeID(ns, uint32(n))
	}
	text := token
	if rootName != "" {
		text = rootName + "." + token
	}
	return ua.NewStringNodeID(ns, text)
}

// uamappingNamespace is the XML namespace of the XML mapfile format and of
// the catalogue cache file.
const uamappingNamespace = "https://github.com/ChimeraTK/DeviceAccess-OpcUaBackend"

type xmlUAMapping struct {
	XMLName xml.Name  `xml:"uamapping"`
	PVs     []xmlPVEntry `xml:"pv"`
}

type xmlPVEntry struct {
	NS     uint16 `xml:"ns,attr"`
	Name   string `xml:"name,attr"`
	Range  string `xml:"range,attr"`
	NodeID string `xml:",chardata"`
}

// XMLMapFileReader parses the XML mapfile format: root <uamapping> in the
// ChimeraTK namespace, children <pv ns="N" name="alt" range="a:b">nodeId</pv>.
type XMLMapFileReader struct {
	Logger zerolog.Logger
}

func (p XMLMapFileReader) ReadMapFile(r io.Reader, rootName string) ([]MapFileEntry, error) {
	var doc xmlUAMapping
	if err := xml.NewDecoder(r).Decode(&doc); err != nil {
		return nil, fmt.Errorf("parsing XML mapfile: %w", err)
	}

	var entries []MapFileEntry
	for i, pv := range doc.PVs {
		text := strings.TrimSpace(pv.NodeID)
		if text == "" {
			p.Logger.Warn().Int("index", i).Msg("skipping XML mapfile entry: empty nodeId")
			continue
		}
		nodeID := parseNodeIDFallback(text, pv.NS, rootName)
		entries = append(entries, MapFileEntry{
			Name:       pv.Name,
			NodeID:     nodeID,
			IndexRange: pv.Range,
		})
	}
	return entries, nil
}

// PopulateFromMapFile implements catalogue population path 3. For each
// parsed entry it resolves TypeCode/ArrayLength/AccessModes via a live
// read against the server (the same attribute set describeVariable uses),
// skipping (with a warning) any entry the server can't describe.
func PopulateFromMapFile(ctx context.Context, client BrowseReader, cat *Catalogue, entries []MapFileEntry) {
	for _, entry := range entries {
		path := entry.Name
		if path == "" {
			path = entry.NodeID.String()
		}

		info, err := describeVariable(ctx, client, entry.NodeID, path)
		if err != nil {
			cat.warnSkip(path, err)
			continue
		}
		info.IndexRange = entry.IndexRange
		cat.AddChecked(*info)
	}
}
