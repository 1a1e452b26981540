package catalogue

import (
	"crypto/rand"
	"encoding/xml"
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"github.com/gopcua/opcua/ua"

	"github.com/hzdr-desy/opcua-register-backend/internal/codec"
)

// cacheVersion is the "version" attribute of the <catalogue> root element.
const cacheVersion = "1.0"

type xmlCatalogue struct {
	XMLName xml.Name       `xml:"catalogue"`
	Version string         `xml:"version,attr"`
	General xmlCacheGeneral `xml:"general"`
	Registers []xmlCacheRegister `xml:"register"`
}

type xmlCacheGeneral struct {
	ServerAddress string `xml:"serverAddress"`
}

type xmlCacheRegister struct {
	NodeID      string `xml:"nodeId"`
	Name        string `xml:"name"`
	Description string `xml:"description"`
	Length      uint32 `xml:"length"`
	AccessMode  uint8  `xml:"access_mode"`
	ReadOnly    int    `xml:"readOnly"`
	TypeID      int    `xml:"typeId"`
	Namespace   uint16 `xml:"nameSpace"`
	IsNumeric   int    `xml:"isNumeric"`
	IndexRange  string `xml:"indexRange"`
}

// CatalogueCacheStore reads and writes the XML catalogue cache file. The
// on-disk format is the one spec.md §6 names; Save is atomic (temp-sibling
// write + non-empty check + rename) so a crash mid-write cannot leave an
// empty cache that silently masks the real catalogue on the next load.
type CatalogueCacheStore struct {
	ServerAddress string
}

// Save writes cat to path atomically.
func (s CatalogueCacheStore) Save(path string, cat *Catalogue) error {
	doc := xmlCatalogue{
		Version: cacheVersion,
		General: xmlCacheGeneral{ServerAddress: s.ServerAddress},
	}

	for _, reg := range cat.All() {
		isNumeric := 0
		nodeIDText := reg.NodeID.StringID()
		switch reg.NodeID.Type() {
		case ua.NodeIDTypeTwoByte, ua.NodeIDTypeFourByte, ua.NodeIDTypeNumeric:
			// Persist the full decimal representation of the numeric id,
			// not just its last character: the original source's
			// substr(length-1) truncation (spec.md §9 Open Question 4) is
			// fixed here.
			isNumeric = 1
			nodeIDText = strconv.FormatUint(uint64(reg.NodeID.IntID()), 10)
		}

		readOnly := 0
		if reg.ReadOnly {
			readOnly = 1
		}

		doc.Registers = append(doc.Registers, xmlCacheRegister{
			NodeID:      nodeIDText,
			Name:        reg.Path,
			Description: reg.Description,
			Length:      reg.ArrayLength,
			AccessMode:  uint8(reg.AccessModes),
			ReadOnly:    readOnly,
			TypeID:      int(reg.TypeCode),
			Namespace:   reg.NodeID.Namespace(),
			IsNumeric:   isNumeric,
			IndexRange:  reg.IndexRange,
		})
	}

	out, err := xml.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal catalogue cache: %w", err)
	}

	return atomicWrite(path, out)
}

// atomicWrite writes data to a randomly-named temp sibling of path,
// verifies it is non-empty, then renames it onto path.
func atomicWrite(path string, data []byte) error {
	dir := filepath.Dir(path)
	tmp := filepath.Join(dir, randomTempName())

	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write temp cache file: %w", err)
	}

	info, err := os.Stat(tmp)
	if err != nil {
		os.Remove(tmp)
		return fmt.Errorf("stat temp cache file: %w", err)
	}
	if info.Size() == 0 {
		os.Remove(tmp)
		return fmt.Errorf("refusing to commit empty catalogue cache")
	}

	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("rename temp cache file onto %s: %w", path, err)
	}
	return nil
}

func randomTempName() string {
	var b [6]byte
	_, _ = rand.Read(b[:])
	return fmt.Sprintf("%x-opcua-backend-cache-%x.tmp", b[0:3], b[3:6])
}

// Load parses path into a freshly-constructed Catalogue.
func (s CatalogueCacheStore) Load(path string, cat *Catalogue) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read catalogue cache: %w", err)
	}

	var doc xmlCatalogue
	if err := xml.Unmarshal(data, &doc); err != nil {
		return fmt.Errorf("parse catalogue cache: %w", err)
	}

	for _, reg := range doc.Registers {
		info, err := registerInfoFromCache(reg)
		if err != nil {
			cat.warnSkip(reg.Name, err)
			continue
		}
		cat.AddChecked(*info)
	}
	return nil
}

func registerInfoFromCache(reg xmlCacheRegister) (*RegisterInfo, error) {
	typeCode := codec.TypeCode(reg.TypeID)
	if !typeCode.Valid() {
		return nil, fmt.Errorf("invalid cached typeId %d for %s", reg.TypeID, reg.Name)
	}

	var nodeID *ua.NodeID
	if reg.IsNumeric != 0 {
		n, err := strconv.ParseUint(reg.NodeID, 10, 32)
		if err != nil {
			return nil, fmt.Errorf("parse cached numeric nodeId %q for %s: %w", reg.NodeID, reg.Name, err)
		}
		nodeID = ua.NewNumericNodeID(reg.Namespace, uint32(n))
	} else {
		nodeID = ua.NewStringNodeID(reg.Namespace, reg.NodeID)
	}

	return &RegisterInfo{
		Path:        reg.Name,
		NodeID:      nodeID,
		TypeCode:    typeCode,
		ArrayLength: reg.Length,
		ReadOnly:    reg.ReadOnly != 0,
		IndexRange:  reg.IndexRange,
		Description: reg.Description,
		AccessModes: AccessMode(reg.AccessMode),
	}, nil
}
