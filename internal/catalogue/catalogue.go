// Package catalogue implements the Catalogue component: the mapping from a
// register path to RegisterInfo (node identity, element count, type code,
// read-only flag, index range), populated by server browse or mapfile and
// consumed by accessor creation.
package catalogue

import (
	"fmt"
	"strings"

	"github.com/gopcua/opcua/ua"
	"github.com/rs/zerolog"

	"github.com/hzdr-desy/opcua-register-backend/internal/codec"
)

// AccessMode bits reported by a RegisterInfo; all registers report
// WaitForNewData as supported regardless of the underlying node.
type AccessMode uint8

const (
	AccessRead AccessMode = 1 << iota
	AccessWrite
	AccessWaitForNewData
)

// Has reports whether mode includes bit.
func (mode AccessMode) Has(bit AccessMode) bool { return mode&bit != 0 }

// RegisterInfo describes one OPC UA variable adapted to the register API.
// Immutable after construction; owned by Catalogue, Accessors hold a borrow.
type RegisterInfo struct {
	Path        string
	NodeID      *ua.NodeID
	TypeCode    codec.TypeCode
	ArrayLength uint32
	ReadOnly    bool
	IndexRange  string
	Description string
	AccessModes AccessMode
}

// IsReadable is always true per spec.
func (r *RegisterInfo) IsReadable() bool { return true }

// IsWriteable requires both the OPC UA CurrentRead and CurrentWrite bits
// to have been present on the source node's AccessLevel attribute, encoded
// into AccessModes at catalogue-build time.
func (r *RegisterInfo) IsWriteable() bool {
	return !r.ReadOnly && r.AccessModes.Has(AccessWrite)
}

// FundamentalKind classifies a TypeCode's DataDescriptor row.
type FundamentalKind int

const (
	KindBoolean FundamentalKind = iota
	KindNumeric
	KindString
)

// DataDescriptor encodes the fixed shape of a TypeCode: fundamental kind,
// signedness, integer-vs-fractional, and decimal digit width. Unknown
// typecodes have no DataDescriptor row and must be skipped by the caller.
type DataDescriptor struct {
	Kind           FundamentalKind
	Signed         bool
	Fractional     bool
	DecimalDigits  int
}

// dataDescriptors is the fixed 12-row typecode table from spec.md §4.3/§6.
var dataDescriptors = map[codec.TypeCode]DataDescriptor{
	codec.Bool:   {Kind: KindBoolean, Signed: false, Fractional: false, DecimalDigits: 1},
	codec.I8:     {Kind: KindNumeric, Signed: true, Fractional: false, DecimalDigits: 3},
	codec.U8:     {Kind: KindNumeric, Signed: false, Fractional: false, DecimalDigits: 3},
	codec.I16:    {Kind: KindNumeric, Signed: true, Fractional: false, DecimalDigits: 5},
	codec.U16:    {Kind: KindNumeric, Signed: false, Fractional: false, DecimalDigits: 5},
	codec.I32:    {Kind: KindNumeric, Signed: true, Fractional: false, DecimalDigits: 10},
	codec.U32:    {Kind: KindNumeric, Signed: false, Fractional: false, DecimalDigits: 10},
	codec.I64:    {Kind: KindNumeric, Signed: true, Fractional: false, DecimalDigits: 19},
	codec.U64:    {Kind: KindNumeric, Signed: false, Fractional: false, DecimalDigits: 20},
	codec.F32:    {Kind: KindNumeric, Signed: true, Fractional: true, DecimalDigits: 9},
	codec.F64:    {Kind: KindNumeric, Signed: true, Fractional: true, DecimalDigits: 17},
	codec.String: {Kind: KindString, Signed: false, Fractional: false, DecimalDigits: 0},
}

// DescriptorFor returns the DataDescriptor for t and true, or the zero
// value and false for an unknown typecode.
func DescriptorFor(t codec.TypeCode) (DataDescriptor, bool) {
	d, ok := dataDescriptors[t]
	return d, ok
}

// Catalogue is a linear-scan-by-path collection of RegisterInfo. The spec
// explicitly permits linear lookup since catalogues are modest in size.
type Catalogue struct {
	registers []RegisterInfo
	logger    zerolog.Logger
}

// New constructs an empty Catalogue.
func New(logger zerolog.Logger) *Catalogue {
	return &Catalogue{logger: logger.With().Str("component", "catalogue").Logger()}
}

// Add appends info to the catalogue. Callers populating from browse or
// mapfile should skip (not Add) any entry whose TypeCode has no
// DataDescriptor row, logging a warning instead.
func (c *Catalogue) Add(info RegisterInfo) {
	c.registers = append(c.registers, info)
}

// Lookup returns the RegisterInfo for path by linear scan.
func (c *Catalogue) Lookup(path string) (*RegisterInfo, bool) {
	for i := range c.registers {
		if c.registers[i].Path == path {
			return &c.registers[i], true
		}
	}
	return nil, false
}

// All returns every RegisterInfo currently in the catalogue, in insertion
// order; used by CatalogueCacheStore.Save and by tests.
func (c *Catalogue) All() []RegisterInfo {
	out := make([]RegisterInfo, len(c.registers))
	copy(out, c.registers)
	return out
}

// Len reports the number of registers in the catalogue.
func (c *Catalogue) Len() int { return len(c.registers) }

// StripRootPrefix implements the "server browse with root" path-naming
// rule: the root name (plus a trailing "Dir" suffix convention) is
// stripped from each register's path.
func StripRootPrefix(rootName, path string) string {
	root := strings.TrimSuffix(rootName, "Dir")
	trimmed := strings.TrimPrefix(path, "/"+root)
	trimmed = strings.TrimPrefix(trimmed, root)
	return strings.TrimPrefix(trimmed, "/")
}

// warnSkip logs and drops a catalogue entry that could not be fully
// constructed, matching spec.md §9 Open Question 3: any per-entry parse
// error causes that entry to be skipped with a warning, never processed
// with partially-initialized fields.
func (c *Catalogue) warnSkip(path string, reason error) {
	c.logger.Warn().Str("path", path).Err(reason).Msg("skipping catalogue entry")
}

// AddChecked adds info only if its TypeCode has a DataDescriptor row;
// otherwise it logs a warning and skips the register, matching spec.md
// §4.3's "unknown typecodes cause the register to be silently skipped
// with a warning" rule (silent to the caller, logged internally).
func (c *Catalogue) AddChecked(info RegisterInfo) {
	if _, ok := DescriptorFor(info.TypeCode); !ok {
		c.warnSkip(info.Path, fmt.Errorf("unknown typecode %s", info.TypeCode))
		return
	}
	c.Add(info)
}
