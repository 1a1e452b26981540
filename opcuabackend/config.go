package opcuabackend

import "time"

// MapFileFormat selects which of the two mapfile syntaxes Config.MapFile
// should be parsed as.
type MapFileFormat int

const (
	// MapFileNone is the zero value. Whether the catalogue is browsed is
	// decided by Config.MapFile alone: an empty path browses the server,
	// and a non-empty MapFile with MapFileNone is parsed as legacy.
	MapFileNone MapFileFormat = iota
	MapFileLegacy
	MapFileXML
)

// Config is the construction-time parameter surface of a Backend, carrying
// the address/parameter surface of spec.md §6. It is a plain struct rather
// than a CLI/flag parser, per the explicit Non-goal that parameter parsing
// at backend construction lives outside this module; yaml tags are kept
// for test fixtures in the teacher's own tagging style.
type Config struct {
	ServerAddress string `yaml:"server_address"`

	Username string `yaml:"username"`
	Password string `yaml:"password"`

	CertificateFile string `yaml:"certificate"`
	PrivateKeyFile  string `yaml:"key"`

	// MapFile, if non-empty, is the path to a mapfile read in the format
	// named by MapFileFormat. Empty means "populate by browsing".
	MapFile       string        `yaml:"map"`
	MapFileFormat MapFileFormat `yaml:"map_format"`

	// RootNode restricts browsing (or prefixes mapfile string node ids) to
	// a subtree, in "ns:nodeid" or "ns:nodename" form. Empty browses from
	// the Objects folder.
	RootNode string `yaml:"root_node"`

	PublishingInterval time.Duration `yaml:"publishing_interval"`
	ConnectionTimeout  time.Duration `yaml:"connection_timeout"`

	// CacheFile, if non-empty, is tried first on Open and written back
	// after a successful catalogue population, per the CatalogueCacheStore
	// contract (atomic write, never a fatal error on its own).
	CacheFile string `yaml:"cache_file"`
}
