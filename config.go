package piecestorage

import (
	"os"
	"time"

	"github.com/cenkalti/piecestorage/internal/piece"
	"github.com/mitchellh/go-homedir"
	"gopkg.in/yaml.v2"
)

// Config for PieceStorage and the command line tool.
type Config struct {
	// When the number of missing blocks drops to this value, pieces that are already being downloaded
	// are also given to other peers.
	EndGameBlockThreshold int `yaml:"endgame-block-threshold"`
	// Max number of partially downloaded pieces to keep when a piece is completed.
	MaxUsedPieces int `yaml:"max-used-pieces"`
	// Length of blocks requested from peers.
	BlockLength uint32 `yaml:"block-length"`
	// Max number of pieces written to storage concurrently.
	ParallelWrites int `yaml:"parallel-writes"`
	// Have advertisements older than this are removed.
	HaveMaxAge time.Duration `yaml:"have-max-age"`
	// Max number of blocks requested from a peer but not received yet.
	RequestQueueLength int `yaml:"request-queue-length"`
	// Time to wait for a requested block to be received before requesting it again.
	RequestTimeout time.Duration `yaml:"request-timeout"`
	// Database file to save resume data.
	Database string `yaml:"database"`
	// Max time to wait while the database file is locked by another process.
	DatabaseLockTimeout time.Duration `yaml:"database-lock-timeout"`
	// DataDir is where files are downloaded.
	DataDir string `yaml:"data-dir"`
	// One of "debug", "info", "notice", "warning", "error".
	LogLevel string `yaml:"log-level"`
}

// DefaultConfig for PieceStorage.
var DefaultConfig = Config{
	EndGameBlockThreshold: 2,
	MaxUsedPieces:         100,
	BlockLength:           piece.BlockSize,
	ParallelWrites:        1,
	HaveMaxAge:            10 * time.Second,
	RequestQueueLength:    50,
	RequestTimeout:        20 * time.Second,
	Database:              "~/.piecestorage/resume.db",
	DatabaseLockTimeout:   5 * time.Second,
	DataDir:               "~/piecestorage-downloads",
	LogLevel:              "info",
}

// LoadConfig reads the YAML config file at filename on top of DefaultConfig.
// Missing file is not an error. Paths in the config are expanded with the home directory.
func LoadConfig(filename string) (*Config, error) {
	c := DefaultConfig
	filename, err := homedir.Expand(filename)
	if err != nil {
		return nil, err
	}
	b, err := os.ReadFile(filename) // nolint: gosec
	if os.IsNotExist(err) {
		return &c, c.expand()
	}
	if err != nil {
		return nil, err
	}
	if err = yaml.UnmarshalStrict(b, &c); err != nil {
		return nil, err
	}
	return &c, c.expand()
}

func (c *Config) expand() error {
	var err error
	c.Database, err = homedir.Expand(c.Database)
	if err != nil {
		return err
	}
	c.DataDir, err = homedir.Expand(c.DataDir)
	return err
}
