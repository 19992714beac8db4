package orchestrator

import (
	"errors"
	"fmt"
	"net"
	"os"
	"strconv"
	"time"

	"github.com/takemura/backhaul/internal/compress"
	"github.com/takemura/backhaul/internal/mysqlctl"
	"github.com/takemura/backhaul/internal/retry"
	"github.com/takemura/backhaul/internal/transfer"
)

// Config describes one backup target. It is read-only input to the
// orchestrator; persistence and editing belong to the caller.
type Config struct {
	Name    string
	DataDir string
	Service string

	Connection mysqlctl.Connection

	Endpoint  string // receiver host:port
	UseTLS    bool
	AuthToken string

	Compression       compress.Algorithm
	EncryptPassphrase string
	EncryptKeyFile    string

	WorkDir string // staging directory for the archive

	Strategy            transfer.ChunkingStrategy
	MaxConcurrentChunks int
	Retry               retry.Policy
	VerifyTimeout       time.Duration

	Active bool
}

// Encrypt reports whether the Encrypting phase runs.
func (c Config) Encrypt() bool {
	return c.EncryptPassphrase != "" || c.EncryptKeyFile != ""
}

// Validate collects every problem with the configuration. It touches no
// external state beyond reading the local filesystem.
func (c Config) Validate() []error {
	var errs []error
	if c.Name == "" {
		errs = append(errs, errors.New("name is required"))
	}
	if c.DataDir == "" {
		errs = append(errs, errors.New("data directory is required"))
	} else if info, err := os.Stat(c.DataDir); err != nil {
		errs = append(errs, fmt.Errorf("data directory %s: %w", c.DataDir, err))
	} else if !info.IsDir() {
		errs = append(errs, fmt.Errorf("data directory %s is not a directory", c.DataDir))
	}
	if c.WorkDir == "" {
		errs = append(errs, errors.New("work directory is required"))
	}

	if c.Endpoint == "" {
		errs = append(errs, errors.New("receiver endpoint is required"))
	} else if host, port, err := net.SplitHostPort(c.Endpoint); err != nil {
		errs = append(errs, fmt.Errorf("endpoint %q must be host:port", c.Endpoint))
	} else {
		if host == "" {
			errs = append(errs, errors.New("endpoint host is empty"))
		}
		if n, err := strconv.Atoi(port); err != nil || n < 1 || n > 65535 {
			errs = append(errs, fmt.Errorf("endpoint port %q out of range [1,65535]", port))
		}
	}

	if c.Compression != "" {
		if _, err := compress.ParseAlgorithm(string(c.Compression)); err != nil {
			errs = append(errs, err)
		}
	}
	if c.EncryptKeyFile != "" {
		if _, err := os.Stat(c.EncryptKeyFile); err != nil {
			errs = append(errs, fmt.Errorf("encryption key file %s: %w", c.EncryptKeyFile, err))
		}
	}
	return errs
}

// archiveName is the staged file name: <name>-<UTC timestamp><ext>[.enc].
func (c Config) archiveName() string {
	algo := c.Compression
	if algo == "" {
		algo = compress.Zstd
	}
	return fmt.Sprintf("%s-%s%s", c.Name, time.Now().UTC().Format("20060102T150405Z"), algo.Extension())
}

func (c Config) transferConfig(onProgress func(transfer.TransferProgress)) transfer.TransferConfig {
	return transfer.TransferConfig{
		Endpoint:            c.Endpoint,
		UseTLS:              c.UseTLS,
		AuthToken:           c.AuthToken,
		Strategy:            c.Strategy,
		MaxConcurrentChunks: c.MaxConcurrentChunks,
		Retry:               c.Retry,
		OnProgress:          onProgress,
	}
}
