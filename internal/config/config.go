package config

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"marimoguard/internal/logging"
)

// CandidateFiles are the project-root config files, checked in order.
var CandidateFiles = []string{".marimo-guard.toml", "marimo-guard.toml", ".marimo-guard.yaml"}

// DefaultMCPURL is the status endpoint of a locally running notebook server.
const DefaultMCPURL = "http://localhost:2718/mcp/server"

// File holds the guard configuration as read from disk.
// Pointer fields distinguish "unset" from the zero value so that the
// option resolver can fall through to the next source.
type File struct {
	FailOnWarn      *bool `toml:"fail_on_warn" yaml:"fail_on_warn"`
	RequireArtifact *bool `toml:"require_artifact" yaml:"require_artifact"`
	TimeoutSeconds  *int  `toml:"timeout_seconds" yaml:"timeout_seconds"`
	SmokeSeconds    *int  `toml:"smoke_seconds" yaml:"smoke_seconds"`
	RunPort         *int  `toml:"run_port" yaml:"run_port"`

	MCP     MCPConfig      `toml:"mcp" yaml:"mcp"`
	Visual  VisualConfig   `toml:"visual" yaml:"visual"`
	UI      UIConfig       `toml:"ui" yaml:"ui"`
	Runtime RuntimeConfig  `toml:"runtime" yaml:"runtime"`
	Loop    LoopConfig     `toml:"loop" yaml:"loop"`
	Logging logging.Config `toml:"logging" yaml:"logging"`

	// Root is the discovered project root.
	Root string `toml:"-" yaml:"-"`
	// Source is the config file that was read, empty when none exists.
	Source string `toml:"-" yaml:"-"`
}

// MCPConfig configures the notebook-server status cross-check.
type MCPConfig struct {
	Enabled     *bool  `toml:"enabled" yaml:"enabled"`
	URL         string `toml:"url" yaml:"url"`
	Strict      *bool  `toml:"strict" yaml:"strict"`
	WaitSeconds *int   `toml:"wait_seconds" yaml:"wait_seconds"`
}

// VisualConfig configures chart validation.
type VisualConfig struct {
	Strict *bool `toml:"strict" yaml:"strict"`
}

// UIConfig configures the headless DOM check.
type UIConfig struct {
	Strict         *bool    `toml:"strict" yaml:"strict"`
	Port           *int     `toml:"port" yaml:"port"`
	TimeoutSeconds *int     `toml:"timeout_seconds" yaml:"timeout_seconds"`
	ErrorAllowlist []string `toml:"error_allowlist" yaml:"error_allowlist"`
}

// RuntimeConfig selects the interpreter that hosts the notebook runtime.
type RuntimeConfig struct {
	Python string `toml:"python" yaml:"python"`
}

// LoopConfig configures the retry loop.
type LoopConfig struct {
	MaxIters     *int   `toml:"max_iters" yaml:"max_iters"`
	SleepSeconds *int   `toml:"sleep_seconds" yaml:"sleep_seconds"`
	OnErrorCmd   string `toml:"on_error_cmd" yaml:"on_error_cmd"`
	Prefix       string `toml:"artifact_prefix" yaml:"artifact_prefix"`
}

// FindProjectRoot walks up from start looking for a .git directory or a
// pyproject.toml. When neither is found the resolved start is returned.
func FindProjectRoot(start string) string {
	cur, err := filepath.Abs(start)
	if err != nil {
		return start
	}
	if info, err := os.Stat(cur); err == nil && !info.IsDir() {
		cur = filepath.Dir(cur)
	}
	origin := cur
	for {
		if IsProjectRoot(cur) {
			return cur
		}
		parent := filepath.Dir(cur)
		if parent == cur {
			return origin
		}
		cur = parent
	}
}

// IsProjectRoot reports whether dir carries a .git directory or a
// pyproject.toml.
func IsProjectRoot(dir string) bool {
	return exists(filepath.Join(dir, ".git")) || exists(filepath.Join(dir, "pyproject.toml"))
}

// Load reads the guard config for a notebook. A missing config file yields
// an empty File rooted at the project root.
func Load(notebookPath string) (*File, error) {
	root := FindProjectRoot(notebookPath)
	cfg := &File{Root: root}

	for _, name := range CandidateFiles {
		path := filepath.Join(root, name)
		if !exists(path) {
			continue
		}
		if err := decodeFile(path, cfg); err != nil {
			return cfg, fmt.Errorf("failed to parse config %s: %w", path, err)
		}
		cfg.Source = path
		logging.Boot("Loaded guard config from %s", path)
		break
	}
	return cfg, nil
}

// decodeFile reads either the marimo_guard table or, when that table is
// absent, the whole document.
func decodeFile(path string, cfg *File) error {
	var wrapped struct {
		Guard *File `toml:"marimo_guard" yaml:"marimo_guard"`
	}

	if filepath.Ext(path) == ".yaml" {
		data, err := os.ReadFile(path)
		if err != nil {
			return err
		}
		if err := yaml.Unmarshal(data, &wrapped); err != nil {
			return err
		}
		if wrapped.Guard != nil {
			adopt(cfg, wrapped.Guard)
			return nil
		}
		return yaml.Unmarshal(data, cfg)
	}

	if _, err := toml.DecodeFile(path, &wrapped); err != nil {
		return err
	}
	if wrapped.Guard != nil {
		adopt(cfg, wrapped.Guard)
		return nil
	}
	_, err := toml.DecodeFile(path, cfg)
	return err
}

func adopt(dst, src *File) {
	root := dst.Root
	*dst = *src
	dst.Root = root
}

// LoadDotEnv loads <root>/.env into the process environment without
// overriding variables that are already set.
func LoadDotEnv(root string) error {
	path := filepath.Join(root, ".env")
	if !exists(path) {
		return nil
	}
	if err := godotenv.Load(path); err != nil {
		return fmt.Errorf("failed to load %s: %w", path, err)
	}
	logging.BootDebug("Loaded environment from %s", path)
	return nil
}

func exists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}
