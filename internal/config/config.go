package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/mpataki/mpca/internal/adapter"
	"github.com/mpataki/mpca/internal/errs"
	"github.com/mpataki/mpca/internal/models"
	"github.com/mpataki/mpca/internal/policy"
)

const (
	DirName    = ".mpca"
	FileName   = "config.yaml"
	EnvPrefix  = "MPCA_"
	SlugMarker = "{feature_slug}"
)

// Corrupted-record policies.
const (
	OnCorruptHalt    = "halt"
	OnCorruptArchive = "archive"
)

// Agent backends.
const (
	BackendCLI = "cli"
	BackendAPI = "api"
)

// Config is read once per process and never modified afterwards.
type Config struct {
	RepoRoot   string                    `yaml:"-"`
	TreesDir   string                    `yaml:"trees_dir"`
	SpecsDir   string                    `yaml:"specs_dir"`
	ClaudeMD   string                    `yaml:"claude_md"`
	PromptDirs []string                  `yaml:"prompt_dirs"`
	Git        GitConfig                 `yaml:"git"`
	Agent      AgentConfig               `yaml:"agent"`
	Workflows  map[string]WorkflowConfig `yaml:"workflows"`
	Verify     VerifyConfig              `yaml:"verify"`
	State      StateConfig               `yaml:"state"`
	Log        LogConfig                 `yaml:"log"`
}

type GitConfig struct {
	AutoCommit   bool   `yaml:"auto_commit"`
	BranchNaming string `yaml:"branch_naming"`
}

type AgentConfig struct {
	Backend           string        `yaml:"backend"`
	Command           string        `yaml:"command"`
	Endpoint          string        `yaml:"endpoint"`
	APIKeyEnv         string        `yaml:"api_key_env"`
	Timeout           time.Duration `yaml:"timeout"`
	RequestsPerMinute int           `yaml:"requests_per_minute"`
}

type WorkflowConfig struct {
	Tools          string  `yaml:"tools"`
	Model          string  `yaml:"model,omitempty"`
	MaxTurns       int     `yaml:"max_turns,omitempty"`
	PermissionMode string  `yaml:"permission_mode,omitempty"`
	Temperature    float64 `yaml:"temperature,omitempty"`
	MaxTokens      int     `yaml:"max_tokens,omitempty"`
}

type VerifyConfig struct {
	Commands []models.Check `yaml:"commands"`
	Timeout  time.Duration  `yaml:"timeout"`
}

type StateConfig struct {
	OnCorrupt string `yaml:"on_corrupt"`
}

type LogConfig struct {
	Level      string `yaml:"level"`
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days"`
}

// Default returns the configuration used when no file overrides it.
func Default() *Config {
	return &Config{
		TreesDir:   ".trees",
		SpecsDir:   filepath.Join(DirName, "specs"),
		ClaudeMD:   "CLAUDE.md",
		PromptDirs: []string{filepath.Join(DirName, "prompts")},
		Git: GitConfig{
			AutoCommit:   true,
			BranchNaming: "feature/" + SlugMarker,
		},
		Agent: AgentConfig{
			Backend:           BackendCLI,
			Command:           "claude",
			APIKeyEnv:         "ANTHROPIC_API_KEY",
			Timeout:           10 * time.Minute,
			RequestsPerMinute: 30,
		},
		Workflows: map[string]WorkflowConfig{
			string(models.WorkflowInit):    {Tools: string(policy.Minimal)},
			string(models.WorkflowPlan):    {Tools: string(policy.Standard), MaxTurns: 20, PermissionMode: "plan"},
			string(models.WorkflowExecute): {Tools: string(policy.Full), MaxTurns: 50, PermissionMode: "acceptEdits"},
			string(models.WorkflowVerify):  {Tools: string(policy.Full)},
			string(models.WorkflowChat):    {Tools: string(policy.Standard), MaxTurns: 10},
		},
		Verify: VerifyConfig{
			Commands: []models.Check{{Name: "tests", Cmd: "go", Args: []string{"test", "./..."}}},
			Timeout:  15 * time.Minute,
		},
		State: StateConfig{OnCorrupt: OnCorruptHalt},
		Log: LogConfig{
			Level:      "info",
			MaxSizeMB:  10,
			MaxBackups: 3,
			MaxAgeDays: 28,
		},
	}
}

// FindRepoRoot walks up from start to the directory containing .git.
func FindRepoRoot(start string) (string, error) {
	dir, err := filepath.Abs(start)
	if err != nil {
		return "", fmt.Errorf("failed to resolve %s: %w", start, err)
	}
	for {
		if _, err := os.Stat(filepath.Join(dir, ".git")); err == nil {
			return dir, nil
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return "", errs.Wrap(errs.ErrNotGitRepo, "find repository root", start)
		}
		dir = parent
	}
}

// MpcaDir is the project's .mpca directory.
func (c *Config) MpcaDir() string { return filepath.Join(c.RepoRoot, DirName) }

// Path returns the config file path.
func (c *Config) Path() string { return filepath.Join(c.MpcaDir(), FileName) }

// SpecsPath is the absolute specs directory.
func (c *Config) SpecsPath() string { return c.abs(c.SpecsDir) }

// TreesPath is the absolute worktree directory.
func (c *Config) TreesPath() string { return c.abs(c.TreesDir) }

// LogPath is the rotating log file.
func (c *Config) LogPath() string { return filepath.Join(c.MpcaDir(), "logs", "mpca.log") }

// JournalPath is the sqlite step journal.
func (c *Config) JournalPath() string { return filepath.Join(c.MpcaDir(), "journal.db") }

// HooksDir holds optional Lua hook scripts.
func (c *Config) HooksDir() string { return filepath.Join(c.MpcaDir(), "hooks") }

// PromptPaths returns the absolute template override directories.
func (c *Config) PromptPaths() []string {
	out := make([]string, 0, len(c.PromptDirs))
	for _, d := range c.PromptDirs {
		out = append(out, c.abs(d))
	}
	return out
}

// Initialized reports whether init has run for this repository.
func (c *Config) Initialized() bool {
	_, err := os.Stat(c.Path())
	return err == nil
}

// RequireInitialized returns errs.ErrNotInitialized unless init has run.
func (c *Config) RequireInitialized() error {
	_, err := os.Stat(c.Path())
	if errors.Is(err, fs.ErrNotExist) {
		return errs.Wrap(errs.ErrNotInitialized, "", c.RepoRoot)
	}
	return nil
}

// Policy returns the tool grant for a workflow. Unknown workflows get the
// minimal grant.
func (c *Config) Policy(w models.Workflow) policy.ToolPolicy {
	wc, ok := c.Workflows[string(w)]
	if !ok {
		return policy.Minimal
	}
	p, err := policy.Parse(wc.Tools)
	if err != nil {
		return policy.Minimal
	}
	return p
}

// Mode returns the agent mode for a workflow.
func (c *Config) Mode(w models.Workflow) adapter.Mode {
	wc := c.Workflows[string(w)]
	return adapter.Mode{
		Model:          wc.Model,
		MaxTurns:       wc.MaxTurns,
		PermissionMode: wc.PermissionMode,
		Temperature:    wc.Temperature,
		MaxTokens:      wc.MaxTokens,
	}
}

// BranchName expands the branch naming template for slug.
func (c *Config) BranchName(slug string) string {
	return strings.ReplaceAll(c.Git.BranchNaming, SlugMarker, slug)
}

// Validate checks the configuration for values the runtime cannot use.
func (c *Config) Validate() error {
	if c.RepoRoot == "" {
		return errs.Withf(errs.ErrConfigMissingField, "repository root")
	}
	for name, dir := range map[string]string{"trees_dir": c.TreesDir, "specs_dir": c.SpecsDir} {
		if dir == "" {
			return errs.Withf(errs.ErrConfigMissingField, "%s", name)
		}
		if filepath.IsAbs(dir) || strings.HasPrefix(filepath.Clean(dir), "..") {
			return errs.Withf(errs.ErrConfigInvalid, "%s must be relative to the repository: %s", name, dir)
		}
	}
	if c.Git.BranchNaming == "" {
		return errs.Withf(errs.ErrConfigMissingField, "git.branch_naming")
	}
	for name, wc := range c.Workflows {
		if _, err := policy.Parse(wc.Tools); err != nil {
			return errs.Withf(errs.ErrConfigInvalid, "workflows.%s.tools: %v", name, err)
		}
		if wc.MaxTurns < 0 || wc.MaxTokens < 0 {
			return errs.Withf(errs.ErrConfigInvalid, "workflows.%s: negative limit", name)
		}
	}
	switch c.Agent.Backend {
	case BackendCLI:
		if c.Agent.Command == "" {
			return errs.Withf(errs.ErrConfigMissingField, "agent.command")
		}
	case BackendAPI:
	default:
		return errs.Withf(errs.ErrConfigInvalid, "agent.backend must be %q or %q, got %q", BackendCLI, BackendAPI, c.Agent.Backend)
	}
	if c.Agent.Timeout <= 0 {
		return errs.Withf(errs.ErrConfigInvalid, "agent.timeout must be positive")
	}
	switch c.State.OnCorrupt {
	case OnCorruptHalt, OnCorruptArchive:
	default:
		return errs.Withf(errs.ErrConfigInvalid, "state.on_corrupt must be %q or %q, got %q", OnCorruptHalt, OnCorruptArchive, c.State.OnCorrupt)
	}
	for i, check := range c.Verify.Commands {
		if check.Cmd == "" {
			return errs.Withf(errs.ErrConfigMissingField, "verify.commands[%d].cmd", i)
		}
	}
	return nil
}

func (c *Config) abs(p string) string {
	if filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(c.RepoRoot, p)
}
