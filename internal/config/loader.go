package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strings"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/rawbytes"
	"github.com/knadh/koanf/v2"
	yamlv3 "gopkg.in/yaml.v3"

	"github.com/mpataki/mpca/internal/errs"
)

const maxConfigFileSize = 1024 * 1024

// topLevelKeys are root keys that contain an underscore and must not be
// split into section.field by the environment transformer.
var topLevelKeys = map[string]bool{
	"trees_dir":   true,
	"specs_dir":   true,
	"claude_md":   true,
	"prompt_dirs": true,
}

// Load builds the configuration for the repository at repoRoot.
//
// Precedence, highest first:
//  1. MPCA_* environment variables (MPCA_GIT_AUTO_COMMIT -> git.auto_commit,
//     MPCA_WORKFLOWS_PLAN_TOOLS -> workflows.plan.tools)
//  2. .mpca/config.yaml
//  3. Default()
//
// A missing config file is not an error; RequireInitialized reports it.
func Load(repoRoot string) (*Config, error) {
	k := koanf.New(".")

	defaults, err := Marshal(Default())
	if err != nil {
		return nil, err
	}
	if err := k.Load(rawbytes.Provider(defaults), yaml.Parser()); err != nil {
		return nil, errs.Withf(errs.ErrConfigParse, "defaults: %v", err)
	}

	probe := &Config{RepoRoot: repoRoot}
	content, err := readConfigFile(probe.Path())
	if err != nil {
		return nil, err
	}
	if content != nil {
		if err := k.Load(rawbytes.Provider(content), yaml.Parser()); err != nil {
			return nil, errs.Withf(errs.ErrConfigParse, "%s: %v", probe.Path(), err)
		}
	}

	if err := k.Load(env.Provider(EnvPrefix, ".", envKey), nil); err != nil {
		return nil, errs.Withf(errs.ErrConfigParse, "environment: %v", err)
	}

	var cfg Config
	if err := k.UnmarshalWithConf("", &cfg, koanf.UnmarshalConf{Tag: "yaml"}); err != nil {
		return nil, errs.Withf(errs.ErrConfigParse, "%v", err)
	}
	cfg.RepoRoot = repoRoot
	applyDefaults(&cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return &cfg, nil
}

// Marshal renders cfg as the YAML written by init.
func Marshal(cfg *Config) ([]byte, error) {
	out, err := yamlv3.Marshal(cfg)
	if err != nil {
		return nil, errs.Withf(errs.ErrConfigInvalid, "marshal: %v", err)
	}
	return out, nil
}

func readConfigFile(path string) ([]byte, error) {
	info, err := os.Stat(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, errs.Wrap(fmt.Errorf("%w: %v", errs.ErrConfigInvalid, err), "stat config", path)
	}
	if info.Size() > maxConfigFileSize {
		return nil, errs.Withf(errs.ErrConfigInvalid, "%s is larger than %d bytes", path, maxConfigFileSize)
	}
	content, err := os.ReadFile(path)
	if err != nil {
		return nil, errs.Wrap(fmt.Errorf("%w: %v", errs.ErrConfigInvalid, err), "read config", path)
	}
	return content, nil
}

// envKey maps MPCA_SECTION_FIELD_NAME to section.field_name. Workflow
// settings carry the workflow name as an extra level.
func envKey(s string) string {
	lower := strings.ToLower(strings.TrimPrefix(s, EnvPrefix))
	if topLevelKeys[lower] {
		return lower
	}
	parts := strings.SplitN(lower, "_", 2)
	if len(parts) == 1 {
		return lower
	}
	section, rest := parts[0], parts[1]
	if section == "workflows" {
		if sub := strings.SplitN(rest, "_", 2); len(sub) == 2 {
			return section + "." + sub[0] + "." + sub[1]
		}
	}
	return section + "." + rest
}

// applyDefaults fills values the file may have blanked out.
func applyDefaults(cfg *Config) {
	d := Default()
	if cfg.TreesDir == "" {
		cfg.TreesDir = d.TreesDir
	}
	if cfg.SpecsDir == "" {
		cfg.SpecsDir = d.SpecsDir
	}
	if cfg.ClaudeMD == "" {
		cfg.ClaudeMD = d.ClaudeMD
	}
	if cfg.Git.BranchNaming == "" {
		cfg.Git.BranchNaming = d.Git.BranchNaming
	}
	if cfg.Agent.Backend == "" {
		cfg.Agent.Backend = d.Agent.Backend
	}
	if cfg.Agent.Command == "" {
		cfg.Agent.Command = d.Agent.Command
	}
	if cfg.Agent.Timeout == 0 {
		cfg.Agent.Timeout = d.Agent.Timeout
	}
	if cfg.Verify.Timeout == 0 {
		cfg.Verify.Timeout = d.Verify.Timeout
	}
	if cfg.State.OnCorrupt == "" {
		cfg.State.OnCorrupt = d.State.OnCorrupt
	}
	if cfg.Log.Level == "" {
		cfg.Log.Level = d.Log.Level
	}
	if cfg.Workflows == nil {
		cfg.Workflows = map[string]WorkflowConfig{}
	}
	for name, wc := range d.Workflows {
		cur, ok := cfg.Workflows[name]
		if !ok {
			cfg.Workflows[name] = wc
			continue
		}
		if cur.Tools == "" {
			cur.Tools = wc.Tools
			cfg.Workflows[name] = cur
		}
	}
}
