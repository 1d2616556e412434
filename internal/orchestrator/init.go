package orchestrator

import (
	"context"
	"errors"
	"path/filepath"
	"slices"
	"strings"

	ignore "github.com/sabhiram/go-gitignore"
	"go.uber.org/zap"

	"github.com/mpataki/mpca/internal/config"
	"github.com/mpataki/mpca/internal/errs"
	"github.com/mpataki/mpca/internal/prompt"
)

const (
	gitignoreFile = ".gitignore"
	markerBegin   = "<!-- mpca:begin -->"
	markerEnd     = "<!-- mpca:end -->"
)

// initSteps prepares the repository. Every step tolerates having run before.
func (e *Executor) initSteps() []step {
	return []step{
		{name: "detect repository", run: e.detectRepo},
		{name: "create directories", run: e.createDirs},
		{name: "write config", run: e.writeConfig},
		{name: "update gitignore", run: e.updateGitignore},
		{name: "update " + filepath.Join(config.DirName, gitignoreFile), run: e.updateLocalIgnore},
		{name: "update " + e.deps.Config.ClaudeMD, run: e.updateClaudeMD},
	}
}

// featureInitSteps registers a feature. Project files are left alone.
func (e *Executor) featureInitSteps() []step {
	return []step{
		{name: "detect repository", run: e.detectRepo},
		{name: "create feature directory", run: e.createFeatureDir},
	}
}

func (e *Executor) detectRepo(ctx context.Context) (usage, error) {
	ok, err := e.vcs.CheckRepo(e.deps.Config.RepoRoot)
	if err != nil {
		return usage{}, err
	}
	if !ok {
		return usage{}, errs.Wrap(errs.ErrNotGitRepo, "detect repository", e.deps.Config.RepoRoot)
	}
	return usage{}, nil
}

func (e *Executor) createDirs(ctx context.Context) (usage, error) {
	cfg := e.deps.Config
	for _, dir := range []string{
		config.DirName,
		cfg.SpecsDir,
		cfg.TreesDir,
		filepath.Join(config.DirName, "logs"),
		filepath.Join(config.DirName, "hooks"),
	} {
		if err := e.storage.MkdirAll(dir); err != nil {
			return usage{}, err
		}
	}
	return usage{}, nil
}

func (e *Executor) createFeatureDir(ctx context.Context) (usage, error) {
	return usage{}, e.storage.MkdirAll(filepath.Join(e.deps.Config.SpecsDir, e.feature))
}

func (e *Executor) writeConfig(ctx context.Context) (usage, error) {
	path := filepath.Join(config.DirName, config.FileName)
	if ok, err := e.storage.Stat(path); ok || err != nil {
		return usage{}, err
	}
	data, err := config.Marshal(e.deps.Config)
	if err != nil {
		return usage{}, err
	}
	return usage{}, e.storage.Write(path, string(data))
}

// ignoreRule is a pattern to add unless the ignore file already covers
// sample, a path relative to the file's directory.
type ignoreRule struct {
	pattern string
	sample  string
}

// updateGitignore keeps the worktree directory out of the repository.
func (e *Executor) updateGitignore(ctx context.Context) (usage, error) {
	trees := strings.Trim(filepath.ToSlash(e.deps.Config.TreesDir), "/")
	return usage{}, e.ensureIgnored(gitignoreFile, "mpca worktrees", []ignoreRule{
		{pattern: "/" + trees + "/", sample: trees + "/x"},
	})
}

// updateLocalIgnore keeps the journal, the logs and archived records out of
// commits made anywhere in the repository.
func (e *Executor) updateLocalIgnore(ctx context.Context) (usage, error) {
	return usage{}, e.ensureIgnored(filepath.Join(config.DirName, gitignoreFile), "mpca local state", []ignoreRule{
		{pattern: "/journal.db*", sample: "journal.db"},
		{pattern: "/journal.db*", sample: "journal.db-wal"},
		{pattern: "/logs/", sample: "logs/mpca.log"},
		{pattern: "*.corrupt-*", sample: "specs/x/state.toml.corrupt-20060102T150405Z"},
	})
}

// ensureIgnored appends to the ignore file at path every pattern whose
// sample the existing patterns do not match.
func (e *Executor) ensureIgnored(path, header string, rules []ignoreRule) error {
	current, err := e.storage.Read(path)
	if err != nil && !errors.Is(err, errs.ErrNotFound) {
		return err
	}
	compiled := ignore.CompileIgnoreLines(strings.Split(current, "\n")...)
	var missing []string
	for _, r := range rules {
		if compiled.MatchesPath(r.sample) || slices.Contains(missing, r.pattern) {
			continue
		}
		missing = append(missing, r.pattern)
	}
	if len(missing) == 0 {
		return nil
	}

	var b strings.Builder
	b.WriteString(current)
	if current != "" && !strings.HasSuffix(current, "\n") {
		b.WriteString("\n")
	}
	if current != "" {
		b.WriteString("\n")
	}
	b.WriteString("# " + header + "\n")
	for _, p := range missing {
		b.WriteString(p + "\n")
	}
	e.log.Info("adding ignore patterns", zap.String("file", path), zap.Strings("patterns", missing))
	return e.storage.Write(path, b.String())
}

// updateClaudeMD writes the mpca section of the agent instructions file,
// replacing a previous section in place and leaving the rest untouched.
func (e *Executor) updateClaudeMD(ctx context.Context) (usage, error) {
	path := e.deps.Config.ClaudeMD
	section, err := e.deps.Renderer.Render(prompt.ClaudeMD, e.promptContext())
	if err != nil {
		return usage{}, err
	}
	section = strings.TrimSpace(section)

	current, err := e.storage.Read(path)
	switch {
	case errors.Is(err, errs.ErrNotFound):
		return usage{}, e.storage.Write(path, section+"\n")
	case err != nil:
		return usage{}, err
	}
	return usage{}, e.storage.Write(path, spliceSection(current, section))
}

// spliceSection replaces the marked section of doc with section, or appends
// section when doc has none.
func spliceSection(doc, section string) string {
	start := strings.Index(doc, markerBegin)
	end := strings.Index(doc, markerEnd)
	if start < 0 || end < start {
		if doc != "" && !strings.HasSuffix(doc, "\n") {
			doc += "\n"
		}
		if doc != "" {
			doc += "\n"
		}
		return doc + section + "\n"
	}
	return doc[:start] + section + doc[end+len(markerEnd):]
}
