// Package prompt renders the text sent to the agent and the placeholder spec
// documents. Defaults are embedded; a file named <name>.tmpl in any prompt
// directory overrides the embedded template of the same name.
package prompt

import (
	"bytes"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"text/template"

	"github.com/Masterminds/sprig/v3"

	"github.com/mpataki/mpca/internal/adapter"
	"github.com/mpataki/mpca/internal/errs"
)

//go:embed templates/*.tmpl
var embedded embed.FS

const ext = ".tmpl"

// Template names.
const (
	ClaudeMD     = "claude_md"
	System       = "system"
	Plan         = "plan"
	Execute      = "execute"
	Chat         = "chat"
	Readme       = "readme"
	Requirements = "requirements"
	Design       = "design"
	Verify       = "verify"
	Report       = "report"
)

// Context is the data every template is rendered with. Fields a template does
// not need are left zero.
type Context struct {
	RepoRoot     string
	Project      string
	Feature      string
	SpecsDir     string
	TreesDir     string
	SpecPaths    []string
	Resume       bool
	Role         string
	Message      string
	Description  string
	Readme       string
	Requirements string
	Design       string
	VerifyPlan   string
	Worktree     string
	Checks       []CheckResult
	Passed       int
	Failed       int
	Total        int
}

// CheckResult is one verification command as shown in the report.
type CheckResult struct {
	Name     string
	Command  string
	ExitCode int
	Passed   int
	Failed   int
	Output   string
}

// Renderer loads templates from the prompt directories first, then the
// embedded defaults. Parsed templates are cached.
type Renderer struct {
	dirs    []string
	funcMap template.FuncMap

	mu    sync.Mutex
	cache map[string]*template.Template
}

var _ adapter.Renderer = (*Renderer)(nil)

func New(dirs ...string) *Renderer {
	funcs := sprig.TxtFuncMap()
	funcs["bullet"] = bullet
	return &Renderer{
		dirs:    dirs,
		funcMap: funcs,
		cache:   make(map[string]*template.Template),
	}
}

// Render executes the named template with data.
func (r *Renderer) Render(name string, data any) (string, error) {
	tmpl, err := r.template(name)
	if err != nil {
		return "", err
	}
	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, data); err != nil {
		return "", errs.Withf(errs.ErrTemplateRender, "%s: %v", name, err)
	}
	return buf.String(), nil
}

// Names lists every template available, overrides included.
func (r *Renderer) Names() []string {
	seen := make(map[string]bool)
	for _, dir := range r.dirs {
		entries, err := os.ReadDir(dir)
		if err != nil {
			continue
		}
		for _, e := range entries {
			if !e.IsDir() && strings.HasSuffix(e.Name(), ext) {
				seen[strings.TrimSuffix(e.Name(), ext)] = true
			}
		}
	}
	entries, _ := embedded.ReadDir("templates")
	for _, e := range entries {
		seen[strings.TrimSuffix(e.Name(), ext)] = true
	}
	names := make([]string, 0, len(seen))
	for n := range seen {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

func (r *Renderer) template(name string) (*template.Template, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if t, ok := r.cache[name]; ok {
		return t, nil
	}
	src, err := r.load(name)
	if err != nil {
		return nil, err
	}
	t, err := template.New(name).Funcs(r.funcMap).Option("missingkey=error").Parse(src)
	if err != nil {
		return nil, errs.Withf(errs.ErrTemplateRender, "parse %s: %v", name, err)
	}
	r.cache[name] = t
	return t, nil
}

func (r *Renderer) load(name string) (string, error) {
	if name == "" || strings.ContainsAny(name, `/\`) {
		return "", errs.Withf(errs.ErrTemplateNotFound, "%q", name)
	}
	for _, dir := range r.dirs {
		data, err := os.ReadFile(filepath.Join(dir, name+ext))
		if err == nil {
			return string(data), nil
		}
		if !errors.Is(err, fs.ErrNotExist) {
			return "", errs.Withf(errs.ErrTemplateNotFound, "%s: %v", name, err)
		}
	}
	data, err := embedded.ReadFile("templates/" + name + ext)
	if err != nil {
		return "", errs.Withf(errs.ErrTemplateNotFound, "%s", name)
	}
	return string(data), nil
}

// bullet renders items as a markdown list.
func bullet(items []string) string {
	var b strings.Builder
	for _, it := range items {
		fmt.Fprintf(&b, "- %s\n", it)
	}
	return b.String()
}
