// Package spec reads the planning documents of a feature.
package spec

import (
	"bytes"
	"errors"
	"fmt"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/mpataki/mpca/internal/adapter"
	"github.com/mpataki/mpca/internal/errs"
	"github.com/mpataki/mpca/internal/models"
)

const frontMatterDelim = "---"

// Dir returns the directory holding a feature's spec documents, relative to
// the storage root.
func Dir(specsDir, slug string) string {
	return filepath.Join(specsDir, slug, "specs")
}

// DocsDir returns the directory for free-form feature notes.
func DocsDir(specsDir, slug string) string {
	return filepath.Join(specsDir, slug, "docs")
}

// Load reads the spec documents of slug. design.md is required; the others
// are read when present.
func Load(store adapter.Storage, specsDir, slug string) (*models.FeatureSpec, error) {
	dir := Dir(specsDir, slug)
	design, err := read(store, filepath.Join(dir, models.DesignDoc), true)
	if err != nil {
		return nil, err
	}

	fs := &models.FeatureSpec{Slug: slug, Design: design}
	if fs.Readme, err = read(store, filepath.Join(dir, models.ReadmeDoc), false); err != nil {
		return nil, err
	}
	if fs.Requirements, err = read(store, filepath.Join(dir, models.RequirementsDoc), false); err != nil {
		return nil, err
	}
	verify, err := read(store, filepath.Join(dir, models.VerifyDoc), false)
	if err != nil {
		return nil, err
	}
	if verify != "" {
		if fs.Verify, err = ParseVerify(verify); err != nil {
			return nil, err
		}
	}
	return fs, nil
}

// LoadVerify reads and parses verify.md, which must exist.
func LoadVerify(store adapter.Storage, specsDir, slug string) (*models.VerifyPlan, error) {
	content, err := read(store, filepath.Join(Dir(specsDir, slug), models.VerifyDoc), true)
	if err != nil {
		return nil, err
	}
	return ParseVerify(content)
}

// ParseVerify splits verify.md into its optional YAML front matter and the
// prose body.
func ParseVerify(content string) (*models.VerifyPlan, error) {
	var plan models.VerifyPlan
	front, body, ok := splitFrontMatter(content)
	if ok {
		if err := yaml.Unmarshal([]byte(front), &plan); err != nil {
			return nil, errs.Withf(errs.ErrVerificationFailed, "parse %s front matter: %v", models.VerifyDoc, err)
		}
		if err := Validate(&plan); err != nil {
			return nil, err
		}
	}
	plan.Body = body
	return &plan, nil
}

func Validate(plan *models.VerifyPlan) error {
	for i, c := range plan.Checks {
		if strings.TrimSpace(c.Cmd) == "" {
			return errs.Withf(errs.ErrVerificationFailed, "%s check %d has no cmd", models.VerifyDoc, i+1)
		}
		if c.Name == "" {
			plan.Checks[i].Name = c.Cmd
		}
	}
	return nil
}

func splitFrontMatter(content string) (front, body string, ok bool) {
	normalized := strings.ReplaceAll(content, "\r\n", "\n")
	if !strings.HasPrefix(normalized, frontMatterDelim+"\n") {
		return "", content, false
	}
	rest := normalized[len(frontMatterDelim)+1:]
	var buf bytes.Buffer
	lines := strings.SplitAfter(rest, "\n")
	for i, line := range lines {
		if strings.TrimRight(line, "\n") == frontMatterDelim {
			return buf.String(), strings.TrimLeft(strings.Join(lines[i+1:], ""), "\n"), true
		}
		buf.WriteString(line)
	}
	return "", content, false
}

func read(store adapter.Storage, path string, required bool) (string, error) {
	content, err := store.Read(path)
	switch {
	case err == nil:
		return content, nil
	case errors.Is(err, errs.ErrNotFound) && required:
		return "", errs.Withf(errs.ErrSpecMissing, "%s", path)
	case errors.Is(err, errs.ErrNotFound):
		return "", nil
	default:
		return "", fmt.Errorf("read %s: %w", path, err)
	}
}
