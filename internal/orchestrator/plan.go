package orchestrator

import (
	"context"
	"errors"
	"path/filepath"
	"strings"

	"github.com/mpataki/mpca/internal/errs"
	"github.com/mpataki/mpca/internal/models"
	"github.com/mpataki/mpca/internal/prompt"
	"github.com/mpataki/mpca/internal/spec"
)

// PlanTranscript is where the planning exchange's reply is kept, inside the
// feature's docs directory.
const PlanTranscript = "plan_transcript.md"

func (e *Executor) planSteps() []step {
	steps := []step{
		{name: "create spec directories", run: e.scaffoldSpec},
		{name: "planning exchange", run: e.planExchange},
		{name: "write " + models.ReadmeDoc, run: e.placeholder(models.ReadmeDoc, prompt.Readme)},
		{name: "write " + models.RequirementsDoc, run: e.placeholder(models.RequirementsDoc, prompt.Requirements)},
		{name: "write " + models.DesignDoc, run: e.writeDesign},
		{name: "write " + models.VerifyDoc, run: e.placeholder(models.VerifyDoc, prompt.Verify)},
	}
	if e.deps.Config.Git.AutoCommit {
		steps = append(steps, step{name: "commit spec", run: e.commitSpec})
	}
	return steps
}

func (e *Executor) specPath(doc string) string {
	return filepath.Join(spec.Dir(e.deps.Config.SpecsDir, e.feature), doc)
}

func (e *Executor) transcriptPath() string {
	return filepath.Join(spec.DocsDir(e.deps.Config.SpecsDir, e.feature), PlanTranscript)
}

func (e *Executor) scaffoldSpec(ctx context.Context) (usage, error) {
	for _, dir := range []string{
		spec.Dir(e.deps.Config.SpecsDir, e.feature),
		spec.DocsDir(e.deps.Config.SpecsDir, e.feature),
	} {
		if err := e.storage.MkdirAll(dir); err != nil {
			return usage{}, err
		}
	}
	return usage{}, nil
}

// planExchange asks the agent for a design and keeps the reply so the
// design step can use it after a resume.
func (e *Executor) planExchange(ctx context.Context) (usage, error) {
	data := e.promptContext()
	req, err := e.request("plan", prompt.Plan, data, e.deps.Config.RepoRoot)
	if err != nil {
		return usage{}, err
	}
	text, u, err := e.exchange(ctx, req, true)
	if err != nil {
		return usage{}, err
	}
	return u, e.storage.Write(e.transcriptPath(), text)
}

// placeholder writes the rendered template for doc unless the document is
// already present.
func (e *Executor) placeholder(doc, template string) func(context.Context) (usage, error) {
	return func(ctx context.Context) (usage, error) {
		path := e.specPath(doc)
		if ok, err := e.storage.Stat(path); ok || err != nil {
			return usage{}, err
		}
		content, err := e.deps.Renderer.Render(template, e.promptContext())
		if err != nil {
			return usage{}, err
		}
		return usage{}, e.storage.Write(path, content)
	}
}

// writeDesign writes the agent's design, falling back to the placeholder
// when the exchange produced nothing usable.
func (e *Executor) writeDesign(ctx context.Context) (usage, error) {
	text, err := e.storage.Read(e.transcriptPath())
	if err != nil && !errors.Is(err, errs.ErrNotFound) {
		return usage{}, err
	}
	if strings.TrimSpace(text) == "" {
		return e.placeholder(models.DesignDoc, prompt.Design)(ctx)
	}
	if !strings.HasSuffix(text, "\n") {
		text += "\n"
	}
	return usage{}, e.storage.Write(e.specPath(models.DesignDoc), text)
}

// commitSpec commits the feature's documents and nothing else.
func (e *Executor) commitSpec(ctx context.Context) (usage, error) {
	specs := e.deps.Config.SpecsDir
	return usage{}, e.commit(ctx, e.deps.Config.RepoRoot, "mpca: plan "+e.feature,
		spec.Dir(specs, e.feature), spec.DocsDir(specs, e.feature))
}

// commit treats an empty change set as success.
func (e *Executor) commit(ctx context.Context, dir, message string, paths ...string) error {
	err := e.vcs.Commit(ctx, dir, message, paths...)
	if errors.Is(err, errs.ErrNothingToCommit) {
		e.log.Debug("nothing to commit")
		return nil
	}
	return err
}
