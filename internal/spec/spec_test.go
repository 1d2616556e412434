package spec

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mpataki/mpca/internal/adapter/fake"
	"github.com/mpataki/mpca/internal/errs"
	"github.com/mpataki/mpca/internal/models"
)

const verifyWithChecks = `---
checks:
  - name: unit
    cmd: go
    args: [test, ./...]
  - cmd: make
    args: [lint]
---

# Verification: add-caching

- [ ] All tests pass
`

func TestParseVerifyFrontMatter(t *testing.T) {
	plan, err := ParseVerify(verifyWithChecks)
	require.NoError(t, err)
	require.Len(t, plan.Checks, 2)
	assert.Equal(t, models.Check{Name: "unit", Cmd: "go", Args: []string{"test", "./..."}}, plan.Checks[0])
	assert.Equal(t, "make", plan.Checks[1].Name)
	assert.Equal(t, "# Verification: add-caching\n\n- [ ] All tests pass\n", plan.Body)
}

func TestParseVerifyWithoutFrontMatter(t *testing.T) {
	plan, err := ParseVerify("# Verification\n\nrun it\n")
	require.NoError(t, err)
	assert.Empty(t, plan.Checks)
	assert.Equal(t, "# Verification\n\nrun it\n", plan.Body)

	// An unterminated block is prose, not front matter.
	plan, err = ParseVerify("---\nchecks: []\n")
	require.NoError(t, err)
	assert.Empty(t, plan.Checks)
}

func TestParseVerifyRejectsBadChecks(t *testing.T) {
	_, err := ParseVerify("---\nchecks: [[\n---\n")
	assert.ErrorIs(t, err, errs.ErrVerificationFailed)

	_, err = ParseVerify("---\nchecks:\n  - name: empty\n---\n")
	assert.ErrorIs(t, err, errs.ErrVerificationFailed)
}

func TestLoad(t *testing.T) {
	store := fake.NewStorage()
	dir := Dir(".mpca/specs", "add-caching")

	_, err := Load(store, ".mpca/specs", "add-caching")
	require.ErrorIs(t, err, errs.ErrSpecMissing)
	assert.Equal(t, errs.KindVerification, errs.KindOf(err))

	store.Put(dir+"/design.md", "# Design")
	fs, err := Load(store, ".mpca/specs", "add-caching")
	require.NoError(t, err)
	assert.Equal(t, "# Design", fs.Design)
	assert.Empty(t, fs.Readme)
	assert.Nil(t, fs.Verify)

	store.Put(dir+"/README.md", "# Readme")
	store.Put(dir+"/verify.md", verifyWithChecks)
	fs, err = Load(store, ".mpca/specs", "add-caching")
	require.NoError(t, err)
	assert.Equal(t, "# Readme", fs.Readme)
	require.NotNil(t, fs.Verify)
	assert.Len(t, fs.Verify.Checks, 2)

	store.Fail("read", dir+"/requirements.md", errs.ErrPermissionDenied)
	_, err = Load(store, ".mpca/specs", "add-caching")
	assert.ErrorIs(t, err, errs.ErrPermissionDenied)
}

func TestLoadVerifyRequiresDocument(t *testing.T) {
	store := fake.NewStorage()
	_, err := LoadVerify(store, "specs", "feat")
	require.ErrorIs(t, err, errs.ErrSpecMissing)

	store.Put("specs/feat/specs/verify.md", "# Verify\n")
	plan, err := LoadVerify(store, "specs", "feat")
	require.NoError(t, err)
	assert.Equal(t, "# Verify\n", plan.Body)
}
