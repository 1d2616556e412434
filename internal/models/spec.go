package models

// Spec document names inside a feature directory.
const (
	ReadmeDoc       = "README.md"
	RequirementsDoc = "requirements.md"
	DesignDoc       = "design.md"
	VerifyDoc       = "verify.md"
	ReportDoc       = "verification_report.md"
	TestLogDoc      = "last_test_output.log"
	StateFile       = "state.toml"
)

// FeatureSpec is the set of planning documents for a feature.
type FeatureSpec struct {
	Slug         string
	Readme       string
	Requirements string
	Design       string
	Verify       *VerifyPlan
}

// VerifyPlan is verify.md: optional YAML front matter followed by prose.
type VerifyPlan struct {
	Checks []Check `yaml:"checks"`
	Body   string  `yaml:"-"`
}

// Check is one command run during verification.
type Check struct {
	Name string   `yaml:"name"`
	Cmd  string   `yaml:"cmd"`
	Args []string `yaml:"args,omitempty"`
}
