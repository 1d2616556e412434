package orchestrator

import (
	"regexp"
	"strconv"
	"strings"
)

var (
	cargoResult  = regexp.MustCompile(`^test result: \w+\. (\d+) passed; (\d+) failed`)
	goTest       = regexp.MustCompile(`^--- (PASS|FAIL): `)
	goPackage    = regexp.MustCompile(`^(ok|FAIL)\s+\S+`)
	pytestResult = regexp.MustCompile(`^=+ .*\b(passed|failed)\b.* =+$`)
	pytestCount  = regexp.MustCompile(`(\d+) (passed|failed)`)
)

// countTests extracts pass and fail counts from test runner output. It
// understands cargo summaries, go test verbose and package lines, and pytest
// summaries. Output it cannot read counts as one test decided by exitCode.
func countTests(output string, exitCode int) (passed, failed int) {
	var (
		cargo, gotest, pkg, pytest bool

		cargoP, cargoF   int
		goP, goF         int
		pkgP, pkgF       int
		pytestP, pytestF int
	)
	for line := range strings.Lines(output) {
		line = strings.TrimRight(line, "\r\n")
		if m := cargoResult.FindStringSubmatch(line); m != nil {
			cargo = true
			cargoP += atoi(m[1])
			cargoF += atoi(m[2])
			continue
		}
		if m := goTest.FindStringSubmatch(line); m != nil {
			gotest = true
			if m[1] == "PASS" {
				goP++
			} else {
				goF++
			}
			continue
		}
		if m := goPackage.FindStringSubmatch(line); m != nil {
			pkg = true
			if m[1] == "ok" {
				pkgP++
			} else {
				pkgF++
			}
			continue
		}
		if pytestResult.MatchString(line) {
			pytest = true
			for _, m := range pytestCount.FindAllStringSubmatch(line, -1) {
				if m[2] == "passed" {
					pytestP += atoi(m[1])
				} else {
					pytestF += atoi(m[1])
				}
			}
		}
	}

	switch {
	case cargo:
		passed, failed = cargoP, cargoF
	case gotest:
		passed, failed = goP, goF
	case pytest:
		passed, failed = pytestP, pytestF
	case pkg:
		passed, failed = pkgP, pkgF
	case exitCode == 0:
		return 1, 0
	default:
		return 0, 1
	}
	// A runner that exits non-zero without reporting a failure failed to
	// build or crashed.
	if exitCode != 0 && failed == 0 {
		failed = 1
	}
	return passed, failed
}

func atoi(s string) int {
	n, _ := strconv.Atoi(s)
	return n
}
