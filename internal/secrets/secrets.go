// Package secrets scans attempt diffs for leaked credentials before a merge
// or pull request leaves the local worktree, using gitleaks's default
// detection ruleset.
package secrets

import (
	"fmt"
	"strings"
	"sync"

	"github.com/zricethezav/gitleaks/v8/detect"

	"github.com/alekspetrov/kanbanforge/internal/domain"
)

var (
	detector     *detect.Detector
	detectorOnce sync.Once
)

func getDetector() *detect.Detector {
	detectorOnce.Do(func() {
		d, err := detect.NewDetectorDefaultConfig()
		if err != nil {
			return
		}
		detector = d
	})
	return detector
}

// Finding is one detected secret in a scanned diff.
type Finding struct {
	RuleID string
	Line   int
}

// ScanDiff runs the gitleaks ruleset over a unified diff's added lines and
// returns any findings. A nil detector (config failure) scans nothing --
// the scan is best-effort and must not block merges on tooling breakage.
func ScanDiff(unified string) []Finding {
	d := getDetector()
	if d == nil {
		return nil
	}

	var added strings.Builder
	for _, line := range strings.Split(unified, "\n") {
		if strings.HasPrefix(line, "+") && !strings.HasPrefix(line, "+++") {
			added.WriteString(line[1:])
			added.WriteString("\n")
		}
	}

	var findings []Finding
	for _, f := range d.DetectString(added.String()) {
		findings = append(findings, Finding{RuleID: f.RuleID, Line: f.StartLine})
	}
	return findings
}

// CheckDiff wraps ScanDiff in the engine's error model: a positive detection
// becomes a Conflict naming the matched rules.
func CheckDiff(unified string) error {
	findings := ScanDiff(unified)
	if len(findings) == 0 {
		return nil
	}
	rules := make(map[string]struct{})
	for _, f := range findings {
		rules[f.RuleID] = struct{}{}
	}
	names := make([]string, 0, len(rules))
	for r := range rules {
		names = append(names, r)
	}
	return domain.NewError(domain.KindConflict,
		fmt.Sprintf("potential secret detected in diff (%s); merge/PR blocked", strings.Join(names, ", ")))
}
