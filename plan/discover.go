package plan

import (
	"fmt"
	"path/filepath"
	"sort"

	"github.com/bmatcuk/doublestar/v4"
)

// planGlob matches plan documents anywhere under a plans directory.
const planGlob = "**/*.{yaml,yml,json}"

// Discover lists plan files under dir and loads each one, enforcing the
// plan_id-unique-per-directory invariant. Load failures are reported
// per-file; successfully loaded plans are still returned.
func Discover(dir string, opts ValidateOptions) ([]*Plan, []error) {
	pattern := filepath.Join(dir, planGlob)
	matches, err := doublestar.FilepathGlob(pattern)
	if err != nil {
		return nil, []error{fmt.Errorf("failed to glob plans in %s: %w", dir, err)}
	}
	sort.Strings(matches)

	var (
		plans  []*Plan
		errs   []error
		byID   = make(map[string]string)
	)
	for _, path := range matches {
		p, err := Load(path, opts)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", path, err))
			continue
		}
		if prev, dup := byID[p.PlanID]; dup {
			errs = append(errs, fmt.Errorf("%s: %w: %q already defined in %s", path, ErrDuplicatePlan, p.PlanID, prev))
			continue
		}
		byID[p.PlanID] = path
		plans = append(plans, p)
	}
	return plans, errs
}
