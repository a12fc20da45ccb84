package transit

import (
	multierror "github.com/hashicorp/go-multierror"
)

// guardStack accumulates the exit action established by entering each
// argument's scoped guard (spec.md §4.4 "Cleanup discipline"). unwind drains
// it in reverse order no matter how the run call ended, aggregating every
// teardown failure instead of stopping at the first one — the same pattern
// jobqueue/utils.go's stdFilter uses to aggregate stdout/stderr write
// errors.
type guardStack struct {
	exits []func() error
}

func (g *guardStack) push(exit func() error) {
	g.exits = append(g.exits, exit)
}

func (g *guardStack) unwind() error {
	var result *multierror.Error
	for i := len(g.exits) - 1; i >= 0; i-- {
		if err := g.exits[i](); err != nil {
			result = multierror.Append(result, err)
		}
	}
	return result.ErrorOrNil()
}
