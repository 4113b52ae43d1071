package ffs

import (
	"bufio"
	"fmt"
	"io"
	"strings"
	"sync"
)

// Decision is a policy's answer to a proposed repair.
type Decision int

const (
	// Apply performs the repair.
	Apply Decision = iota
	// Skip leaves the defect in place; the run can no longer end clean.
	Skip
	// Abort stops the whole run.
	Abort
)

func (d Decision) String() string {
	switch d {
	case Apply:
		return "apply"
	case Skip:
		return "skip"
	case Abort:
		return "abort"
	}
	return fmt.Sprintf("decision(%d)", int(d))
}

// Policy decides whether a proposed repair is applied. The checker asks it
// once per defect, synchronously, and records the answer in the result.
type Policy interface {
	Decide(d Defect) Decision
}

// AutomaticPolicy answers from a fixed per-class table without prompting.
type AutomaticPolicy struct {
	Table   map[DefectClass]Decision
	Default Decision
}

// Decide implements Policy.
func (p *AutomaticPolicy) Decide(d Defect) Decision {
	if dec, ok := p.Table[d.Class]; ok {
		return dec
	}
	return p.Default
}

// Preen returns the automatic policy used with -p. Routine inconsistencies
// are repaired silently; anything that needs an operator stops the run.
func Preen() *AutomaticPolicy {
	return &AutomaticPolicy{
		Default: Apply,
		Table: map[DefectClass]Decision{
			ClassRootUnallocated:   Abort,
			ClassRootBad:           Abort,
			ClassRootNotDir:        Abort,
			ClassCannotFix:         Abort,
			ClassBadCylinderGroup:  Abort,
			ClassLostFoundNotDir:   Abort,
			ClassJournalFailed:     Abort,
			ClassWriteZeroedBlock:  Abort,
			ClassLinkCountIncrease: Apply,
		},
	}
}

// AssumeYes answers every question with yes, like -y.
func AssumeYes() *AutomaticPolicy {
	return &AutomaticPolicy{Default: Apply}
}

// AssumeNo answers every question with no, like -n.
func AssumeNo() *AutomaticPolicy {
	return &AutomaticPolicy{Default: Skip}
}

// InteractivePolicy prompts an operator for each defect on w and reads
// y/n answers from r. End of input counts as no.
type InteractivePolicy struct {
	mu  sync.Mutex
	in  *bufio.Reader
	out io.Writer
}

// NewInteractive returns a prompting policy.
func NewInteractive(r io.Reader, w io.Writer) *InteractivePolicy {
	return &InteractivePolicy{in: bufio.NewReader(r), out: w}
}

// Decide implements Policy.
func (p *InteractivePolicy) Decide(d Defect) Decision {
	p.mu.Lock()
	defer p.mu.Unlock()

	fmt.Fprintf(p.out, "%s\n", d.Message)
	for {
		fmt.Fprintf(p.out, "%s? [yn] ", d.Action)
		line, err := p.in.ReadString('\n')
		answer := strings.ToLower(strings.TrimSpace(line))
		switch {
		case strings.HasPrefix(answer, "y"):
			fmt.Fprintln(p.out)
			return Apply
		case strings.HasPrefix(answer, "n"):
			fmt.Fprintln(p.out)
			return Skip
		}
		if err != nil {
			fmt.Fprintln(p.out, "\n\nNO")
			return Skip
		}
	}
}

// noWritePolicy wraps any policy for -n runs: nothing may be written, so
// every repair is declined without asking.
type noWritePolicy struct{}

func (noWritePolicy) Decide(Defect) Decision { return Skip }
