package ffs

import (
	"bytes"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestAutomaticPolicies(t *testing.T) {
	linkCount := Defect{Class: ClassLinkCount, Action: "ADJUST"}
	rootBad := Defect{Class: ClassRootBad, Action: "REALLOCATE"}

	tests := []struct {
		name   string
		policy Policy
		defect Defect
		want   Decision
	}{
		{"preen repairs routine defects", Preen(), linkCount, Apply},
		{"preen stops on a damaged root", Preen(), rootBad, Abort},
		{"yes applies everything", AssumeYes(), rootBad, Apply},
		{"no skips everything", AssumeNo(), linkCount, Skip},
		{"no-write skips everything", noWritePolicy{}, linkCount, Skip},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.policy.Decide(tt.defect))
		})
	}
}

func TestInteractivePolicy(t *testing.T) {
	in := strings.NewReader("maybe\ny\nNO\n")
	var out bytes.Buffer
	p := NewInteractive(in, &out)
	d := Defect{Class: ClassLinkCount, Message: "LINK COUNT FILE I=5", Action: "ADJUST"}

	assert.Equal(t, Apply, p.Decide(d), "unrecognised answers are asked again")
	assert.Equal(t, Skip, p.Decide(d))
	assert.Equal(t, Skip, p.Decide(d), "end of input answers no")

	assert.Contains(t, out.String(), "LINK COUNT FILE I=5")
	assert.Equal(t, 4, strings.Count(out.String(), "ADJUST? [yn] "))
}

func TestResultVerdict(t *testing.T) {
	applied := Defect{Class: ClassLinkCount, Action: "ADJUST", Applied: true}
	declined := Defect{Class: ClassUnref, Action: "CLEAR"}
	report := Defect{Class: ClassReadError, Message: "CANNOT READ"}

	tests := []struct {
		name   string
		res    Result
		status Status
		exit   int
	}{
		{"nothing found", Result{}, StatusClean, ExitOK},
		{"report only", Result{Passes: []PassResult{{Pass: Pass1, Defects: []Defect{report}}}}, StatusClean, ExitOK},
		{"repaired", Result{Modified: true, Passes: []PassResult{{Pass: Pass4, Defects: []Defect{applied}}}}, StatusModified, ExitOK},
		{"repaired root", Result{Modified: true, RootDevice: true}, StatusModified, ExitRootChanged},
		{"declined", Result{Modified: true, Passes: []PassResult{{Pass: Pass4, Defects: []Defect{applied, declined}}}}, StatusUnresolved, ExitCheckFailed},
		{"skipped", Result{Skipped: true}, StatusSkipped, ExitOK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.status, tt.res.Status())
			assert.Equal(t, tt.exit, tt.res.ExitCode())
		})
	}
}

func TestResultDuplicateOwnersSorted(t *testing.T) {
	r := Result{Duplicates: map[int64][]uint64{100: {9, 3, 5}}}
	assert.Equal(t, []uint64{3, 5, 9}, r.DuplicateOwners(100))
	assert.Equal(t, []uint64{9, 3, 5}, r.Duplicates[100], "stored owners are left untouched")
	assert.Empty(t, r.DuplicateOwners(7))
}
