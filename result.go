package ffs

import (
	"fmt"
	"sort"
)

// Pass identifies a stage of the check.
type Pass int

const (
	PassSetup Pass = iota
	PassJournal
	Pass1
	Pass1b
	Pass2
	Pass3
	Pass4
	Pass5
	Pass6
	PassFinish
)

var passTitles = map[Pass]string{
	PassSetup:   "Setup",
	PassJournal: "Replay Journal",
	Pass1:       "Phase 1 - Check Blocks and Sizes",
	Pass1b:      "Phase 1b - Rescan For More DUPS",
	Pass2:       "Phase 2 - Check Pathnames",
	Pass3:       "Phase 3 - Check Connectivity",
	Pass4:       "Phase 4 - Check Reference Counts",
	Pass5:       "Phase 5 - Check Cyl groups",
	Pass6:       "Phase 6 - Check Quotas",
	PassFinish:  "Finish",
}

func (p Pass) String() string {
	if t, ok := passTitles[p]; ok {
		return t
	}
	return fmt.Sprintf("pass(%d)", int(p))
}

// DefectClass groups defects that share one proposed repair. Automatic
// policies key their decision table on it.
type DefectClass int

const (
	ClassReadError DefectClass = iota
	ClassSuperblock
	ClassWriteZeroedBlock
	ClassBadBlock
	ClassDupBlock
	ClassExcessiveBad
	ClassExcessiveDup
	ClassUnknownType
	ClassPartiallyAllocated
	ClassBadSize
	ClassBadBlockPointer
	ClassBlockCount
	ClassPartiallyTruncated
	ClassRootUnallocated
	ClassRootBad
	ClassRootNotDir
	ClassDirSize
	ClassDirCorrupted
	ClassBadDot
	ClassBadDotDot
	ClassExtraDot
	ClassCannotFix
	ClassBadEntry
	ClassUnallocatedEntry
	ClassDupBadEntry
	ClassZeroLengthDir
	ClassExtraneousLink
	ClassBadType
	ClassOrphanDir
	ClassOrphanLoop
	ClassNoLostFound
	ClassLostFoundNotDir
	ClassLostFoundFull
	ClassLinkCount
	ClassLinkCountIncrease
	ClassUnref
	ClassClearBadDup
	ClassBadCylinderGroup
	ClassCylinderGroup
	ClassSummary
	ClassQuotaStructure
	ClassQuotaUsage
	ClassJournalFailed
	ClassCleanFlag
)

var classNames = map[DefectClass]string{
	ClassReadError:          "read-error",
	ClassSuperblock:         "superblock",
	ClassWriteZeroedBlock:   "write-zeroed-block",
	ClassBadBlock:           "bad-block",
	ClassDupBlock:           "dup-block",
	ClassExcessiveBad:       "excessive-bad",
	ClassExcessiveDup:       "excessive-dup",
	ClassUnknownType:        "unknown-type",
	ClassPartiallyAllocated: "partially-allocated",
	ClassBadSize:            "bad-size",
	ClassBadBlockPointer:    "bad-block-pointer",
	ClassBlockCount:         "block-count",
	ClassPartiallyTruncated: "partially-truncated",
	ClassRootUnallocated:    "root-unallocated",
	ClassRootBad:            "root-bad",
	ClassRootNotDir:         "root-not-dir",
	ClassDirSize:            "dir-size",
	ClassDirCorrupted:       "dir-corrupted",
	ClassBadDot:             "bad-dot",
	ClassBadDotDot:          "bad-dotdot",
	ClassExtraDot:           "extra-dot",
	ClassCannotFix:          "cannot-fix",
	ClassBadEntry:           "bad-entry",
	ClassUnallocatedEntry:   "unallocated-entry",
	ClassDupBadEntry:        "dup-bad-entry",
	ClassZeroLengthDir:      "zero-length-dir",
	ClassExtraneousLink:     "extraneous-link",
	ClassBadType:            "bad-type",
	ClassOrphanDir:          "orphan-dir",
	ClassOrphanLoop:         "orphan-loop",
	ClassNoLostFound:        "no-lost+found",
	ClassLostFoundNotDir:    "lost+found-not-dir",
	ClassLostFoundFull:      "lost+found-full",
	ClassLinkCount:          "link-count",
	ClassLinkCountIncrease:  "link-count-increase",
	ClassUnref:              "unref",
	ClassClearBadDup:        "clear-bad-dup",
	ClassBadCylinderGroup:   "bad-cg",
	ClassCylinderGroup:      "cg",
	ClassSummary:            "summary",
	ClassQuotaStructure:     "quota-structure",
	ClassQuotaUsage:         "quota-usage",
	ClassJournalFailed:      "journal-failed",
	ClassCleanFlag:          "clean-flag",
}

func (c DefectClass) String() string {
	if n, ok := classNames[c]; ok {
		return n
	}
	return fmt.Sprintf("class(%d)", int(c))
}

// Defect is one inconsistency found during the check. Action is the
// proposed repair ("CLEAR", "FIX", ...), empty for report-only findings.
type Defect struct {
	Pass    Pass
	Class   DefectClass
	Ino     uint64
	Block   int64
	Message string
	Action  string
	Applied bool
}

func (d Defect) String() string {
	switch {
	case d.Action == "":
		return d.Message
	case d.Applied:
		return fmt.Sprintf("%s (%s: yes)", d.Message, d.Action)
	default:
		return fmt.Sprintf("%s (%s: no)", d.Message, d.Action)
	}
}

// PassResult aggregates the findings of one pass.
type PassResult struct {
	Pass    Pass
	Defects []Defect
}

// Unresolved reports whether any repair proposed in this pass was declined.
func (pr *PassResult) Unresolved() bool {
	for _, d := range pr.Defects {
		if d.Action != "" && !d.Applied {
			return true
		}
	}
	return false
}

// Summary holds the closing statistics of a run.
type Summary struct {
	Files         int64
	Directories   int64
	UsedFrags     int64
	FreeFrags     int64 // frags in partially used blocks
	FreeBlocks    int64
	TotalFrags    int64
	Fragmentation float64
}

func (s Summary) String() string {
	return fmt.Sprintf("%d files, %d used, %d free (%d frags, %d blocks, %.1f%% fragmentation)",
		s.Files, s.UsedFrags, s.TotalFrags-s.UsedFrags, s.FreeFrags, s.FreeBlocks, s.Fragmentation)
}

// Status is the final verdict of a run.
type Status int

const (
	// StatusClean means nothing needed fixing.
	StatusClean Status = iota
	// StatusModified means repairs were written and the volume is now consistent.
	StatusModified
	// StatusUnresolved means at least one repair was declined.
	StatusUnresolved
	// StatusSkipped means the check was not run because the volume is marked clean.
	StatusSkipped
)

func (s Status) String() string {
	switch s {
	case StatusClean:
		return "clean"
	case StatusModified:
		return "modified"
	case StatusUnresolved:
		return "unresolved"
	case StatusSkipped:
		return "skipped"
	}
	return fmt.Sprintf("status(%d)", int(s))
}

// Exit codes, compatible with the fsck wrapper conventions.
const (
	ExitOK          = 0
	ExitRootChanged = 4
	ExitCheckFailed = 8
	ExitUsage       = 16
)

// Result is the outcome of a run, composed from the per-pass results.
type Result struct {
	RunID      string
	Passes     []PassResult
	Duplicates map[int64][]uint64 // duplicate fragment -> every claiming inode
	Summary    Summary

	Modified        bool
	RootDevice      bool
	JournalReplayed bool
	Skipped         bool
	MarkedClean     bool
}

// PassResult returns the result of pass p, or nil if it did not run.
func (r *Result) PassResult(p Pass) *PassResult {
	for i := range r.Passes {
		if r.Passes[i].Pass == p {
			return &r.Passes[i]
		}
	}
	return nil
}

// Defects returns every defect of the run in discovery order.
func (r *Result) Defects() []Defect {
	var out []Defect
	for _, pr := range r.Passes {
		out = append(out, pr.Defects...)
	}
	return out
}

// DefectsOf returns the defects of one class.
func (r *Result) DefectsOf(class DefectClass) []Defect {
	var out []Defect
	for _, d := range r.Defects() {
		if d.Class == class {
			out = append(out, d)
		}
	}
	return out
}

// Resolved reports whether every proposed repair was applied.
func (r *Result) Resolved() bool {
	for i := range r.Passes {
		if r.Passes[i].Unresolved() {
			return false
		}
	}
	return true
}

// Status returns the final verdict.
func (r *Result) Status() Status {
	switch {
	case r.Skipped:
		return StatusSkipped
	case !r.Resolved():
		return StatusUnresolved
	case r.Modified:
		return StatusModified
	}
	return StatusClean
}

// ExitCode maps the verdict to a process exit status.
func (r *Result) ExitCode() int {
	switch r.Status() {
	case StatusUnresolved:
		return ExitCheckFailed
	case StatusModified:
		if r.RootDevice {
			return ExitRootChanged
		}
	}
	return ExitOK
}

// DuplicateOwners returns the sorted claimants of a duplicate fragment.
func (r *Result) DuplicateOwners(blk int64) []uint64 {
	owners := append([]uint64(nil), r.Duplicates[blk]...)
	sort.Slice(owners, func(i, j int) bool { return owners[i] < owners[j] })
	return owners
}
