package domain

// Expansion is what a UserJob's Run may return in place of a bare
// value when it declares new work (spec.md §4.2): Value is stored into
// whichever of the job's vended promises the caller reads back later,
// and Children/FollowOns become the new phases pushed onto the job's
// stack (children first to run, follow-ons only once all children and
// their descendants have drained — spec.md §3, "Phase ordering").
// Joins declares fan-out/fan-in structure in the same breath (spec.md
// §8 Scenario 2): the worker has no other way for a declared successor
// to be shared by more than one concurrently-declared job.
type Expansion struct {
	Value     interface{}
	Children  []UserJob
	FollowOns []UserJob
	Joins     []Join
}

// Join declares a shared successor that several jobs declared in the
// same Expansion feed into (spec.md §3, join semantics). Members are
// wired as ordinary single-predecessor children of the declaring job;
// Target is never a direct successor of the declaring job itself —
// each Member instead carries, on its own stack, a one-entry phase
// pointing at Target with a predecessor token unique to that Member,
// and Target's PredecessorNumber is set to len(Members). Target only
// becomes ready once every Member (and whatever it expands into) has
// drained.
type Join struct {
	Members []UserJob
	Target  UserJob
}
