package planner

import (
	"errors"
	"reflect"
	"testing"

	"drift/metadata"
)

func pkg(from, to string, size uint64) metadata.Package {
	return metadata.Package{From: from, To: to, Size: metadata.ByteCount(size)}
}

func planNames(t *testing.T, src, dst string, packages []metadata.Package) []string {
	t.Helper()
	plan, err := Plan(src, dst, packages)
	if err != nil {
		t.Fatalf("Plan(%q, %q): %v", src, dst, err)
	}
	names := make([]string, len(plan))
	for i := range plan {
		names[i] = plan[i].DataName()
	}
	return names
}

func TestPlanPrefersCheapChain(t *testing.T) {
	// The two-hop chain costs 150, the direct edge 1000.
	packages := []metadata.Package{
		pkg("v1", "v2", 100),
		pkg("v1", "v3", 1000),
		pkg("v2", "v3", 50),
	}
	got := planNames(t, "v1", "v3", packages)
	want := []string{"patchv1_v2", "patchv2_v3"}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("got %v, want %v", got, want)
	}
}

func TestPlanFreshInstall(t *testing.T) {
	packages := []metadata.Package{
		pkg("", "v1", 1000),
		pkg("v1", "v2", 100),
	}
	got := planNames(t, "", "v2", packages)
	want := []string{"complete_v1", "patchv1_v2"}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("got %v, want %v", got, want)
	}
}

func TestPlanEmptyWhenAlreadyThere(t *testing.T) {
	plan, err := Plan("v1", "v1", []metadata.Package{pkg("", "v1", 10)})
	if err != nil {
		t.Fatal(err)
	}
	if len(plan) != 0 {
		t.Fatalf("expected empty plan, got %v", plan)
	}
}

func TestPlanNoPath(t *testing.T) {
	_, err := Plan("v1", "v3", []metadata.Package{pkg("v1", "v2", 10)})
	var noPath *NoPathError
	if !errors.As(err, &noPath) {
		t.Fatalf("expected NoPathError, got %v", err)
	}
	if noPath.From != "v1" || noPath.To != "v3" {
		t.Fatalf("unexpected endpoints: %+v", noPath)
	}
}

func TestPlanTieBreakFewerEdges(t *testing.T) {
	// Same total cost; the single edge must win.
	packages := []metadata.Package{
		pkg("v1", "v3", 100),
		pkg("v1", "v2", 50),
		pkg("v2", "v3", 50),
	}
	got := planNames(t, "v1", "v3", packages)
	want := []string{"patchv1_v3"}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("got %v, want %v", got, want)
	}
}

func TestPlanDeterministic(t *testing.T) {
	// Two equal-cost, equal-length routes; the lexicographically smaller
	// package name must be chosen, independent of input order.
	forward := []metadata.Package{
		pkg("v1", "a", 10),
		pkg("a", "v3", 10),
		pkg("v1", "b", 10),
		pkg("b", "v3", 10),
	}
	reversed := []metadata.Package{forward[3], forward[2], forward[1], forward[0]}

	first := planNames(t, "v1", "v3", forward)
	second := planNames(t, "v1", "v3", reversed)
	if !reflect.DeepEqual(first, second) {
		t.Fatalf("plans differ by input order: %v vs %v", first, second)
	}
	for i := 0; i < 5; i++ {
		if again := planNames(t, "v1", "v3", forward); !reflect.DeepEqual(again, first) {
			t.Fatalf("non-deterministic plan: %v vs %v", again, first)
		}
	}
}

func TestPlanUnknownSource(t *testing.T) {
	_, err := Plan("ghost", "v1", []metadata.Package{pkg("", "v1", 10)})
	var noPath *NoPathError
	if !errors.As(err, &noPath) {
		t.Fatalf("expected NoPathError for unknown source, got %v", err)
	}
}

func TestFindRepairSources(t *testing.T) {
	mk := func(name string, from, to string, size uint64, path, sha string) *metadata.PackageMetadata {
		return &metadata.PackageMetadata{
			Version: metadata.SchemaVersion,
			Package: pkg(from, to, size),
			Operations: []metadata.Operation{
				&metadata.Add{Path: path, FinalSha1: sha, FinalSize: 1},
			},
		}
	}
	metas := []*metadata.PackageMetadata{
		mk("big", "", "v1", 1000, "f", "aa"),
		mk("small", "v0", "v1", 10, "f", "aa"),
		mk("other", "", "v2", 5, "f", "bb"),
	}
	sources := FindRepairSources("f", "aa", metas)
	if len(sources) != 2 {
		t.Fatalf("expected 2 sources, got %d", len(sources))
	}
	if sources[0].Package.Size != 10 {
		t.Fatalf("cheapest source not first: %+v", sources[0].Package)
	}
	if got := FindRepairSources("f", "zz", metas); len(got) != 0 {
		t.Fatalf("expected no sources, got %d", len(got))
	}
}
