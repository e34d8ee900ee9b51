package git

import (
	"testing"

	"github.com/randalmurphal/prflow/testutil"
)

func TestCommitParents(t *testing.T) {
	repo := testutil.SetupTestRepo(t)
	root := testutil.GetHeadSHA(t, repo)
	testutil.CommitFile(t, repo, "a.txt", "a", "second")
	second := testutil.GetHeadSHA(t, repo)

	g, err := NewContext(repo)
	if err != nil {
		t.Fatalf("NewContext failed: %v", err)
	}

	parents, err := g.CommitParents(root)
	if err != nil {
		t.Fatalf("CommitParents failed: %v", err)
	}
	if len(parents) != 0 {
		t.Errorf("root commit has parents %v, want none", parents)
	}

	parents, err = g.CommitParents(second)
	if err != nil {
		t.Fatalf("CommitParents failed: %v", err)
	}
	if len(parents) != 1 || parents[0] != root {
		t.Errorf("parents = %v, want [%s]", parents, root)
	}
}

func TestCommitParentsMergeCommit(t *testing.T) {
	repo := testutil.SetupTestRepo(t)
	testutil.CreateBranch(t, repo, "side")
	testutil.CommitFile(t, repo, "side.txt", "s", "side work")
	testutil.SwitchBranch(t, repo, "main")
	testutil.CommitFile(t, repo, "main.txt", "m", "main work")
	testutil.RunGit(t, repo, "merge", "--no-ff", "side", "-m", "merge side")
	merge := testutil.GetHeadSHA(t, repo)

	g, err := NewContext(repo)
	if err != nil {
		t.Fatalf("NewContext failed: %v", err)
	}
	parents, err := g.CommitParents(merge)
	if err != nil {
		t.Fatalf("CommitParents failed: %v", err)
	}
	if len(parents) != 2 {
		t.Errorf("merge commit has %d parents, want 2", len(parents))
	}
}

func TestIsAncestorLinearHistory(t *testing.T) {
	repo := testutil.SetupTestRepo(t)
	a := testutil.GetHeadSHA(t, repo)
	testutil.CommitFile(t, repo, "b.txt", "b", "commit b")
	b := testutil.GetHeadSHA(t, repo)
	testutil.CommitFile(t, repo, "c.txt", "c", "commit c")
	c := testutil.GetHeadSHA(t, repo)

	g, err := NewContext(repo)
	if err != nil {
		t.Fatalf("NewContext failed: %v", err)
	}

	tests := []struct {
		name     string
		ancestor string
		tip      string
		want     bool
	}{
		{"a before c", a, c, true},
		{"a before b", a, b, true},
		{"b before c", b, c, true},
		{"self is ancestor", b, b, true},
		{"c not before a", c, a, false},
		{"b not before a", b, a, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := g.IsAncestor(tt.ancestor, tt.tip)
			if err != nil {
				t.Fatalf("IsAncestor failed: %v", err)
			}
			if got != tt.want {
				t.Errorf("IsAncestor(%s, %s) = %v, want %v", tt.ancestor, tt.tip, got, tt.want)
			}
		})
	}
}

func TestIsAncestorDivergedBranches(t *testing.T) {
	repo := testutil.SetupTestRepo(t)
	base := testutil.GetHeadSHA(t, repo)
	testutil.CreateBranch(t, repo, "side")
	testutil.CommitFile(t, repo, "side.txt", "s", "side work")
	side := testutil.GetHeadSHA(t, repo)
	testutil.SwitchBranch(t, repo, "main")
	testutil.CommitFile(t, repo, "main.txt", "m", "main work")
	mainTip := testutil.GetHeadSHA(t, repo)

	g, err := NewContext(repo)
	if err != nil {
		t.Fatalf("NewContext failed: %v", err)
	}

	if ok, _ := g.IsAncestor(base, side); !ok {
		t.Error("base should be ancestor of side tip")
	}
	if ok, _ := g.IsAncestor(base, mainTip); !ok {
		t.Error("base should be ancestor of main tip")
	}
	if ok, _ := g.IsAncestor(side, mainTip); ok {
		t.Error("diverged side tip is not an ancestor of main tip")
	}
	if ok, _ := g.IsAncestor(mainTip, side); ok {
		t.Error("diverged main tip is not an ancestor of side tip")
	}
}

func TestAheadBehind(t *testing.T) {
	origin, clone := testutil.SetupRemoteAndClone(t)

	// Two local commits, one new remote commit.
	testutil.CommitFile(t, clone, "l1.txt", "1", "local 1")
	testutil.CommitFile(t, clone, "l2.txt", "2", "local 2")

	other := testutil.CloneRepo(t, origin)
	testutil.CommitFile(t, other, "r1.txt", "r", "remote 1")
	testutil.RunGit(t, other, "push", "origin", "main")

	g, err := NewContext(clone)
	if err != nil {
		t.Fatalf("NewContext failed: %v", err)
	}
	if err := g.Fetch("origin"); err != nil {
		t.Fatalf("Fetch failed: %v", err)
	}

	ahead, behind, err := g.AheadBehind("main", "origin/main")
	if err != nil {
		t.Fatalf("AheadBehind failed: %v", err)
	}
	if ahead != 2 || behind != 1 {
		t.Errorf("ahead=%d behind=%d, want 2 and 1", ahead, behind)
	}
}

func TestAheadBehindInSync(t *testing.T) {
	_, clone := testutil.SetupRemoteAndClone(t)
	g, err := NewContext(clone)
	if err != nil {
		t.Fatalf("NewContext failed: %v", err)
	}
	ahead, behind, err := g.AheadBehind("main", "origin/main")
	if err != nil {
		t.Fatalf("AheadBehind failed: %v", err)
	}
	if ahead != 0 || behind != 0 {
		t.Errorf("ahead=%d behind=%d, want 0 and 0", ahead, behind)
	}
}
