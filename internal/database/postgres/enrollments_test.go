package postgres

import (
	"sync"
	"testing"

	"github.com/kozaktomas/idverify/internal/database"
)

func builtSet(t *testing.T, modelID string, records ...database.EmbeddingRecord) *database.HNSWIndexSet {
	t.Helper()
	set := database.NewHNSWIndexSet()
	if err := set.Index(modelID).Build(records); err != nil {
		t.Fatalf("Build() error = %v", err)
	}
	return set
}

func TestEnrollmentRepository_WritesDuringBuildReachNewSet(t *testing.T) {
	repo := NewEnrollmentRepository(nil, nil)
	old := builtSet(t, "arcface", database.EmbeddingRecord{ID: 1, IdentityID: "alice", ModelID: "arcface", Vector: []float32{1, 0}})
	install(repo, old)

	repo.beginBuild()
	// Snapshot read before the writes below.
	next := builtSet(t, "arcface", database.EmbeddingRecord{ID: 1, IdentityID: "alice", ModelID: "arcface", Vector: []float32{1, 0}})

	if err := repo.recordChange(indexChange{add: &database.EmbeddingRecord{ID: 2, IdentityID: "bob", ModelID: "arcface", Vector: []float32{0, 1}}}); err != nil {
		t.Fatalf("recordChange(add) error = %v", err)
	}
	if err := repo.recordChange(indexChange{add: &database.EmbeddingRecord{ID: 3, IdentityID: "bob", ModelID: "facenet", Vector: []float32{0, 1}}}); err != nil {
		t.Fatalf("recordChange(add facenet) error = %v", err)
	}
	if err := repo.recordChange(indexChange{deleteIdentity: "alice"}); err != nil {
		t.Fatalf("recordChange(delete) error = %v", err)
	}

	// The live set saw the writes before the swap.
	if got := repo.HNSWCount(); got != 1 {
		t.Errorf("HNSWCount() before swap = %d, want 1", got)
	}

	repo.finishBuild("", []string{"arcface"}, next)

	if got := repo.HNSWCount(); got != 1 {
		t.Errorf("HNSWCount() after swap = %d, want 1 (bob only)", got)
	}
	if _, ok := next.Lookup("facenet"); ok {
		t.Error("journaled write created an index for a model that was not rebuilt")
	}
	idx, _ := next.Lookup("arcface")
	neighbors, err := idx.Search([]float32{0, 1}, []string{"alice", "bob"}, 2)
	if err != nil {
		t.Fatalf("Search() error = %v", err)
	}
	if len(neighbors) != 1 || neighbors[0].Record.IdentityID != "bob" {
		t.Errorf("neighbors = %+v, want bob only", neighbors)
	}
	if repo.hnswPending != nil || repo.hnswBuilding != 0 {
		t.Errorf("journal not cleared: building=%d pending=%d", repo.hnswBuilding, len(repo.hnswPending))
	}
}

func TestEnrollmentRepository_FailedBuildKeepsLiveSet(t *testing.T) {
	repo := NewEnrollmentRepository(nil, nil)
	live := builtSet(t, "arcface", database.EmbeddingRecord{ID: 1, IdentityID: "alice", ModelID: "arcface", Vector: []float32{1, 0}})
	install(repo, live)

	repo.beginBuild()
	repo.finishBuild("", []string{"arcface"}, nil)

	if !repo.IsHNSWEnabled() || repo.HNSWCount() != 1 {
		t.Errorf("live set replaced by a failed build: enabled=%t count=%d", repo.IsHNSWEnabled(), repo.HNSWCount())
	}
}

func TestEnrollmentRepository_ReadsDuringBuildDoNotBlock(t *testing.T) {
	repo := NewEnrollmentRepository(nil, nil)
	install(repo, builtSet(t, "arcface", database.EmbeddingRecord{ID: 1, IdentityID: "alice", ModelID: "arcface", Vector: []float32{1, 0}}))

	repo.beginBuild()
	defer repo.finishBuild("", nil, nil)

	var wg sync.WaitGroup
	for range 4 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if !repo.IsHNSWEnabled() {
				t.Error("IsHNSWEnabled() = false during build")
			}
		}()
	}
	wg.Wait()
}

// install makes set the live index set.
func install(repo *EnrollmentRepository, set *database.HNSWIndexSet) {
	repo.beginBuild()
	repo.finishBuild("", set.Models(), set)
}
