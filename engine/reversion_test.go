package engine

import (
	"errors"
	"testing"
)

func TestRevertModifyRestoresPriorContent(t *testing.T) {
	env := NewLocalEnvironment(t.TempDir())
	r := NewReversionEngine(env, testLogger())

	if err := env.WriteFile("a.txt", []byte("original")); err != nil {
		t.Fatal(err)
	}

	id, err := r.RecordSnapshot("msg1", "a.txt", OpModify)
	if err != nil {
		t.Fatal(err)
	}
	if err := env.WriteFile("a.txt", []byte("changed")); err != nil {
		t.Fatal(err)
	}
	if err := r.CommitSnapshot(id); err != nil {
		t.Fatal(err)
	}

	restored, err := r.RevertTo([]string{"msg1"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if restored != 1 {
		t.Errorf("expected 1 restored file, got %d", restored)
	}
	data, err := env.ReadFile("a.txt")
	if err != nil {
		t.Fatal(err)
	}
	if string(data) != "original" {
		t.Errorf("expected original content, got %q", data)
	}
}

func TestRevertCreateThenModifyRemovesFile(t *testing.T) {
	env := NewLocalEnvironment(t.TempDir())
	r := NewReversionEngine(env, testLogger())

	// create
	id1, err := r.RecordSnapshot("msg1", "new.txt", OpCreate)
	if err != nil {
		t.Fatal(err)
	}
	if err := env.WriteFile("new.txt", []byte("v1")); err != nil {
		t.Fatal(err)
	}
	if err := r.CommitSnapshot(id1); err != nil {
		t.Fatal(err)
	}

	// modify twice, under a later message
	for _, content := range []string{"v2", "v3"} {
		id, err := r.RecordSnapshot("msg2", "new.txt", OpModify)
		if err != nil {
			t.Fatal(err)
		}
		if err := env.WriteFile("new.txt", []byte(content)); err != nil {
			t.Fatal(err)
		}
		if err := r.CommitSnapshot(id); err != nil {
			t.Fatal(err)
		}
	}

	// Reverting both messages unwinds latest-first, ending with the file gone.
	restored, err := r.RevertTo([]string{"msg1", "msg2"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if restored != 2 {
		t.Errorf("expected 2 restored files, got %d", restored)
	}
	if env.FileExists("new.txt") {
		t.Error("expected file removed after reverting its creation")
	}
}

func TestRevertDeleteRestoresContent(t *testing.T) {
	env := NewLocalEnvironment(t.TempDir())
	r := NewReversionEngine(env, testLogger())

	if err := env.WriteFile("doomed.txt", []byte("keep me")); err != nil {
		t.Fatal(err)
	}
	id, err := r.RecordSnapshot("msg1", "doomed.txt", OpDelete)
	if err != nil {
		t.Fatal(err)
	}
	if err := env.DeleteFile("doomed.txt"); err != nil {
		t.Fatal(err)
	}
	if err := r.CommitSnapshot(id); err != nil {
		t.Fatal(err)
	}

	if _, err := r.RevertTo([]string{"msg1"}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	data, err := env.ReadFile("doomed.txt")
	if err != nil {
		t.Fatal(err)
	}
	if string(data) != "keep me" {
		t.Errorf("expected restored content, got %q", data)
	}
}

func TestUncommittedSnapshotIsNeverReverted(t *testing.T) {
	env := NewLocalEnvironment(t.TempDir())
	r := NewReversionEngine(env, testLogger())

	if err := env.WriteFile("a.txt", []byte("before")); err != nil {
		t.Fatal(err)
	}
	if _, err := r.RecordSnapshot("msg1", "a.txt", OpModify); err != nil {
		t.Fatal(err)
	}
	if err := env.WriteFile("a.txt", []byte("after")); err != nil {
		t.Fatal(err)
	}
	// Never committed: the mutation is treated as not having happened.

	restored, err := r.RevertTo([]string{"msg1"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if restored != 0 {
		t.Errorf("expected 0 restored files, got %d", restored)
	}
	data, _ := env.ReadFile("a.txt")
	if string(data) != "after" {
		t.Errorf("uncommitted snapshot must not be applied, got %q", data)
	}
}

func TestRecordReplacesUncommittedSnapshotForSameKey(t *testing.T) {
	env := NewLocalEnvironment(t.TempDir())
	r := NewReversionEngine(env, testLogger())

	if err := env.WriteFile("a.txt", []byte("first")); err != nil {
		t.Fatal(err)
	}
	id1, err := r.RecordSnapshot("msg1", "a.txt", OpModify)
	if err != nil {
		t.Fatal(err)
	}
	id2, err := r.RecordSnapshot("msg1", "a.txt", OpModify)
	if err != nil {
		t.Fatal(err)
	}

	if err := r.CommitSnapshot(id1); err == nil {
		t.Error("expected the replaced snapshot to be unknown")
	}
	if err := r.CommitSnapshot(id2); err != nil {
		t.Errorf("unexpected error committing the live snapshot: %v", err)
	}
}

func TestCommitUnknownSnapshotIsNotFound(t *testing.T) {
	env := NewLocalEnvironment(t.TempDir())
	r := NewReversionEngine(env, testLogger())

	err := r.CommitSnapshot("nope")
	var notFound *NotFoundError
	if !errors.As(err, &notFound) {
		t.Fatalf("expected NotFoundError, got %v", err)
	}
}

func TestRevertAggregatesFailuresAndContinues(t *testing.T) {
	env := NewLocalEnvironment(t.TempDir())
	r := NewReversionEngine(env, testLogger())

	// One healthy snapshot and one whose restore will fail (delete of a file
	// that no longer exists is fine, so use a modify whose directory becomes
	// a file, making WriteFile fail).
	if err := env.WriteFile("ok.txt", []byte("good")); err != nil {
		t.Fatal(err)
	}
	idOK, err := r.RecordSnapshot("msg1", "ok.txt", OpModify)
	if err != nil {
		t.Fatal(err)
	}
	if err := env.WriteFile("ok.txt", []byte("mutated")); err != nil {
		t.Fatal(err)
	}
	if err := r.CommitSnapshot(idOK); err != nil {
		t.Fatal(err)
	}

	if err := env.WriteFile("dir/broken.txt", []byte("x")); err != nil {
		t.Fatal(err)
	}
	idBad, err := r.RecordSnapshot("msg1", "dir/broken.txt", OpModify)
	if err != nil {
		t.Fatal(err)
	}
	if err := r.CommitSnapshot(idBad); err != nil {
		t.Fatal(err)
	}
	// Replace the directory with a plain file so the restore's mkdir fails.
	if err := env.DeleteFile("dir/broken.txt"); err != nil {
		t.Fatal(err)
	}
	if err := env.DeleteFile("dir"); err != nil {
		t.Fatal(err)
	}
	if err := env.WriteFile("dir", []byte("not a directory")); err != nil {
		t.Fatal(err)
	}

	restored, err := r.RevertTo([]string{"msg1"})
	var revertErr *RevertError
	if !errors.As(err, &revertErr) {
		t.Fatalf("expected RevertError, got %v", err)
	}
	if len(revertErr.Failures) != 1 {
		t.Errorf("expected 1 failure, got %d", len(revertErr.Failures))
	}
	if restored != 1 {
		t.Errorf("the healthy snapshot should still restore, got %d", restored)
	}
	data, _ := env.ReadFile("ok.txt")
	if string(data) != "good" {
		t.Errorf("expected healthy file restored, got %q", data)
	}
}

func TestSnapshotsListsCommittedInOrder(t *testing.T) {
	env := NewLocalEnvironment(t.TempDir())
	r := NewReversionEngine(env, testLogger())

	var ids []string
	for _, name := range []string{"a.txt", "b.txt"} {
		if err := env.WriteFile(name, []byte("x")); err != nil {
			t.Fatal(err)
		}
		id, err := r.RecordSnapshot("msg1", name, OpModify)
		if err != nil {
			t.Fatal(err)
		}
		if err := r.CommitSnapshot(id); err != nil {
			t.Fatal(err)
		}
		ids = append(ids, id)
	}
	// An uncommitted one does not appear.
	if err := env.WriteFile("c.txt", []byte("x")); err != nil {
		t.Fatal(err)
	}
	if _, err := r.RecordSnapshot("msg1", "c.txt", OpModify); err != nil {
		t.Fatal(err)
	}

	got := r.Snapshots("msg1")
	if len(got) != 2 || got[0] != ids[0] || got[1] != ids[1] {
		t.Errorf("expected %v, got %v", ids, got)
	}
}
