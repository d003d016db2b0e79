package turnstore

import (
	"context"
	"path/filepath"
	"testing"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := Open(filepath.Join(t.TempDir(), "turns.sqlite"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func TestOpenRejectsEmptyPath(t *testing.T) {
	t.Parallel()

	for _, path := range []string{"", "   "} {
		if _, err := Open(path); err == nil {
			t.Fatalf("Open(%q) succeeded, want error", path)
		}
	}
}

func TestAppendMessageAndHistory(t *testing.T) {
	t.Parallel()

	store := openTestStore(t)
	ctx := context.Background()

	if err := store.AppendMessage(ctx, "s1", "user", "first question"); err != nil {
		t.Fatalf("AppendMessage: %v", err)
	}
	if err := store.AppendMessage(ctx, "s1", "assistant", "first answer"); err != nil {
		t.Fatalf("AppendMessage: %v", err)
	}
	if err := store.AppendMessage(ctx, "s1", "user", "second question"); err != nil {
		t.Fatalf("AppendMessage: %v", err)
	}
	if err := store.AppendMessage(ctx, "other", "user", "unrelated"); err != nil {
		t.Fatalf("AppendMessage: %v", err)
	}

	history, err := store.History(ctx, "s1", 0)
	if err != nil {
		t.Fatalf("History: %v", err)
	}
	if len(history) != 3 {
		t.Fatalf("history length = %d, want 3", len(history))
	}
	if history[0].Role != "user" || history[0].Text != "first question" {
		t.Errorf("history[0] = %+v", history[0])
	}
	if history[2].Text != "second question" {
		t.Errorf("history[2] = %+v", history[2])
	}

	// Limit keeps the most recent entries, still in chronological order.
	limited, err := store.History(ctx, "s1", 2)
	if err != nil {
		t.Fatalf("History: %v", err)
	}
	if len(limited) != 2 || limited[0].Text != "first answer" || limited[1].Text != "second question" {
		t.Errorf("limited history: %+v", limited)
	}
}

func TestAppendMessageValidation(t *testing.T) {
	t.Parallel()

	store := openTestStore(t)
	ctx := context.Background()

	if err := store.AppendMessage(ctx, "", "user", "text"); err == nil {
		t.Errorf("empty session id should fail")
	}
	if err := store.AppendMessage(ctx, "s1", "", "text"); err == nil {
		t.Errorf("empty role should fail")
	}
	if err := store.AppendMessage(ctx, "s1", "user", "   "); err == nil {
		t.Errorf("blank text should fail")
	}
}

func TestRecordAndListToolCalls(t *testing.T) {
	t.Parallel()

	store := openTestStore(t)
	ctx := context.Background()

	if err := store.RecordToolCall(ctx, "s1", "c1", "read_file", `{"path":"a.txt"}`, "contents", false); err != nil {
		t.Fatalf("RecordToolCall: %v", err)
	}
	if err := store.RecordToolCall(ctx, "s1", "c2", "execute_command", `{"command":"ls"}`, "Permission denied", true); err != nil {
		t.Fatalf("RecordToolCall: %v", err)
	}

	records, err := store.ListToolCalls(ctx, "s1", 0)
	if err != nil {
		t.Fatalf("ListToolCalls: %v", err)
	}
	if len(records) != 2 {
		t.Fatalf("records = %d, want 2", len(records))
	}
	if records[0].CallID != "c1" || records[0].Name != "read_file" || records[0].IsError {
		t.Errorf("records[0] = %+v", records[0])
	}
	if records[1].CallID != "c2" || !records[1].IsError || records[1].Output != "Permission denied" {
		t.Errorf("records[1] = %+v", records[1])
	}
	if records[0].CreatedAtUnixMs == 0 {
		t.Errorf("created_at not populated")
	}
}

func TestDeleteSession(t *testing.T) {
	t.Parallel()

	store := openTestStore(t)
	ctx := context.Background()

	if err := store.AppendMessage(ctx, "s1", "user", "hello"); err != nil {
		t.Fatalf("AppendMessage: %v", err)
	}
	if err := store.RecordToolCall(ctx, "s1", "c1", "read_file", "{}", "x", false); err != nil {
		t.Fatalf("RecordToolCall: %v", err)
	}
	if err := store.AppendMessage(ctx, "other", "user", "keep me"); err != nil {
		t.Fatalf("AppendMessage: %v", err)
	}

	if err := store.DeleteSession(ctx, "s1"); err != nil {
		t.Fatalf("DeleteSession: %v", err)
	}

	history, err := store.History(ctx, "s1", 0)
	if err != nil {
		t.Fatalf("History: %v", err)
	}
	if len(history) != 0 {
		t.Errorf("history survived delete: %+v", history)
	}
	records, err := store.ListToolCalls(ctx, "s1", 0)
	if err != nil {
		t.Fatalf("ListToolCalls: %v", err)
	}
	if len(records) != 0 {
		t.Errorf("tool calls survived delete: %+v", records)
	}

	kept, err := store.History(ctx, "other", 0)
	if err != nil {
		t.Fatalf("History: %v", err)
	}
	if len(kept) != 1 {
		t.Errorf("unrelated session affected: %+v", kept)
	}
}

func TestReopenKeepsData(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "turns.sqlite")
	ctx := context.Background()

	store, err := Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if err := store.AppendMessage(ctx, "s1", "user", "persist me"); err != nil {
		t.Fatalf("AppendMessage: %v", err)
	}
	if err := store.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	reopened, err := Open(path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer func() { _ = reopened.Close() }()

	history, err := reopened.History(ctx, "s1", 0)
	if err != nil {
		t.Fatalf("History: %v", err)
	}
	if len(history) != 1 || history[0].Text != "persist me" {
		t.Errorf("history after reopen: %+v", history)
	}
}
