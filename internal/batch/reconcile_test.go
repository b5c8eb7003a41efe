package batch

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"
	"unicode/utf8"

	"chunklab-backend/internal/llm"
)

func newTestReconciler(env *testEnv) *Reconciler {
	return &Reconciler{
		Repo:             env.repo,
		Chunks:           env.chunks,
		Client:           env.client,
		SnapshotCapChars: 4000,
	}
}

// submittedJob inserts a job already past the submission phase.
func submittedJob(t *testing.T, env *testEnv, kind string, chunkIDs []string) Job {
	t.Helper()
	job := pendingJob(t, env, kind, chunkIDs)
	now := time.Now().UTC()
	if err := env.repo.MarkSubmitted(context.Background(), job.ID, "batch-ext-1", "file-in-1", now, now.Add(24*time.Hour)); err != nil {
		t.Fatalf("mark submitted: %v", err)
	}
	refreshed, err := env.repo.GetJob(context.Background(), job.ID)
	if err != nil {
		t.Fatalf("get job: %v", err)
	}
	return refreshed
}

func goodLine(customID, content string) string {
	return fmt.Sprintf(`{"custom_id":%q,"response":{"status_code":200,"body":{"model":"gpt-4o-mini","choices":[{"message":{"content":%q}}],"usage":{"prompt_tokens":10,"completion_tokens":20}}}}`, customID, content)
}

func errorLine(customID, message string) string {
	return fmt.Sprintf(`{"custom_id":%q,"error":{"message":%q}}`, customID, message)
}

func TestReconcileOrdersResultsByChunkPosition(t *testing.T) {
	env := newTestEnv(t, "foundation", 40)
	ids := env.addChunks(t, 3)
	job := submittedJob(t, env, "summary", ids)

	// the provider returns entries in reverse order; numbering must come from
	// the chunk rows, not the file
	lines := []string{
		goodLine(ids[2], "third analysis"),
		goodLine(ids[0], "first analysis"),
		goodLine(ids[1], "second analysis"),
	}
	env.client.remote = llm.Batch{ID: "batch-ext-1", Status: llm.BatchCompleted, OutputFileID: "file-out-1"}
	env.client.downloadData = []byte(strings.Join(lines, "\n") + "\n")

	if err := newTestReconciler(env).Reconcile(context.Background(), job.ID); err != nil {
		t.Fatalf("Reconcile: %v", err)
	}

	got, err := env.repo.GetJob(context.Background(), job.ID)
	if err != nil {
		t.Fatalf("get job: %v", err)
	}
	if got.Status != StatusCompleted {
		t.Fatalf("status: got %q want %q", got.Status, StatusCompleted)
	}
	if got.ProcessedChunks != 3 {
		t.Fatalf("processed: got %d want 3", got.ProcessedChunks)
	}
	if got.OutputFileID != "file-out-1" {
		t.Fatalf("output file id: got %q", got.OutputFileID)
	}
	if got.CompletedAt == nil {
		t.Fatalf("completed_at not set")
	}

	results, err := env.repo.ListResultsByJob(context.Background(), job.ID)
	if err != nil {
		t.Fatalf("list results: %v", err)
	}
	if len(results) != 3 {
		t.Fatalf("results: got %d want 3", len(results))
	}
	wantOutputs := []string{"first analysis", "second analysis", "third analysis"}
	for i, res := range results {
		if res.ChunkPosition != i {
			t.Fatalf("result %d position: got %d", i, res.ChunkPosition)
		}
		if res.OutputText != wantOutputs[i] {
			t.Fatalf("result %d output: got %q want %q", i, res.OutputText, wantOutputs[i])
		}
		if res.ChunkID != ids[i] {
			t.Fatalf("result %d chunk id: got %q want %q", i, res.ChunkID, ids[i])
		}
		if res.AnalysisKind != "summary" || res.ExternalBatchID != "batch-ext-1" {
			t.Fatalf("result %d provenance: %+v", i, res)
		}
	}
}

func TestReconcileIsolatesEntryErrors(t *testing.T) {
	env := newTestEnv(t, "foundation", 40)
	ids := env.addChunks(t, 2)
	job := submittedJob(t, env, "summary", ids)

	lines := []string{
		goodLine(ids[0], "fine"),
		"{not json at all",
		errorLine(ids[1], "model refused"),
		goodLine("chunk-unknown", "orphaned"),
	}
	env.client.remote = llm.Batch{ID: "batch-ext-1", Status: llm.BatchCompleted, OutputFileID: "file-out-1"}
	env.client.downloadData = []byte(strings.Join(lines, "\n") + "\n")

	if err := newTestReconciler(env).Reconcile(context.Background(), job.ID); err != nil {
		t.Fatalf("Reconcile: %v", err)
	}

	got, err := env.repo.GetJob(context.Background(), job.ID)
	if err != nil {
		t.Fatalf("get job: %v", err)
	}
	if got.Status != StatusCompleted {
		t.Fatalf("entry errors must not fail the job, status %q", got.Status)
	}
	if got.ProcessedChunks != 1 {
		t.Fatalf("processed: got %d want 1", got.ProcessedChunks)
	}
	if got.Metadata[MetaSuccessfulCount] != 1 {
		t.Fatalf("successful count metadata: %v", got.Metadata[MetaSuccessfulCount])
	}
	entryErrs, ok := got.Metadata[MetaEntryErrors].([]map[string]any)
	if !ok || len(entryErrs) != 3 {
		t.Fatalf("entry errors metadata: %v", got.Metadata[MetaEntryErrors])
	}
	reasons := make([]string, 0, len(entryErrs))
	for _, e := range entryErrs {
		reasons = append(reasons, fmt.Sprint(e["reason"]))
	}
	joined := strings.Join(reasons, " | ")
	for _, want := range []string{"malformed line", "provider error: model refused", "unresolvable correlation id"} {
		if !strings.Contains(joined, want) {
			t.Fatalf("missing reason %q in %s", want, joined)
		}
	}
}

func TestReconcileTerminalJobIsNoOp(t *testing.T) {
	env := newTestEnv(t, "foundation", 40)
	ids := env.addChunks(t, 1)
	job := submittedJob(t, env, "summary", ids)
	if err := env.repo.MarkFailed(context.Background(), job.ID, "earlier failure"); err != nil {
		t.Fatalf("mark failed: %v", err)
	}

	// a terminal job must not reach the endpoint at all
	env.client.getErr = errors.New("must not be called")
	if err := newTestReconciler(env).Reconcile(context.Background(), job.ID); err != nil {
		t.Fatalf("Reconcile on terminal job: %v", err)
	}

	got, _ := env.repo.GetJob(context.Background(), job.ID)
	if got.Status != StatusFailed || got.ErrorMessage != "earlier failure" {
		t.Fatalf("terminal job mutated: %+v", got)
	}
}

func TestReconcilePendingJobIsNoOp(t *testing.T) {
	env := newTestEnv(t, "foundation", 40)
	ids := env.addChunks(t, 1)
	job := pendingJob(t, env, "summary", ids)

	env.client.getErr = errors.New("must not be called")
	if err := newTestReconciler(env).Reconcile(context.Background(), job.ID); err != nil {
		t.Fatalf("Reconcile on pending job: %v", err)
	}
	got, _ := env.repo.GetJob(context.Background(), job.ID)
	if got.Status != StatusPending {
		t.Fatalf("pending job mutated to %q", got.Status)
	}
}

func TestReconcileExpiresPastDeadline(t *testing.T) {
	env := newTestEnv(t, "foundation", 40)
	ids := env.addChunks(t, 1)
	job := pendingJob(t, env, "summary", ids)
	past := time.Now().UTC().Add(-25 * time.Hour)
	if err := env.repo.MarkSubmitted(context.Background(), job.ID, "batch-ext-1", "file-in-1", past, past.Add(24*time.Hour)); err != nil {
		t.Fatalf("mark submitted: %v", err)
	}

	// the endpoint still reports in flight; the local deadline wins
	env.client.remote = llm.Batch{ID: "batch-ext-1", Status: llm.BatchInProgress}
	if err := newTestReconciler(env).Reconcile(context.Background(), job.ID); err != nil {
		t.Fatalf("Reconcile: %v", err)
	}
	got, _ := env.repo.GetJob(context.Background(), job.ID)
	if got.Status != StatusExpired {
		t.Fatalf("status: got %q want %q", got.Status, StatusExpired)
	}
}

func TestReconcileExpiresOnExternalExpiry(t *testing.T) {
	env := newTestEnv(t, "foundation", 40)
	ids := env.addChunks(t, 1)
	job := submittedJob(t, env, "summary", ids)

	env.client.remote = llm.Batch{ID: "batch-ext-1", Status: llm.BatchExpired}
	if err := newTestReconciler(env).Reconcile(context.Background(), job.ID); err != nil {
		t.Fatalf("Reconcile: %v", err)
	}
	got, _ := env.repo.GetJob(context.Background(), job.ID)
	if got.Status != StatusExpired {
		t.Fatalf("status: got %q want %q", got.Status, StatusExpired)
	}
}

func TestReconcileMarksExternalFailure(t *testing.T) {
	env := newTestEnv(t, "foundation", 40)
	ids := env.addChunks(t, 1)
	job := submittedJob(t, env, "summary", ids)

	env.client.remote = llm.Batch{ID: "batch-ext-1", Status: llm.BatchFailed, Error: "input file rejected"}
	if err := newTestReconciler(env).Reconcile(context.Background(), job.ID); err != nil {
		t.Fatalf("Reconcile: %v", err)
	}
	got, _ := env.repo.GetJob(context.Background(), job.ID)
	if got.Status != StatusFailed {
		t.Fatalf("status: got %q want %q", got.Status, StatusFailed)
	}
	if !strings.Contains(got.ErrorMessage, "input file rejected") {
		t.Fatalf("error message: %q", got.ErrorMessage)
	}
}

func TestReconcileMissingOutputFileIsTransient(t *testing.T) {
	env := newTestEnv(t, "foundation", 40)
	ids := env.addChunks(t, 1)
	job := submittedJob(t, env, "summary", ids)

	env.client.remote = llm.Batch{ID: "batch-ext-1", Status: llm.BatchCompleted}
	err := newTestReconciler(env).Reconcile(context.Background(), job.ID)
	if err == nil {
		t.Fatalf("expected transient error for missing output file")
	}

	// the job stays in flight so a later poll can retry
	got, _ := env.repo.GetJob(context.Background(), job.ID)
	if TerminalStatus(got.Status) {
		t.Fatalf("job must stay in flight, got %q", got.Status)
	}
}

func TestReconcileMirrorsRunningStatus(t *testing.T) {
	env := newTestEnv(t, "foundation", 40)
	ids := env.addChunks(t, 1)
	job := submittedJob(t, env, "summary", ids)

	env.client.remote = llm.Batch{ID: "batch-ext-1", Status: llm.BatchInProgress}
	if err := newTestReconciler(env).Reconcile(context.Background(), job.ID); err != nil {
		t.Fatalf("Reconcile: %v", err)
	}
	got, _ := env.repo.GetJob(context.Background(), job.ID)
	if got.Status != StatusRunning {
		t.Fatalf("status: got %q want %q", got.Status, StatusRunning)
	}
	if got.Metadata[MetaExternalStatus] != llm.BatchInProgress {
		t.Fatalf("external status metadata: %v", got.Metadata[MetaExternalStatus])
	}
}

func TestReconcileCapsChunkTextSnapshot(t *testing.T) {
	env := newTestEnv(t, "foundation", 40)
	ids := env.addChunks(t, 1)
	long, err := env.chunks.GetByID(context.Background(), ids[0])
	if err != nil {
		t.Fatalf("get chunk: %v", err)
	}
	long.Content = strings.Repeat("x", 5000)
	long.ContentLen = 5000
	if err := env.chunks.Create(context.Background(), long); err != nil {
		t.Fatalf("update chunk: %v", err)
	}

	job := submittedJob(t, env, "summary", ids)
	env.client.remote = llm.Batch{ID: "batch-ext-1", Status: llm.BatchCompleted, OutputFileID: "file-out-1"}
	env.client.downloadData = []byte(goodLine(ids[0], "ok") + "\n")

	rec := newTestReconciler(env)
	rec.SnapshotCapChars = 100
	if err := rec.Reconcile(context.Background(), job.ID); err != nil {
		t.Fatalf("Reconcile: %v", err)
	}

	results, err := env.repo.ListResultsByJob(context.Background(), job.ID)
	if err != nil || len(results) != 1 {
		t.Fatalf("results: %v %v", results, err)
	}
	if len(results[0].ChunkText) != 100 {
		t.Fatalf("snapshot length: got %d want 100", len(results[0].ChunkText))
	}
}

func TestCapTextKeepsRunesWhole(t *testing.T) {
	cases := []struct {
		name  string
		in    string
		limit int
		want  string
	}{
		{"under limit", "héllo", 10, "héllo"},
		{"ascii at limit", "hello", 5, "hello"},
		{"no limit", strings.Repeat("é", 10), 0, strings.Repeat("é", 10)},
		{"two-byte rune straddles cut", strings.Repeat("a", 3999) + "é", 4000, strings.Repeat("a", 3999)},
		{"three-byte rune straddles cut", "ab€", 3, "ab"},
		{"four-byte rune straddles cut", "a𝄞", 2, "a"},
		{"cut lands on boundary", "aé", 3, "aé"},
	}
	for _, tc := range cases {
		got := capText(tc.in, tc.limit)
		if got != tc.want {
			t.Fatalf("%s: got %q want %q", tc.name, got, tc.want)
		}
		if !utf8.ValidString(got) {
			t.Fatalf("%s: produced invalid UTF-8: %q", tc.name, got)
		}
	}
}

func TestReconcileSnapshotCapOnMultiByteText(t *testing.T) {
	env := newTestEnv(t, "foundation", 40)
	ids := env.addChunks(t, 1)
	long, err := env.chunks.GetByID(context.Background(), ids[0])
	if err != nil {
		t.Fatalf("get chunk: %v", err)
	}
	// the byte at the cap sits inside a two-byte rune
	long.Content = strings.Repeat("x", 99) + strings.Repeat("é", 10)
	long.ContentLen = len(long.Content)
	if err := env.chunks.Create(context.Background(), long); err != nil {
		t.Fatalf("update chunk: %v", err)
	}

	job := submittedJob(t, env, "summary", ids)
	env.client.remote = llm.Batch{ID: "batch-ext-1", Status: llm.BatchCompleted, OutputFileID: "file-out-1"}
	env.client.downloadData = []byte(goodLine(ids[0], "ok") + "\n")

	rec := newTestReconciler(env)
	rec.SnapshotCapChars = 100
	if err := rec.Reconcile(context.Background(), job.ID); err != nil {
		t.Fatalf("Reconcile: %v", err)
	}

	results, err := env.repo.ListResultsByJob(context.Background(), job.ID)
	if err != nil || len(results) != 1 {
		t.Fatalf("results: %v %v", results, err)
	}
	snapshot := results[0].ChunkText
	if !utf8.ValidString(snapshot) {
		t.Fatalf("snapshot is not valid UTF-8: %q", snapshot)
	}
	if len(snapshot) != 99 {
		t.Fatalf("snapshot length: got %d want 99", len(snapshot))
	}

	got, _ := env.repo.GetJob(context.Background(), job.ID)
	if got.ProcessedChunks != 1 {
		t.Fatalf("processed chunks: got %d want 1", got.ProcessedChunks)
	}
}

func TestReconcileUnknownCorrelationIDAmongFive(t *testing.T) {
	env := newTestEnv(t, "foundation", 40)
	ids := env.addChunks(t, 5)
	job := submittedJob(t, env, "summary", ids)

	lines := []string{
		goodLine(ids[0], "one"),
		goodLine(ids[1], "two"),
		goodLine("chunk-nobody", "orphaned"),
		goodLine(ids[3], "four"),
		goodLine(ids[4], "five"),
	}
	env.client.remote = llm.Batch{ID: "batch-ext-1", Status: llm.BatchCompleted, OutputFileID: "file-out-1"}
	env.client.downloadData = []byte(strings.Join(lines, "\n") + "\n")

	if err := newTestReconciler(env).Reconcile(context.Background(), job.ID); err != nil {
		t.Fatalf("Reconcile: %v", err)
	}

	results, err := env.repo.ListResultsByJob(context.Background(), job.ID)
	if err != nil {
		t.Fatalf("list results: %v", err)
	}
	if len(results) != 4 {
		t.Fatalf("results: got %d want 4", len(results))
	}

	got, _ := env.repo.GetJob(context.Background(), job.ID)
	if got.Status != StatusCompleted {
		t.Fatalf("status: got %q want %q", got.Status, StatusCompleted)
	}
	entryErrs, ok := got.Metadata[MetaEntryErrors].([]map[string]any)
	if !ok || len(entryErrs) != 1 {
		t.Fatalf("entry errors: %v", got.Metadata[MetaEntryErrors])
	}
	if entryErrs[0]["customId"] != "chunk-nobody" {
		t.Fatalf("error custom id: %v", entryErrs[0]["customId"])
	}
}

func TestReconcileTwiceDoesNotDuplicateResults(t *testing.T) {
	env := newTestEnv(t, "foundation", 40)
	ids := env.addChunks(t, 2)
	job := submittedJob(t, env, "summary", ids)

	env.client.remote = llm.Batch{ID: "batch-ext-1", Status: llm.BatchCompleted, OutputFileID: "file-out-1"}
	env.client.downloadData = []byte(goodLine(ids[0], "a") + "\n" + goodLine(ids[1], "b") + "\n")

	rec := newTestReconciler(env)
	if err := rec.Reconcile(context.Background(), job.ID); err != nil {
		t.Fatalf("first Reconcile: %v", err)
	}
	if err := rec.Reconcile(context.Background(), job.ID); err != nil {
		t.Fatalf("second Reconcile: %v", err)
	}

	results, err := env.repo.ListResultsByJob(context.Background(), job.ID)
	if err != nil {
		t.Fatalf("list results: %v", err)
	}
	if len(results) != 2 {
		t.Fatalf("results after second reconcile: got %d want 2", len(results))
	}
	got, _ := env.repo.GetJob(context.Background(), job.ID)
	if got.ProcessedChunks != 2 {
		t.Fatalf("processed after second reconcile: got %d want 2", got.ProcessedChunks)
	}
}
