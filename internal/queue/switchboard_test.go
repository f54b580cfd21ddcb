package queue

import (
	"os"
	"path/filepath"
	"testing"
)

func newTestSwitchboard(t *testing.T, name string) *Switchboard {
	t.Helper()
	dir := t.TempDir()
	sb, err := New(name, dir)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return sb
}

func TestEnqueueDequeueFinish(t *testing.T) {
	sb := newTestSwitchboard(t, "incoming")

	filebase, err := sb.Enqueue([]byte("hello world"), Metadata{"listname": "announce"})
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	bases, err := sb.Files(0, 1)
	if err != nil {
		t.Fatalf("Files: %v", err)
	}
	if len(bases) != 1 || bases[0] != filebase {
		t.Fatalf("Files = %v, want [%s]", bases, filebase)
	}

	message, meta, err := sb.Dequeue(filebase)
	if err != nil {
		t.Fatalf("Dequeue: %v", err)
	}
	if string(message) != "hello world" {
		t.Fatalf("message = %q, want %q", message, "hello world")
	}
	if meta["listname"] != "announce" {
		t.Fatalf("metadata[listname] = %v, want announce", meta["listname"])
	}

	if err := sb.Finish(filebase, false); err != nil {
		t.Fatalf("Finish: %v", err)
	}

	bases, _ = sb.Files(0, 1)
	if len(bases) != 0 {
		t.Fatalf("Files after Finish = %v, want empty", bases)
	}
	if _, err := os.Stat(filepath.Join(sb.Dir(), filebase+".bak")); !os.IsNotExist(err) {
		t.Fatalf(".bak file should be gone after Finish, stat err = %v", err)
	}
}

func TestFinishPreservePromotesToBad(t *testing.T) {
	sb := newTestSwitchboard(t, "incoming")

	filebase, err := sb.Enqueue([]byte("broken"), nil)
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	if _, _, err := sb.Dequeue(filebase); err != nil {
		t.Fatalf("Dequeue: %v", err)
	}
	if err := sb.Finish(filebase, true); err != nil {
		t.Fatalf("Finish preserve: %v", err)
	}

	if _, err := os.Stat(filepath.Join(sb.Dir(), "bad", filebase+".bak")); err != nil {
		t.Fatalf("expected bad/%s.bak to exist: %v", filebase, err)
	}
}

func TestDequeueUnparseableReturnsNilWithoutError(t *testing.T) {
	sb := newTestSwitchboard(t, "incoming")

	foreign := filepath.Join(sb.Dir(), "0000deadbeef+aabbccdd.pck")
	if err := os.WriteFile(foreign, []byte("not json at all"), 0640); err != nil {
		t.Fatalf("seed foreign file: %v", err)
	}

	message, meta, err := sb.Dequeue("0000deadbeef+aabbccdd")
	if err != nil {
		t.Fatalf("Dequeue on unparseable entry returned error: %v", err)
	}
	if message != nil || meta != nil {
		t.Fatalf("Dequeue on unparseable entry = (%v, %v), want (nil, nil)", message, meta)
	}
}

func TestRecoverBackupFiles(t *testing.T) {
	sb := newTestSwitchboard(t, "pipeline")

	filebase, err := sb.Enqueue([]byte("payload"), Metadata{"listname": "discuss"})
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	// Simulate a crashed reader: dequeue claims the entry (.pck -> .bak)
	// but the process dies before Finish is called.
	if _, _, err := sb.Dequeue(filebase); err != nil {
		t.Fatalf("Dequeue: %v", err)
	}

	recovered, err := sb.RecoverBackupFiles()
	if err != nil {
		t.Fatalf("RecoverBackupFiles: %v", err)
	}
	if recovered != 1 {
		t.Fatalf("recovered = %d, want 1", recovered)
	}

	bases, err := sb.Files(0, 1)
	if err != nil {
		t.Fatalf("Files: %v", err)
	}
	if len(bases) != 1 || bases[0] != filebase {
		t.Fatalf("Files after recovery = %v, want exactly [%s]", bases, filebase)
	}
}

func TestCleanStaleTempFiles(t *testing.T) {
	sb := newTestSwitchboard(t, "incoming")

	stale := filepath.Join(sb.Dir(), "123+abc.pck.tmp")
	if err := os.WriteFile(stale, []byte("partial"), 0640); err != nil {
		t.Fatalf("seed stale tmp: %v", err)
	}

	removed, err := sb.CleanStaleTempFiles()
	if err != nil {
		t.Fatalf("CleanStaleTempFiles: %v", err)
	}
	if removed != 1 {
		t.Fatalf("removed = %d, want 1", removed)
	}
	if _, err := os.Stat(stale); !os.IsNotExist(err) {
		t.Fatalf("stale tmp file should be gone, stat err = %v", err)
	}
}

func TestFilesPartitioning(t *testing.T) {
	sb := newTestSwitchboard(t, "pipeline")

	const numSlices = 4
	var all []string
	for i := 0; i < 20; i++ {
		base, err := sb.Enqueue([]byte("msg"), Metadata{"message_id": testMessageID(i)})
		if err != nil {
			t.Fatalf("Enqueue %d: %v", i, err)
		}
		all = append(all, base)
	}

	seen := map[string]bool{}
	for slice := 0; slice < numSlices; slice++ {
		bases, err := sb.Files(slice, numSlices)
		if err != nil {
			t.Fatalf("Files(%d, %d): %v", slice, numSlices, err)
		}
		for _, b := range bases {
			if seen[b] {
				t.Fatalf("filebase %s assigned to more than one slice", b)
			}
			seen[b] = true
		}
	}

	if len(seen) != len(all) {
		t.Fatalf("partitioned %d filebases, want %d (every entry must land in exactly one slice)", len(seen), len(all))
	}
}

func testMessageID(i int) string {
	return "msg-id-" + string(rune('a'+i))
}

func TestShuntAnnotatesAndMoves(t *testing.T) {
	src := newTestSwitchboard(t, "pipeline")
	shuntDir := t.TempDir()
	dest, err := New("shunt", shuntDir)
	if err != nil {
		t.Fatalf("New shunt: %v", err)
	}

	filebase, err := src.Enqueue([]byte("will fail"), Metadata{"listname": "announce"})
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	message, meta, err := src.Dequeue(filebase)
	if err != nil {
		t.Fatalf("Dequeue: %v", err)
	}

	newBase, err := src.Shunt(dest, filebase, message, meta, "handler raised KeyError")
	if err != nil {
		t.Fatalf("Shunt: %v", err)
	}

	shuntBases, err := dest.Files(0, 1)
	if err != nil {
		t.Fatalf("dest.Files: %v", err)
	}
	if len(shuntBases) != 1 || shuntBases[0] != newBase {
		t.Fatalf("shunt queue contents = %v, want [%s]", shuntBases, newBase)
	}

	_, shuntedMeta, err := dest.Dequeue(newBase)
	if err != nil {
		t.Fatalf("Dequeue from shunt: %v", err)
	}
	if shuntedMeta["shunt_reason"] != "handler raised KeyError" {
		t.Fatalf("shunt_reason = %v, want annotated reason", shuntedMeta["shunt_reason"])
	}
	if shuntedMeta["shunt_from"] != "pipeline" {
		t.Fatalf("shunt_from = %v, want pipeline", shuntedMeta["shunt_from"])
	}

	srcBases, _ := src.Files(0, 1)
	if len(srcBases) != 0 {
		t.Fatalf("source queue should be empty after shunt, got %v", srcBases)
	}
}

func TestDepthReflectsFileCount(t *testing.T) {
	sb := newTestSwitchboard(t, "incoming")

	for i := 0; i < 3; i++ {
		if _, err := sb.Enqueue([]byte("m"), nil); err != nil {
			t.Fatalf("Enqueue %d: %v", i, err)
		}
	}

	n, err := sb.Depth()
	if err != nil {
		t.Fatalf("Depth: %v", err)
	}
	if n != 3 {
		t.Fatalf("Depth = %d, want 3", n)
	}
}
