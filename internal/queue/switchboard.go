// Package queue implements the engine's filesystem-backed Switchboard: a
// durable, crash-recoverable, per-directory FIFO-ish queue of
// (message, metadata) pairs.
//
// Each entry lives as a single file, <filebase>.pck, containing two
// JSON documents written back to back: the raw message bytes, then the
// metadata map. Dequeue renames .pck to .bak before reading it back, so
// a crashed reader leaves at most one orphaned .bak, which a fresh
// RecoverBackupFiles pass restores before the next scan.
package queue

import (
	"bufio"
	"crypto/sha1"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"hash/fnv"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/mailmanhq/engine/internal/metrics"
)

// Metadata is the keyed map of per-entry bookkeeping carried alongside a
// message: at minimum "listname", "received_time", "whichq", and
// "_parsemsg" are expected to be present by the time an entry reaches a
// runner's handler chain.
type Metadata map[string]any

// Entry is a dequeued (filebase, message, metadata) triple.
type Entry struct {
	Filebase string
	Message  []byte
	Metadata Metadata
}

// Switchboard manages one queue directory.
type Switchboard struct {
	name string
	dir  string
}

// New returns a Switchboard rooted at dir. The directory (and its shunt
// and bad subdirectories) are created if missing.
func New(name, dir string) (*Switchboard, error) {
	sb := &Switchboard{name: name, dir: dir}
	for _, sub := range []string{"", "shunt", "bad"} {
		if err := os.MkdirAll(filepath.Join(dir, sub), 0750); err != nil {
			return nil, fmt.Errorf("queue %s: create %s: %w", name, sub, err)
		}
	}
	return sb, nil
}

// Name returns the queue's name, used as the metrics "queue" label.
func (sb *Switchboard) Name() string { return sb.name }

// Dir returns the queue's backing directory.
func (sb *Switchboard) Dir() string { return sb.dir }

// messageID pulls a best-effort Message-Id-like field out of metadata to
// seed filebase hashing; falls back to the message length if absent.
func messageID(message []byte, meta Metadata) string {
	if v, ok := meta["message_id"]; ok {
		if s, ok := v.(string); ok && s != "" {
			return s
		}
	}
	return fmt.Sprintf("%d", len(message))
}

// Enqueue writes a new entry and returns its filebase. The write is
// two-step: write to <filebase>.pck.tmp, fsync, atomic rename to
// <filebase>.pck, so a crash mid-write leaves only a garbage .pck.tmp
// for the next scan to discard.
func (sb *Switchboard) Enqueue(message []byte, meta Metadata) (string, error) {
	now := time.Now()
	mid := messageID(message, meta)
	sum := sha1.Sum([]byte(fmt.Sprintf("%d:%s", now.UnixNano(), mid)))
	filebase := fmt.Sprintf("%x+%s", now.UnixNano(), hex.EncodeToString(sum[:8]))

	tmp := filepath.Join(sb.dir, filebase+".pck.tmp")
	final := filepath.Join(sb.dir, filebase+".pck")

	if err := writePickle(tmp, message, meta); err != nil {
		return "", fmt.Errorf("queue %s: enqueue: %w", sb.name, err)
	}
	if err := os.Rename(tmp, final); err != nil {
		os.Remove(tmp)
		return "", fmt.Errorf("queue %s: enqueue rename: %w", sb.name, err)
	}

	metrics.QueueEnqueued.WithLabelValues(sb.name).Inc()
	metrics.QueueDepth.WithLabelValues(sb.name).Inc()
	return filebase, nil
}

// writePickle serializes the message followed by its metadata as two
// newline-delimited JSON documents.
func writePickle(path string, message []byte, meta Metadata) error {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC|os.O_EXCL, 0640)
	if err != nil {
		return err
	}
	w := bufio.NewWriter(f)
	enc := json.NewEncoder(w)
	if err := enc.Encode(message); err != nil {
		f.Close()
		os.Remove(path)
		return err
	}
	if meta == nil {
		meta = Metadata{}
	}
	if err := enc.Encode(meta); err != nil {
		f.Close()
		os.Remove(path)
		return err
	}
	if err := w.Flush(); err != nil {
		f.Close()
		os.Remove(path)
		return err
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

func readPickle(path string) ([]byte, Metadata, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, nil, err
	}
	defer f.Close()

	dec := json.NewDecoder(f)
	var message []byte
	if err := dec.Decode(&message); err != nil {
		return nil, nil, err
	}
	var meta Metadata
	if err := dec.Decode(&meta); err != nil {
		return nil, nil, err
	}
	return message, meta, nil
}

// Files returns the filebases currently queued, in lexicographic filename
// order (best-effort FIFO, per the <time>+<hash>.pck naming scheme). If
// slice and numSlices describe a worker partition, only filebases whose
// hash modulo numSlices equals slice are returned, so N workers can share
// a queue without mutual exclusion.
func (sb *Switchboard) Files(slice, numSlices int) ([]string, error) {
	entries, err := os.ReadDir(sb.dir)
	if err != nil {
		return nil, fmt.Errorf("queue %s: list: %w", sb.name, err)
	}

	var bases []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		name := e.Name()
		if !strings.HasSuffix(name, ".pck") {
			continue
		}
		base := strings.TrimSuffix(name, ".pck")
		if numSlices > 1 && int(hashFilebase(base)%uint32(numSlices)) != slice {
			continue
		}
		bases = append(bases, base)
	}
	sort.Strings(bases)
	return bases, nil
}

func hashFilebase(filebase string) uint32 {
	h := fnv.New32a()
	h.Write([]byte(filebase))
	return h.Sum32()
}

// Dequeue claims an entry by renaming its .pck to .bak, then reads it
// back. A nil message and metadata (with no error) indicates the file
// could not be parsed; the caller should shunt it.
func (sb *Switchboard) Dequeue(filebase string) ([]byte, Metadata, error) {
	pckPath := filepath.Join(sb.dir, filebase+".pck")
	bakPath := filepath.Join(sb.dir, filebase+".bak")

	if err := os.Rename(pckPath, bakPath); err != nil {
		return nil, nil, fmt.Errorf("queue %s: dequeue claim %s: %w", sb.name, filebase, err)
	}

	message, meta, err := readPickle(bakPath)
	if err != nil {
		return nil, nil, nil
	}

	metrics.QueueDequeued.WithLabelValues(sb.name).Inc()
	return message, meta, nil
}

// Finish completes processing of a dequeued entry. If preserve is false
// the .bak is unlinked; if true it is moved into the bad/ subdirectory
// for postmortem inspection.
func (sb *Switchboard) Finish(filebase string, preserve bool) error {
	bakPath := filepath.Join(sb.dir, filebase+".bak")

	if !preserve {
		if err := os.Remove(bakPath); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("queue %s: finish %s: %w", sb.name, filebase, err)
		}
		metrics.QueueDepth.WithLabelValues(sb.name).Dec()
		return nil
	}

	dest := filepath.Join(sb.dir, "bad", filebase+".bak")
	if err := os.Rename(bakPath, dest); err != nil {
		return fmt.Errorf("queue %s: preserve %s: %w", sb.name, filebase, err)
	}
	metrics.QueueDepth.WithLabelValues(sb.name).Dec()
	return nil
}

// Requeue restores a single claimed entry (filebase.bak) back to
// filebase.pck so it is picked up again on a later pass. Used when a
// runner's dispose override returns Keep rather than disposing of the entry.
func (sb *Switchboard) Requeue(filebase string) error {
	bak := filepath.Join(sb.dir, filebase+".bak")
	pck := filepath.Join(sb.dir, filebase+".pck")
	if err := os.Rename(bak, pck); err != nil {
		return fmt.Errorf("queue %s: requeue %s: %w", sb.name, filebase, err)
	}
	return nil
}

// Shunt moves a .bak (or, if dequeue never completed, a .pck) entry to
// another switchboard, annotating its metadata with the failure reason
// under the "shunt_reason" key. It is the caller's responsibility to
// pass the shunt Switchboard as dest.
func (sb *Switchboard) Shunt(dest *Switchboard, filebase string, message []byte, meta Metadata, reason string) (string, error) {
	if meta == nil {
		meta = Metadata{}
	}
	meta["shunt_reason"] = reason
	meta["shunt_from"] = sb.name
	meta["shunt_time"] = time.Now().Format(time.RFC3339)

	newBase, err := dest.Enqueue(message, meta)
	if err != nil {
		return "", err
	}

	// Best-effort cleanup of whatever remains of the source entry.
	os.Remove(filepath.Join(sb.dir, filebase+".bak"))
	os.Remove(filepath.Join(sb.dir, filebase+".pck"))
	metrics.QueueDepth.WithLabelValues(sb.name).Dec()

	return newBase, nil
}

// RecoverBackupFiles reclaims orphaned .bak files left by a crashed
// reader, renaming each back to .pck so the next Files/Dequeue pass picks
// it up again. Returns the number of files recovered.
func (sb *Switchboard) RecoverBackupFiles() (int, error) {
	entries, err := os.ReadDir(sb.dir)
	if err != nil {
		return 0, fmt.Errorf("queue %s: recover: %w", sb.name, err)
	}

	recovered := 0
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		name := e.Name()
		if !strings.HasSuffix(name, ".bak") {
			continue
		}
		base := strings.TrimSuffix(name, ".bak")
		bak := filepath.Join(sb.dir, name)
		pck := filepath.Join(sb.dir, base+".pck")
		if err := os.Rename(bak, pck); err != nil {
			return recovered, fmt.Errorf("queue %s: recover %s: %w", sb.name, base, err)
		}
		recovered++
	}

	if recovered > 0 {
		metrics.QueueBackupsRecovered.WithLabelValues(sb.name).Add(float64(recovered))
	}
	return recovered, nil
}

// CleanStaleTempFiles removes any .pck.tmp files left by a crashed
// writer. Returns the number removed.
func (sb *Switchboard) CleanStaleTempFiles() (int, error) {
	entries, err := os.ReadDir(sb.dir)
	if err != nil {
		return 0, fmt.Errorf("queue %s: clean temp: %w", sb.name, err)
	}

	removed := 0
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".pck.tmp") {
			continue
		}
		if err := os.Remove(filepath.Join(sb.dir, e.Name())); err == nil {
			removed++
		}
	}
	return removed, nil
}

// Depth reports the current number of queued (.pck) entries and updates
// the QueueDepth gauge to match. Useful at runner startup, when the
// gauge's in-memory state does not yet reflect files on disk.
func (sb *Switchboard) Depth() (int, error) {
	bases, err := sb.Files(0, 1)
	if err != nil {
		return 0, err
	}
	metrics.QueueDepth.WithLabelValues(sb.name).Set(float64(len(bases)))
	return len(bases), nil
}
