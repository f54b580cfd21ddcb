package handlers

import (
	"context"

	"github.com/mailmanhq/engine/internal/logging"
	"github.com/mailmanhq/engine/internal/queue"
	"github.com/mailmanhq/engine/internal/runner"
)

// QueueArchiveSink is an ArchiveSink that hands the pipeline's Archive
// handler's copy off to the Archive runner's own queue instead of
// archiving inline, so the Archive runner (and its dedicated switchboard)
// do real work rather than sitting idle behind NoopArchiver.
type QueueArchiveSink struct {
	Archive *queue.Switchboard
}

func (s QueueArchiveSink) Archive(ctx context.Context, list string, message []byte, meta queue.Metadata) error {
	archMeta := queue.Metadata{
		"listname":      list,
		"message_id":    meta["message_id"],
		"received_time": meta["received_time"],
		"whichq":        "archive",
	}
	_, err := s.Archive.Enqueue(message, archMeta)
	return err
}

// Record is the Archive runner's terminal handler: a real archiver
// (full-text index, mbox file, web UI backing store) is out of scope
// per spec.md §1, so this handler only logs receipt and disposes of the
// entry, standing in for that out-of-scope collaborator the way
// NoopArchiver stands in inline for the pipeline's Archive handler.
type Record struct{ Log *logging.Logger }

func (h Record) Name() string { return "Record" }

func (h Record) Handle(ctx context.Context, list string, message []byte, meta queue.Metadata) (runner.Decision, string, error) {
	msg := currentMessage(meta, message)
	h.Log.InfoContext(ctx, "recorded archive entry", "list", list, "message_id", meta["message_id"], "bytes", len(msg))
	return runner.Discard, "", nil
}
