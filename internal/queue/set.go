package queue

import "fmt"

// Set is the full collection of Switchboards one process needs: the nine
// named queues from spec.md §4.3 plus the shared "shunt" and per-queue
// "bad" side directories. It implements runner.Router so any runner can
// reinject an entry onto another named queue without importing every
// concrete Switchboard itself.
type Set struct {
	boards map[string]*Switchboard
}

// Names are the queue directories the engine always provisions.
var Names = []string{
	"incoming", "pipeline", "outgoing", "bounce", "virgin",
	"command", "news", "retry", "archive", "shunt",
}

// NewSet opens (creating if absent) one Switchboard per name under
// baseDir/<name>.
func NewSet(baseDir string, names []string) (*Set, error) {
	s := &Set{boards: make(map[string]*Switchboard, len(names))}
	for _, name := range names {
		sb, err := New(name, baseDir+"/"+name)
		if err != nil {
			return nil, fmt.Errorf("queue set: %w", err)
		}
		s.boards[name] = sb
	}
	return s, nil
}

// Switchboard resolves a queue name, satisfying runner.Router.
func (s *Set) Switchboard(name string) (*Switchboard, error) {
	sb, ok := s.boards[name]
	if !ok {
		return nil, fmt.Errorf("queue set: unknown queue %q", name)
	}
	return sb, nil
}

// All returns every Switchboard this Set owns, for startup tasks like
// RecoverBackupFiles sweeps across the whole tree.
func (s *Set) All() map[string]*Switchboard {
	return s.boards
}
