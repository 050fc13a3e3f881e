package session

import (
	"context"
	"fmt"
	"io"
	"log"
	"os"

	"github.com/robfig/cron/v3"
)

// Sweeper deletes expired sessions on a cron schedule. Load already expires
// sessions lazily; the sweeper keeps abandoned rows from piling up.
type Sweeper struct {
	store *Store
	cron  *cron.Cron
	out   io.Writer
}

// NewSweeper creates a Sweeper for the given 5-field cron expression.
func NewSweeper(store *Store, spec string, out io.Writer) (*Sweeper, error) {
	if store == nil {
		return nil, fmt.Errorf("session: sweeper: store is required")
	}
	if out == nil {
		out = os.Stdout
	}
	s := &Sweeper{store: store, cron: cron.New(), out: out}
	if _, err := s.cron.AddFunc(spec, s.run); err != nil {
		return nil, fmt.Errorf("session: sweeper: schedule %q: %w", spec, err)
	}
	return s, nil
}

// Start runs the schedule in the background.
func (s *Sweeper) Start() {
	s.cron.Start()
}

// Stop halts the schedule and waits for a running sweep to finish.
func (s *Sweeper) Stop() {
	<-s.cron.Stop().Done()
}

func (s *Sweeper) run() {
	n, err := s.store.SweepExpired(context.Background())
	if err != nil {
		log.Printf("session: sweeper: %v", err)
		return
	}
	if n > 0 {
		fmt.Fprintf(s.out, "session: swept %d expired session(s)\n", n)
	}
}
