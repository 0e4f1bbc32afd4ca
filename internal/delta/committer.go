package delta

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/killianrms/sauvegarde/internal/catalog"
	"github.com/killianrms/sauvegarde/internal/watcher"
)

// Committer drains debounced change events and turns each into a version
// commit, one path at a time. Within a path the engine still pipelines
// chunk uploads up to its in-flight window; across paths commits are
// strictly serial, so a burst of changes never fans out into interleaved
// catalog writes.
type Committer struct {
	engine *Engine
	root   string // local tree root the events' repository-relative paths resolve against
}

// NewCommitter constructs a Committer that reads changed files under root.
func NewCommitter(engine *Engine, root string) *Committer {
	return &Committer{engine: engine, root: root}
}

// Run consumes events until the channel closes or ctx is cancelled. Commit
// failures are reported through onError (which may be nil) and do not stop
// the loop: a path that failed will come around again on its next change,
// and the engine's own retry budget already absorbed transient faults.
func (c *Committer) Run(ctx context.Context, events <-chan watcher.ChangeEvent, onError func(path string, err error)) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-events:
			if !ok {
				return nil
			}
			if err := c.commitOne(ctx, ev); err != nil {
				if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
					return err
				}
				if onError != nil {
					onError(ev.Path, err)
				}
			}
		}
	}
}

func (c *Committer) commitOne(ctx context.Context, ev watcher.ChangeEvent) error {
	if ev.Kind == watcher.Deleted {
		_, err := c.engine.CommitDelete(ctx, ev.Path)
		return err
	}

	action := catalog.ActionModified
	if ev.Kind == watcher.Created {
		action = catalog.ActionCreated
	}

	f, err := os.Open(filepath.Join(c.root, filepath.FromSlash(ev.Path)))
	if err != nil {
		if os.IsNotExist(err) {
			// The file vanished between the change event and the commit;
			// record the deletion the watcher will otherwise never resend.
			_, derr := c.engine.CommitDelete(ctx, ev.Path)
			return derr
		}
		return fmt.Errorf("opening %s: %w", ev.Path, err)
	}
	defer f.Close()

	_, err = c.engine.CommitFile(ctx, ev.Path, f, action)
	return err
}
