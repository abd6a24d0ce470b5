// Package journal keeps a durable history of deployment transitions.
//
// A Journal is a core.DeploymentListener appending every transition, in the
// events wire form, to segment files under a directory. The history
// survives restarts and can be replayed per deployment.
package journal

import (
	"encoding/json"
	"fmt"

	"github.com/fluxorio/verticle/pkg/core"
	"github.com/fluxorio/verticle/pkg/events"
)

// Config configures a Journal.
type Config struct {
	Dir string

	// MaxSegmentBytes rotates to a new segment file; default 16MiB.
	MaxSegmentBytes int64

	// Fsync syncs every append to disk before returning.
	Fsync bool
}

// Entry is a journaled transition.
type Entry struct {
	Offset Offset
	Event  events.Event
}

type Journal struct {
	store  *segmentStore
	logger core.Logger
}

// Open opens or creates the journal in cfg.Dir.
func Open(cfg Config, logger core.Logger) (*Journal, error) {
	if logger == nil {
		logger = core.NewNopLogger()
	}
	store, err := openSegmentStore(cfg.Dir, cfg.MaxSegmentBytes, cfg.Fsync)
	if err != nil {
		return nil, fmt.Errorf("open journal: %w", err)
	}
	return &Journal{store: store, logger: logger}, nil
}

// OnDeploymentEvent implements core.DeploymentListener.
func (j *Journal) OnDeploymentEvent(ev core.DeploymentEvent) {
	if _, err := j.Append(events.FromDeploymentEvent(ev)); err != nil {
		j.logger.Warnf("failed to journal transition of %s: %v", ev.DeploymentID, err)
	}
}

// Append records ev and returns its offset.
func (j *Journal) Append(ev events.Event) (Offset, error) {
	data, err := json.Marshal(ev)
	if err != nil {
		return 0, err
	}
	return j.store.append(data)
}

// Read returns up to limit entries starting at offset from.
func (j *Journal) Read(from Offset, limit int) ([]Entry, error) {
	recs, err := j.store.read(from, limit)
	if err != nil {
		return nil, err
	}
	entries := make([]Entry, 0, len(recs))
	for _, rec := range recs {
		var ev events.Event
		if err := json.Unmarshal(rec.Data, &ev); err != nil {
			return nil, fmt.Errorf("decode journal record %d: %w", rec.Offset, err)
		}
		entries = append(entries, Entry{Offset: rec.Offset, Event: ev})
	}
	return entries, nil
}

// History returns every journaled transition of deploymentID, oldest first.
func (j *Journal) History(deploymentID string) ([]events.Event, error) {
	const batch = 512
	var out []events.Event
	from := Offset(1)
	for {
		entries, err := j.Read(from, batch)
		if err != nil {
			return nil, err
		}
		for _, e := range entries {
			if e.Event.DeploymentID == deploymentID {
				out = append(out, e.Event)
			}
		}
		if len(entries) < batch {
			return out, nil
		}
		from = entries[len(entries)-1].Offset + 1
	}
}

// Sync flushes buffered entries to disk.
func (j *Journal) Sync() error {
	return j.store.sync()
}

func (j *Journal) Close() error {
	return j.store.close()
}
