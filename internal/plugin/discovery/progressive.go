package discovery

import (
	"context"
	"fmt"
	"path/filepath"
	"slices"

	"github.com/google/uuid"

	"github.com/jmylchreest/packdock/internal/plugin/candidates"
	"github.com/jmylchreest/packdock/pkg/pluginpack"
)

// Refinement tracks the background half of a progressive pass.
type Refinement struct {
	basic []pluginpack.PluginPack
	done  chan struct{}
	final []pluginpack.PluginPack
	err   error
}

// Basic returns the records emitted before refinement started.
func (r *Refinement) Basic() []pluginpack.PluginPack {
	return slices.Clone(r.basic)
}

// Done is closed once refinement has finished or stopped.
func (r *Refinement) Done() <-chan struct{} {
	return r.done
}

// Wait blocks until refinement ends and returns the final records: refined
// where inspection succeeded, basic otherwise.
func (r *Refinement) Wait() ([]pluginpack.PluginPack, error) {
	<-r.done
	return slices.Clone(r.final), r.err
}

// DiscoverProgressively emits a basic record for every managed candidate
// below root to sink, in folder order, before returning. Refinement then
// continues on a background goroutine with a fresh inspector, emitting each
// successfully inspected record again with its metadata merged in. sink may
// be nil; it is never called concurrently.
func (d *Discoverer) DiscoverProgressively(ctx context.Context, appPath, root string, profileID uuid.UUID, maxPerFolder int, sink pluginpack.ProgressSink) (*Refinement, error) {
	folders, err := pluginFolders(root)
	if err != nil {
		return nil, err
	}
	if sink == nil {
		sink = func(pluginpack.PluginPack) {}
	}

	var basics []pluginpack.PluginPack
scan:
	for _, folder := range folders {
		cands, err := candidates.Enumerate(ctx, folder, d.exclusions, maxPerFolder)
		if err != nil {
			if ctx.Err() != nil {
				break
			}
			d.logger.Debug("failed to enumerate folder", "folder", folder, "error", err)
			continue
		}
		for _, c := range cands {
			if ctx.Err() != nil {
				break scan
			}
			p, ok := d.basic(ctx, folder, c.Path, profileID)
			if !ok {
				continue
			}
			basics = append(basics, p)
			sink(p)
		}
	}

	r := &Refinement{basic: basics, done: make(chan struct{})}
	if ctx.Err() != nil {
		r.final = basics
		r.err = d.cancelled(ctx)
		close(r.done)
		return r, r.err
	}

	go d.refineAll(ctx, appPath, r, sink)
	return r, nil
}

func (d *Discoverer) refineAll(ctx context.Context, appPath string, r *Refinement, sink pluginpack.ProgressSink) {
	defer close(r.done)
	final := slices.Clone(r.basic)
	r.final = final

	insp, err := d.factory(filepath.Dir(appPath))
	if err != nil {
		d.logger.Error("refinement skipped", "error", fmt.Errorf("failed to create inspector: %w", err))
		return
	}
	defer func() {
		if err := insp.Close(); err != nil {
			d.logger.Warn("failed to close inspector", "error", err)
		}
	}()

	refined := 0
	for i, p := range final {
		if ctx.Err() != nil {
			break
		}
		if !d.classifier.IsManaged(ctx, p.InstalledPath) {
			continue
		}
		detailed, ok := d.refine(ctx, insp, p)
		if !ok {
			continue
		}
		final[i] = detailed
		refined++
		sink(detailed)
	}
	r.err = d.cancelled(ctx)
	d.logger.Debug("refinement finished", "records", len(final), "refined", refined)
}
