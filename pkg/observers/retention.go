package observers

import (
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"
)

const timelineExt = ".jsonl"

// PruneTimelines deletes call timelines in dir last written before maxAge ago.
// Files that are not timelines are left alone, as are calls for which live
// reports true. It returns the ids of the pruned calls.
func PruneTimelines(dir string, maxAge time.Duration, live func(callID string) bool) ([]string, error) {
	if dir == "" || maxAge <= 0 {
		return nil, nil
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}
	cutoff := time.Now().Add(-maxAge)
	var pruned []string
	var errs error
	for _, entry := range entries {
		callID, ok := timelineCallID(entry)
		if !ok || (live != nil && live(callID)) {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			errs = errors.Join(errs, err)
			continue
		}
		if !info.ModTime().Before(cutoff) {
			continue
		}
		if err := os.Remove(filepath.Join(dir, entry.Name())); err != nil && !errors.Is(err, fs.ErrNotExist) {
			errs = errors.Join(errs, err)
			continue
		}
		pruned = append(pruned, callID)
	}
	return pruned, errs
}

func timelineCallID(entry fs.DirEntry) (string, bool) {
	if !entry.Type().IsRegular() {
		return "", false
	}
	id, ok := strings.CutSuffix(entry.Name(), timelineExt)
	return id, ok && id != ""
}

// Prune applies PruneTimelines to the observer's directory, sparing calls
// whose trace is still open.
func (o *TimelineObserver) Prune(maxAge time.Duration) ([]string, error) {
	return PruneTimelines(o.dir, maxAge, o.isOpen)
}

func (o *TimelineObserver) isOpen(callID string) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	_, ok := o.files[callID]
	return ok
}
