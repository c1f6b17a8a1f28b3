package playlist

import (
	"context"
	"strings"
	"sync"
	"time"

	"speech-to-video/internal/errs"
)

// Playlist serializes every mutation through one lock, so concurrent reorders,
// appends and deletes never interleave.
type Playlist struct {
	mu    sync.Mutex
	store Store
	now   func() time.Time
	last  int64
}

// Open seeds the timestamp sequence from the store so keys are never reused
// across restarts.
func Open(ctx context.Context, store Store, now func() time.Time) (*Playlist, error) {
	if now == nil {
		now = time.Now
	}
	last, err := store.MaxTimestamp(ctx)
	if err != nil {
		return nil, errs.Wrap(errs.KindInternal, "playlist.open", err)
	}
	return &Playlist{store: store, now: now, last: last}, nil
}

// Store returns the backing store.
func (p *Playlist) Store() Store { return p.store }

func (p *Playlist) nextTimestamp() int64 {
	ts := p.now().UnixMilli()
	if ts <= p.last {
		ts = p.last + 1
	}
	p.last = ts
	return ts
}

// Append adds a clip at the end of the owner's list.
func (p *Playlist) Append(ctx context.Context, owner, url, note string) (Entry, error) {
	const op = "playlist.append"
	if err := validate(op, owner, url); err != nil {
		return Entry{}, err
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	list, err := p.store.List(ctx, owner)
	if err != nil {
		return Entry{}, errs.Wrap(errs.KindInternal, op, err)
	}
	e := p.newEntry(owner, url, note, len(list), false)
	if err := p.store.Insert(ctx, e); err != nil {
		return Entry{}, errs.Wrap(errs.KindInternal, op, err)
	}
	return e, nil
}

// List returns the owner's entries in playlist order.
func (p *Playlist) List(ctx context.Context, owner string) ([]Entry, error) {
	list, err := p.store.List(ctx, owner)
	if err != nil {
		return nil, errs.Wrap(errs.KindInternal, "playlist.list", err)
	}
	if list == nil {
		list = []Entry{}
	}
	return list, nil
}

// Reorder applies order, which must name every existing timestamp exactly once.
// On any error the list is unchanged.
func (p *Playlist) Reorder(ctx context.Context, owner string, order []int64) ([]Entry, error) {
	const op = "playlist.reorder"
	p.mu.Lock()
	defer p.mu.Unlock()

	list, err := p.store.List(ctx, owner)
	if err != nil {
		return nil, errs.Wrap(errs.KindInternal, op, err)
	}
	byTS := make(map[int64]Entry, len(list))
	for _, e := range list {
		byTS[e.Timestamp] = e
	}

	seen := make(map[int64]bool, len(order))
	next := make([]Entry, 0, len(order))
	for _, ts := range order {
		e, ok := byTS[ts]
		if !ok {
			return nil, errs.Newf(errs.KindUnknownEntry, op, "no entry with timestamp %d", ts)
		}
		if seen[ts] {
			return nil, errs.Newf(errs.KindInvalidRequest, op, "timestamp %d listed twice", ts)
		}
		seen[ts] = true
		e.Position = len(next)
		next = append(next, e)
	}
	if len(next) != len(list) {
		return nil, errs.Newf(errs.KindInvalidRequest, op, "order names %d of %d entries", len(next), len(list))
	}

	if err := p.store.Replace(ctx, owner, next); err != nil {
		return nil, errs.Wrap(errs.KindInternal, op, err)
	}
	return next, nil
}

// Delete removes one entry.
func (p *Playlist) Delete(ctx context.Context, owner string, ts int64) error {
	const op = "playlist.delete"
	p.mu.Lock()
	defer p.mu.Unlock()

	removed, err := p.pruneLocked(ctx, op, owner, func(e Entry) bool { return e.Timestamp == ts })
	if err != nil {
		return err
	}
	if removed == 0 {
		return errs.Newf(errs.KindUnknownEntry, op, "no entry with timestamp %d", ts)
	}
	return nil
}

// Prune removes every entry matching pred and returns how many went.
func (p *Playlist) Prune(ctx context.Context, owner string, pred func(Entry) bool) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.pruneLocked(ctx, "playlist.prune", owner, pred)
}

// Clear removes all of the owner's entries.
func (p *Playlist) Clear(ctx context.Context, owner string) (int, error) {
	return p.Prune(ctx, owner, func(Entry) bool { return true })
}

// SaveStitched replaces the owner's previous auto-saved stitched entries with one
// new entry, in a single store update.
func (p *Playlist) SaveStitched(ctx context.Context, owner, url, note string) (Entry, error) {
	const op = "playlist.save_stitched"
	if err := validate(op, owner, url); err != nil {
		return Entry{}, err
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	list, err := p.store.List(ctx, owner)
	if err != nil {
		return Entry{}, errs.Wrap(errs.KindInternal, op, err)
	}
	kept := keep(list, func(e Entry) bool { return e.AutoStitched })
	e := p.newEntry(owner, url, note, len(kept), true)
	kept = append(kept, e)
	if err := p.store.Replace(ctx, owner, kept); err != nil {
		return Entry{}, errs.Wrap(errs.KindInternal, op, err)
	}
	return e, nil
}

func (p *Playlist) pruneLocked(ctx context.Context, op, owner string, pred func(Entry) bool) (int, error) {
	list, err := p.store.List(ctx, owner)
	if err != nil {
		return 0, errs.Wrap(errs.KindInternal, op, err)
	}
	kept := keep(list, pred)
	removed := len(list) - len(kept)
	if removed == 0 {
		return 0, nil
	}
	if err := p.store.Replace(ctx, owner, kept); err != nil {
		return 0, errs.Wrap(errs.KindInternal, op, err)
	}
	return removed, nil
}

func (p *Playlist) newEntry(owner, url, note string, position int, auto bool) Entry {
	return Entry{
		Timestamp:    p.nextTimestamp(),
		Owner:        owner,
		URL:          url,
		Note:         note,
		Position:     position,
		AutoStitched: auto,
		CreatedAt:    p.now().UTC(),
	}
}

// keep returns entries not matching drop, renumbered from zero.
func keep(list []Entry, drop func(Entry) bool) []Entry {
	out := make([]Entry, 0, len(list))
	for _, e := range list {
		if drop(e) {
			continue
		}
		e.Position = len(out)
		out = append(out, e)
	}
	return out
}

func validate(op, owner, url string) error {
	if owner == "" {
		return errs.New(errs.KindUnauthenticated, op, "caller identity required")
	}
	if strings.TrimSpace(url) == "" {
		return errs.New(errs.KindInvalidRequest, op, "url is required")
	}
	return nil
}
