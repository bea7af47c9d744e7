package domain

import (
	"sort"

	recordstore "github.com/smallbiznis/worksite/internal/recordstore/domain"
)

// WorkingSet is the cached union of every record fetched or written for
// one project. It is owned by a single engine and is not safe for
// concurrent use.
type WorkingSet struct {
	project    recordstore.Record
	hasProject bool
	lists      map[recordstore.Kind]map[string]recordstore.Record
	fetched    map[recordstore.Kind]bool
	tombstones map[string]struct{}
}

func NewWorkingSet() *WorkingSet {
	return &WorkingSet{
		lists:      make(map[recordstore.Kind]map[string]recordstore.Record),
		fetched:    make(map[recordstore.Kind]bool),
		tombstones: make(map[string]struct{}),
	}
}

func (w *WorkingSet) Project() (recordstore.Record, bool) {
	return w.project.Clone(), w.hasProject
}

func (w *WorkingSet) SetProject(r recordstore.Record) {
	w.project = r.Clone()
	w.hasProject = true
}

func (w *WorkingSet) ClearProject() {
	w.project = recordstore.Record{}
	w.hasProject = false
}

// Merge adds fetched records by set-union on id. The fetched value wins
// over the cached one; tombstoned ids are skipped.
func (w *WorkingSet) Merge(kind recordstore.Kind, records []recordstore.Record) int {
	w.fetched[kind] = true
	merged := 0
	for _, r := range records {
		if r.ID == "" || w.Tombstoned(kind, r.ID) {
			continue
		}
		r.Kind = kind
		w.put(r)
		merged++
	}
	return merged
}

// Fetched reports whether kind has been loaded at least once.
func (w *WorkingSet) Fetched(kind recordstore.Kind) bool {
	return w.fetched[kind]
}

func (w *WorkingSet) Get(kind recordstore.Kind, id string) (recordstore.Record, bool) {
	r, ok := w.lists[kind][id]
	if !ok {
		return recordstore.Record{}, false
	}
	return r.Clone(), true
}

func (w *WorkingSet) Put(r recordstore.Record) {
	w.put(r.Clone())
}

func (w *WorkingSet) put(r recordstore.Record) {
	list := w.lists[r.Kind]
	if list == nil {
		list = make(map[string]recordstore.Record)
		w.lists[r.Kind] = list
	}
	list[r.ID] = r
}

func (w *WorkingSet) Remove(kind recordstore.Kind, id string) (recordstore.Record, bool) {
	r, ok := w.lists[kind][id]
	if ok {
		delete(w.lists[kind], id)
	}
	return r, ok
}

// Tombstone prevents id from being merged back by a later fetch.
func (w *WorkingSet) Tombstone(kind recordstore.Kind, id string) {
	w.tombstones[tombstoneKey(kind, id)] = struct{}{}
}

func (w *WorkingSet) Untombstone(kind recordstore.Kind, id string) {
	delete(w.tombstones, tombstoneKey(kind, id))
}

func (w *WorkingSet) Tombstoned(kind recordstore.Kind, id string) bool {
	_, ok := w.tombstones[tombstoneKey(kind, id)]
	return ok
}

// List returns the records of kind ordered by creation time then id.
func (w *WorkingSet) List(kind recordstore.Kind) []recordstore.Record {
	list := w.lists[kind]
	out := make([]recordstore.Record, 0, len(list))
	for _, r := range list {
		out = append(out, r.Clone())
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

func tombstoneKey(kind recordstore.Kind, id string) string {
	return string(kind) + ":" + id
}
