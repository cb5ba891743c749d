package messaging

import (
	"sort"

	"messaging-service/internal/models"
)

// ListOptions filters the directory view.
type ListOptions struct {
	IncludeArchived bool
}

type dirEntry struct {
	conv models.Conversation
	rev  uint64

	// override pins visibility while a delete or restore is in flight. Only the
	// owning mutation clears it.
	override      *bool
	overrideOwner string
}

// Directory is one viewer's conversation list. It is not safe for concurrent use;
// the Engine serializes access.
type Directory struct {
	viewer  string
	opts    ListOptions
	entries map[string]*dirEntry
}

// NewDirectory returns an empty directory for viewer.
func NewDirectory(viewer string, opts ListOptions) *Directory {
	return &Directory{viewer: viewer, opts: opts, entries: make(map[string]*dirEntry)}
}

// List returns the visible conversations, newest last activity first.
func (d *Directory) List() []models.Conversation {
	out := make([]models.Conversation, 0, len(d.entries))
	for _, e := range d.entries {
		if d.visible(e) {
			out = append(out, e.conv)
		}
	}
	sort.Slice(out, func(i, j int) bool { return models.ConversationBefore(out[i], out[j]) })
	return out
}

// Get returns the cached conversation whether or not it is visible.
func (d *Directory) Get(id string) (models.Conversation, bool) {
	e, ok := d.entries[id]
	if !ok {
		return models.Conversation{}, false
	}
	return e.conv, true
}

// Visible reports whether id is shown in List.
func (d *Directory) Visible(id string) bool {
	e, ok := d.entries[id]
	return ok && d.visible(e)
}

// Unread is the viewer's badge for id.
func (d *Directory) Unread(id string) int {
	if e, ok := d.entries[id]; ok {
		return e.conv.UnreadFor(d.viewer)
	}
	return 0
}

// TotalUnread sums the badges of visible conversations.
func (d *Directory) TotalUnread() int {
	total := 0
	for _, e := range d.entries {
		if d.visible(e) {
			total += e.conv.UnreadFor(d.viewer)
		}
	}
	return total
}

func (d *Directory) visible(e *dirEntry) bool {
	if e.override != nil {
		return *e.override
	}
	if e.conv.DeletedFor(d.viewer) {
		return false
	}
	return d.opts.IncludeArchived || e.conv.Status != models.StatusArchived
}

// apply stores a server version of conv. A version no newer than the one held is
// ignored. It reports whether anything changed
// and whether the viewer's badge went up.
func (d *Directory) apply(conv models.Conversation) (changed, grew bool) {
	if !conv.IsParticipant(d.viewer) {
		return false, false
	}
	e, ok := d.entries[conv.ID]
	if !ok {
		d.entries[conv.ID] = &dirEntry{conv: conv, rev: 1}
		return true, conv.UnreadFor(d.viewer) > 0
	}
	if !conv.UpdatedAt.After(e.conv.UpdatedAt) {
		return false, false
	}
	grew = conv.UnreadFor(d.viewer) > e.conv.UnreadFor(d.viewer)
	e.conv = conv
	e.rev++
	return true, grew
}

// mutate applies fn to the local copy of id and returns the new revision.
func (d *Directory) mutate(id string, fn func(*models.Conversation)) uint64 {
	e, ok := d.entries[id]
	if !ok {
		return 0
	}
	fn(&e.conv)
	e.rev++
	return e.rev
}

// current reports whether rev is still id's revision.
func (d *Directory) current(id string, rev uint64) bool {
	e, ok := d.entries[id]
	return ok && e.rev == rev
}

// restore puts snapshot back if rev is still the entry's revision.
func (d *Directory) restore(id string, snapshot models.Conversation, rev uint64) bool {
	if !d.current(id, rev) {
		return false
	}
	e := d.entries[id]
	e.conv = snapshot
	e.rev++
	return true
}

// pin forces id's visibility on behalf of owner, taking over any earlier pin.
func (d *Directory) pin(id string, visible bool, owner string) uint64 {
	e, ok := d.entries[id]
	if !ok {
		return 0
	}
	v := visible
	e.override, e.overrideOwner = &v, owner
	e.rev++
	return e.rev
}

// unpin drops owner's pin. It reports whether owner still held it.
func (d *Directory) unpin(id, owner string) bool {
	e, ok := d.entries[id]
	if !ok || e.overrideOwner != owner {
		return false
	}
	e.override, e.overrideOwner = nil, ""
	e.rev++
	return true
}

// replace installs a fresh listing. Entries for which keep returns true survive
// untouched; every other entry takes the listed value or is dropped.
func (d *Directory) replace(convs []models.Conversation, keep func(id string) bool) {
	listed := make(map[string]struct{}, len(convs))
	for _, conv := range convs {
		if !conv.IsParticipant(d.viewer) {
			continue
		}
		listed[conv.ID] = struct{}{}
		if keep(conv.ID) {
			continue
		}
		if e, ok := d.entries[conv.ID]; ok {
			e.conv = conv
			e.override, e.overrideOwner = nil, ""
			e.rev++
			continue
		}
		d.entries[conv.ID] = &dirEntry{conv: conv, rev: 1}
	}
	for id := range d.entries {
		if _, ok := listed[id]; !ok && !keep(id) {
			delete(d.entries, id)
		}
	}
}
