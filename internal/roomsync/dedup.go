package roomsync

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"sync"

	"golang.org/x/text/unicode/norm"
)

// synthPrefix marks keys derived from content rather than a server id.
const synthPrefix = "synth_"

// Deduplicator remembers the keys of every log entry the mirror has
// accepted. The zero capacity keeps keys for the whole session; a positive
// capacity bounds the number of entries, and evicts the oldest entry with
// all of its keys once the set is full.
type Deduplicator struct {
	mu       sync.Mutex
	seen     map[string]struct{}
	order    []dedupEntry
	capacity int
	dropped  uint64
}

// dedupEntry is the key set marked for one accepted entry: its server id
// and its content key, or a single key when they coincide.
type dedupEntry struct {
	primary string
	content string
}

// NewDeduplicator creates an empty key set holding up to capacity
// entries. capacity <= 0 means unbounded.
func NewDeduplicator(capacity int) *Deduplicator {
	if capacity < 0 {
		capacity = 0
	}

	return &Deduplicator{
		seen:     make(map[string]struct{}),
		capacity: capacity,
	}
}

// entryFields is what a key is computed from, whichever path delivered it.
type entryFields struct {
	id    string
	ts    string
	text  string
	actor string
}

func eventFields(ev Event) entryFields {
	id := ev.Get("msg_id").String()
	if id == "" {
		id = ev.Get("id").String()
	}

	actor := ev.Get("player_id").String()
	if actor == "" {
		actor = ev.Get("name").String()
	}

	return entryFields{
		id:    id,
		ts:    ev.Get("ts").String(),
		text:  entryText(ev),
		actor: actor,
	}
}

func recordFields(m MessageRecord) entryFields {
	actor := m.PlayerID
	if actor == "" {
		actor = m.Name
	}

	return entryFields{id: m.ID, ts: m.TS, text: m.Text, actor: actor}
}

// entryText renders the log line an event stands for, in the same form
// the server writes into its message history.
func entryText(ev Event) string {
	switch ev.Kind {
	case "card_played":
		cards := ev.Get("cards").Array()
		names := make([]string, 0, len(cards))

		for _, c := range cards {
			names = append(names, c.String())
		}

		return "出した: " + strings.Join(names, ",")
	case "word_played":
		return ev.Get("word").String()
	default:
		return ev.Get("text").String()
	}
}

// ContentKey derives a key from an entry's timestamp, text and actor. It
// returns "" when there is no text to identify the entry by.
func ContentKey(ts, text, actor string) string {
	text = norm.NFC.String(strings.TrimSpace(text))
	if text == "" {
		return ""
	}

	h := sha256.New()
	h.Write([]byte(ts))
	h.Write([]byte{0})
	h.Write([]byte(text))
	h.Write([]byte{0})
	h.Write([]byte(norm.NFC.String(actor)))

	return synthPrefix + hex.EncodeToString(h.Sum(nil))
}

func (f entryFields) keys() (primary, content string) {
	content = ContentKey(f.ts, f.text, f.actor)
	if f.id != "" {
		return f.id, content
	}

	return content, content
}

// IDFor returns the dedup key of an event: the server id when present,
// otherwise a content key. It returns "" for events that carry neither.
func IDFor(ev Event) string {
	primary, _ := eventFields(ev).keys()
	return primary
}

// RecordID is IDFor for an entry of the server's message history.
func RecordID(m MessageRecord) string {
	primary, _ := recordFields(m).keys()
	return primary
}

// Seen reports whether key has been marked.
func (d *Deduplicator) Seen(key string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	_, ok := d.seen[key]

	return ok
}

// MarkSeen records key as an entry of its own. Empty keys are ignored.
func (d *Deduplicator) MarkSeen(key string) {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.markLocked(key, "")
}

// markLocked records the unseen keys of one entry. The entry takes one
// slot of the capacity however many keys it carries.
func (d *Deduplicator) markLocked(primary, content string) {
	var e dedupEntry

	if primary != "" {
		if _, ok := d.seen[primary]; !ok {
			d.seen[primary] = struct{}{}
			e.primary = primary
		}
	}

	if content != "" && content != primary {
		if _, ok := d.seen[content]; !ok {
			d.seen[content] = struct{}{}
			e.content = content
		}
	}

	if d.capacity == 0 || e == (dedupEntry{}) {
		return
	}

	d.order = append(d.order, e)
	for len(d.order) > d.capacity {
		oldest := d.order[0]
		delete(d.seen, oldest.primary)
		delete(d.seen, oldest.content)
		d.order[0] = dedupEntry{}
		d.order = d.order[1:]
	}
}

// Admit decides whether an event's log entry is new. It returns the key
// to log the entry under and whether to apply the event at all. An event
// with no key is admitted with an empty key: it may patch state but adds
// nothing to the log. A keyed event is rejected when either its server id
// or its content key has been seen before; otherwise both are marked.
func (d *Deduplicator) Admit(ev Event) (string, bool) {
	return d.admit(eventFields(ev), true)
}

// AdmitRecord is Admit for an entry of the server's message history.
// Every snapshot repeats the history, so rejected records are not counted
// as dropped duplicates.
func (d *Deduplicator) AdmitRecord(m MessageRecord) (string, bool) {
	return d.admit(recordFields(m), false)
}

func (d *Deduplicator) admit(f entryFields, count bool) (string, bool) {
	primary, content := f.keys()
	if primary == "" {
		return "", true
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	_, seenPrimary := d.seen[primary]
	_, seenContent := d.seen[content]

	if seenPrimary || (content != "" && seenContent) {
		if count {
			d.dropped++
		}

		return primary, false
	}

	d.markLocked(primary, content)

	return primary, true
}

// Len returns the number of keys currently held. An entry admitted with
// both a server id and a content key holds two.
func (d *Deduplicator) Len() int {
	d.mu.Lock()
	defer d.mu.Unlock()

	return len(d.seen)
}

// Dropped returns how many events Admit has rejected as duplicates.
func (d *Deduplicator) Dropped() uint64 {
	d.mu.Lock()
	defer d.mu.Unlock()

	return d.dropped
}
