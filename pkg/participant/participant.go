package participant

import (
	"sort"
	"sync"
)

// Role is assigned by the provisioning layer at join time. Identity strings
// are never sniffed to classify participants.
type Role string

const (
	RoleHost            Role = "host"
	RoleGuest           Role = "guest"
	RoleTranslatorAgent Role = "translator-agent"
)

// Participant is one member of the room as the agent sees it. ID is stable
// for the session lifetime. Language and Enabled mirror the participant's own
// language_update messages.
type Participant struct {
	ID          string
	DisplayName string
	Role        Role
	Language    string
	Enabled     bool
}

// IsAgent reports whether the participant is a translator agent. Agents never
// listen to translations and their tracks are never translated.
func (p Participant) IsAgent() bool { return p.Role == RoleTranslatorAgent }

// Roster is the agent-side authoritative view of room membership and listening
// preferences. Single writer per field semantics are not assumed; all access
// is mutex-guarded.
type Roster struct {
	mu   sync.RWMutex
	byID map[string]Participant
}

func NewRoster() *Roster {
	return &Roster{byID: make(map[string]Participant)}
}

// Upsert inserts or replaces a participant record, keeping any previously
// stored preference when the incoming record carries none.
func (r *Roster) Upsert(p Participant) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if prev, ok := r.byID[p.ID]; ok && p.Language == "" {
		p.Language = prev.Language
		p.Enabled = prev.Enabled
	}
	if p.Role == "" {
		p.Role = RoleGuest
	}
	r.byID[p.ID] = p
}

// Remove drops a participant on leave and returns the final record.
func (r *Roster) Remove(id string) (Participant, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.byID[id]
	if ok {
		delete(r.byID, id)
	}
	return p, ok
}

func (r *Roster) Get(id string) (Participant, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.byID[id]
	return p, ok
}

// SetPreference records a participant's listening language. Control messages
// can arrive before the join event; an unknown sender gets a guest record so
// the preference is not lost.
func (r *Roster) SetPreference(id, language string, enabled bool) Participant {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.byID[id]
	if !ok {
		p = Participant{ID: id, Role: RoleGuest}
	}
	p.Language = language
	p.Enabled = enabled
	r.byID[id] = p
	return p
}

// List returns all participants ordered by ID.
func (r *Roster) List() []Participant {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Participant, 0, len(r.byID))
	for _, p := range r.byID {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Speakers returns the participants whose microphone audio feeds translation
// sessions. Translator agents are excluded.
func (r *Roster) Speakers() []Participant {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Participant, 0, len(r.byID))
	for _, p := range r.byID {
		if p.IsAgent() {
			continue
		}
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// EnabledLanguages returns the distinct languages of participants with
// translation enabled, sorted for deterministic comparison.
func (r *Roster) EnabledLanguages() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	seen := make(map[string]struct{})
	for _, p := range r.byID {
		if p.IsAgent() || !p.Enabled || p.Language == "" {
			continue
		}
		seen[p.Language] = struct{}{}
	}
	out := make([]string, 0, len(seen))
	for lang := range seen {
		out = append(out, lang)
	}
	sort.Strings(out)
	return out
}

// Listeners returns the enabled participants whose target language is lang.
func (r *Roster) Listeners(lang string) []Participant {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Participant, 0, 4)
	for _, p := range r.byID {
		if p.IsAgent() || !p.Enabled || p.Language != lang {
			continue
		}
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (r *Roster) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byID)
}
