package participant

import (
	"reflect"
	"testing"
)

func TestUpsertKeepsPreference(t *testing.T) {
	r := NewRoster()
	r.SetPreference("alice", "es", true)
	r.Upsert(Participant{ID: "alice", DisplayName: "Alice", Role: RoleHost})

	p, ok := r.Get("alice")
	if !ok {
		t.Fatalf("expected alice present")
	}
	if p.Language != "es" || !p.Enabled {
		t.Fatalf("preference lost on upsert: %+v", p)
	}
	if p.Role != RoleHost {
		t.Fatalf("expected host role, got %s", p.Role)
	}
}

func TestSetPreferenceBeforeJoin(t *testing.T) {
	r := NewRoster()
	p := r.SetPreference("bob", "fr", true)
	if p.Role != RoleGuest {
		t.Fatalf("expected guest default, got %s", p.Role)
	}
	if r.Count() != 1 {
		t.Fatalf("expected record created")
	}
}

func TestEnabledLanguagesDistinctSorted(t *testing.T) {
	r := NewRoster()
	r.SetPreference("a", "es", true)
	r.SetPreference("b", "en", true)
	r.SetPreference("c", "es", true)
	r.SetPreference("d", "fr", false)
	r.Upsert(Participant{ID: "agent", Role: RoleTranslatorAgent, Language: "de", Enabled: true})

	got := r.EnabledLanguages()
	want := []string{"en", "es"}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("EnabledLanguages() = %v, want %v", got, want)
	}
}

func TestListenersExcludeAgentsAndDisabled(t *testing.T) {
	r := NewRoster()
	r.SetPreference("a", "es", true)
	r.SetPreference("b", "es", false)
	r.Upsert(Participant{ID: "agent", Role: RoleTranslatorAgent, Language: "es", Enabled: true})

	ls := r.Listeners("es")
	if len(ls) != 1 || ls[0].ID != "a" {
		t.Fatalf("unexpected listeners %+v", ls)
	}
}

func TestRemove(t *testing.T) {
	r := NewRoster()
	r.SetPreference("a", "es", true)
	p, ok := r.Remove("a")
	if !ok || p.Language != "es" {
		t.Fatalf("expected removed record with preference, got %+v ok=%v", p, ok)
	}
	if _, ok := r.Get("a"); ok {
		t.Fatalf("expected record gone")
	}
	if _, ok := r.Remove("a"); ok {
		t.Fatalf("expected second remove to miss")
	}
}

func TestSpeakersExcludeAgents(t *testing.T) {
	r := NewRoster()
	r.Upsert(Participant{ID: "a", Role: RoleGuest})
	r.Upsert(Participant{ID: "b", Role: RoleHost})
	r.Upsert(Participant{ID: "agent", Role: RoleTranslatorAgent})

	sp := r.Speakers()
	if len(sp) != 2 {
		t.Fatalf("expected 2 speakers, got %d", len(sp))
	}
	for _, p := range sp {
		if p.IsAgent() {
			t.Fatalf("agent leaked into speakers")
		}
	}
}
