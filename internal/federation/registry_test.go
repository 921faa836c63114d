package federation

import "testing"

func TestRegisterAssignsIDAndIsListable(t *testing.T) {
	reg := NewRegistry()
	r := reg.Register("west-1", "http://10.0.0.1:4020")

	if r.ID == "" {
		t.Fatalf("expected a generated remote id")
	}
	if r.Name != "west-1" || r.URL != "http://10.0.0.1:4020" {
		t.Fatalf("unexpected remote: %+v", r)
	}

	list := reg.List()
	if len(list) != 1 {
		t.Fatalf("List() len = %d, want 1", len(list))
	}
}

func TestRegisterSameNameRefreshesInsteadOfDuplicating(t *testing.T) {
	reg := NewRegistry()
	first := reg.Register("west-1", "http://10.0.0.1:4020")
	second := reg.Register("west-1", "http://10.0.0.2:4020")

	if first.ID != second.ID {
		t.Fatalf("expected re-registration under the same name to keep the same id")
	}
	if len(reg.List()) != 1 {
		t.Fatalf("expected exactly one entry after re-registration, got %d", len(reg.List()))
	}

	got, ok := reg.Get(second.ID)
	if !ok || got.URL != "http://10.0.0.2:4020" {
		t.Fatalf("expected refreshed URL, got %+v ok=%v", got, ok)
	}
}

func TestUnregisterRemovesEntry(t *testing.T) {
	reg := NewRegistry()
	r := reg.Register("west-1", "http://10.0.0.1:4020")
	reg.Unregister(r.ID)

	if _, ok := reg.Get(r.ID); ok {
		t.Fatalf("expected remote to be gone after Unregister")
	}
}

func TestGetUnknownRemoteReturnsFalse(t *testing.T) {
	reg := NewRegistry()
	if _, ok := reg.Get("does-not-exist"); ok {
		t.Fatalf("expected ok=false for unknown remote")
	}
}
