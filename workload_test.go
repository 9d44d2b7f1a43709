package dtapp

import "testing"

func TestWorkloadCatalogRegisterAndLookup(t *testing.T) {
	c := NewWorkloadCatalog()
	err := c.Register(Workload{
		Name:        "quick-verify",
		Description: "single pass, verify only",
		Options:     WorkloadOptions{"passes": "1", "iotype": "random"},
	})
	if err != nil {
		t.Fatalf("Register: %v", err)
	}

	w, ok := c.Lookup("quick-verify")
	if !ok {
		t.Fatal("Lookup(quick-verify) missing after Register")
	}
	if w.Options["passes"] != "1" {
		t.Fatalf("w.Options[passes] = %q, want 1", w.Options["passes"])
	}

	if _, ok := c.Lookup("does-not-exist"); ok {
		t.Fatal("Lookup matched a name that was never registered")
	}
}

func TestWorkloadCatalogRejectsEmptyName(t *testing.T) {
	c := NewWorkloadCatalog()
	if err := c.Register(Workload{Name: ""}); err == nil {
		t.Fatal("Register with empty name = nil error, want error")
	}
}

func TestWorkloadCatalogRemove(t *testing.T) {
	c := NewWorkloadCatalog()
	c.Register(Workload{Name: "soak"})
	c.Remove("soak")
	if _, ok := c.Lookup("soak"); ok {
		t.Fatal("Lookup(soak) succeeded after Remove")
	}
}
