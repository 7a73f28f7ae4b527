package worker

import "testing"

func TestRegistryRegisterAndLookup(t *testing.T) {
	reg := NewRegistry()
	if err := reg.Register("echo", func(model string) Loader { return &stubLoader{} }); err != nil {
		t.Fatalf("register: %v", err)
	}
	if _, ok := reg.Lookup("echo"); !ok {
		t.Fatal("registered loader not found")
	}
	if _, ok := reg.Lookup("missing"); ok {
		t.Fatal("unexpected loader")
	}
}

func TestRegistryRejectsDuplicatesAndNil(t *testing.T) {
	reg := NewRegistry()
	factory := func(model string) Loader { return &stubLoader{} }
	if err := reg.Register("echo", factory); err != nil {
		t.Fatalf("register: %v", err)
	}
	if err := reg.Register("echo", factory); err == nil {
		t.Fatal("duplicate registration must fail")
	}
	if err := reg.Register("", factory); err == nil {
		t.Fatal("empty name must fail")
	}
	if err := reg.Register("nil", nil); err == nil {
		t.Fatal("nil factory must fail")
	}
}

func TestRegistryNamesSorted(t *testing.T) {
	reg := NewRegistry()
	factory := func(model string) Loader { return &stubLoader{} }
	for _, name := range []string{"rerank", "echo", "embedding"} {
		if err := reg.Register(name, factory); err != nil {
			t.Fatalf("register %s: %v", name, err)
		}
	}
	names := reg.Names()
	want := []string{"echo", "embedding", "rerank"}
	if len(names) != len(want) {
		t.Fatalf("names: %v", names)
	}
	for i := range want {
		if names[i] != want[i] {
			t.Fatalf("names: %v", names)
		}
	}
}
