package surface

import "testing"

func TestPoolRecyclesSurfaces(t *testing.T) {
	p := NewPool()

	a := p.Acquire(KindOnScreen)
	if err := a.Resize(8, 8); err != nil {
		t.Fatal(err)
	}
	p.Release(a)

	if !a.Empty() {
		t.Fatal("released surface must have zero area")
	}

	b := p.Acquire(KindOnScreen)
	if b != a {
		t.Fatal("Acquire did not reuse the released surface")
	}
	p.Release(b)

	// Steady state: acquire/release cycles allocate nothing new.
	for i := 0; i < 10; i++ {
		s := p.Acquire(KindOnScreen)
		p.Release(s)
	}
	st := p.Stats()
	if st.SurfacesCreated != 1 {
		t.Errorf("SurfacesCreated = %d, want 1", st.SurfacesCreated)
	}
	if st.SurfacesReused != 11 {
		t.Errorf("SurfacesReused = %d, want 11", st.SurfacesReused)
	}
}

func TestPoolKeepsKindsApart(t *testing.T) {
	p := NewPool()

	on := p.Acquire(KindOnScreen)
	if _, err := on.TransferControl(); err != nil {
		t.Fatal(err)
	}
	p.Release(on)

	if got := p.Acquire(KindOnScreen); got == on {
		t.Fatal("transferred surface handed out as on-screen")
	}
	if got := p.Acquire(KindTransferred); got != on {
		t.Fatal("transferred surface not reused for transferred request")
	}

	fresh := p.Acquire(KindTransferred)
	if fresh.Kind() != KindOnScreen {
		t.Fatalf("fresh transferable kind = %v, want on_screen", fresh.Kind())
	}
}

func TestPoolScratchReset(t *testing.T) {
	p := NewPool()

	sc := p.AcquireScratch()
	sc.Source = "a.jpg"
	sc.Data.WriteString("bytes")
	sc.OnError = func(error) {}
	p.ReleaseScratch(sc)

	if sc.Source != "" || sc.Data.Len() != 0 || sc.OnError != nil || sc.OnLoad != nil {
		t.Fatalf("scratch not cleared: %+v", sc)
	}
	if p.AcquireScratch() != sc {
		t.Fatal("scratch not reused")
	}
	if st := p.Stats(); st.ScratchCreated != 1 || st.ScratchReused != 1 {
		t.Fatalf("scratch stats = %+v", st)
	}
}
