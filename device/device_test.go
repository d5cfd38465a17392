package device

import "testing"

func TestBufferKindString(t *testing.T) {
	tests := []struct {
		kind BufferKind
		want string
	}{
		{Storage, "storage"},
		{Uniform, "uniform"},
		{BufferKind(7), "BufferKind(7)"},
	}
	for _, tt := range tests {
		if got := tt.kind.String(); got != tt.want {
			t.Errorf("BufferKind(%d).String() = %q, want %q", uint8(tt.kind), got, tt.want)
		}
	}
}

func TestBindPointString(t *testing.T) {
	if got := (BindPoint{Set: 1, Binding: 3}).String(); got != "1/3" {
		t.Errorf("String() = %q, want %q", got, "1/3")
	}
}

func TestMemoryPropertyHas(t *testing.T) {
	p := MemoryHostVisible | MemoryHostCoherent
	if !p.Has(MemoryHostVisible | MemoryHostCoherent) {
		t.Error("Has(visible|coherent) = false, want true")
	}
	if p.Has(MemoryHostVisible | MemoryDeviceLocal) {
		t.Error("Has(visible|device-local) = true, want false")
	}
	if !p.Has(0) {
		t.Error("Has(0) = false, want true")
	}
}

func TestFenceStateString(t *testing.T) {
	tests := map[FenceState]string{
		FenceUnsignaled: "unsignaled",
		FenceSignaled:   "signaled",
		FenceLost:       "lost",
		FenceUnknown:    "unknown",
	}
	for s, want := range tests {
		if got := s.String(); got != want {
			t.Errorf("FenceState(%d).String() = %q, want %q", s, got, want)
		}
	}
}
