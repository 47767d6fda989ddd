package ports

import (
	"strings"
	"testing"
)

// =============================================================================
// Construction
// =============================================================================

func TestNew_Validation(t *testing.T) {
	tests := []struct {
		name       string
		basePort   int
		portOffset int
		wantErr    bool
	}{
		{"defaults", 4723, 10, false},
		{"lowest valid base", 1024, 1, false},
		{"highest valid base", 65535, 100, false},
		{"privileged base port", 100, 10, true},
		{"base port just below range", 1023, 10, true},
		{"base port beyond port space", 70000, 10, true},
		{"negative base port", -1, 10, true},
		{"zero offset", 4723, 0, true},
		{"negative offset", 4723, -5, true},
		{"offset too large", 4723, 101, true},
		{"offset at maximum", 4723, 100, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			a, err := New(tt.basePort, tt.portOffset)
			if tt.wantErr {
				if err == nil {
					t.Errorf("New(%d, %d) error = nil, want error", tt.basePort, tt.portOffset)
				}
				return
			}
			if err != nil {
				t.Fatalf("New(%d, %d) error = %v, want nil", tt.basePort, tt.portOffset, err)
			}
			if a.BasePort() != tt.basePort {
				t.Errorf("BasePort() = %d, want %d", a.BasePort(), tt.basePort)
			}
			if a.PortOffset() != tt.portOffset {
				t.Errorf("PortOffset() = %d, want %d", a.PortOffset(), tt.portOffset)
			}
		})
	}
}

// =============================================================================
// AllocateForJob
// =============================================================================

func TestAllocateForJob_Formula(t *testing.T) {
	a, err := New(4723, 10)
	if err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		jobIndex                         int
		wantServer, wantDriver, wantWebview int
	}{
		{0, 4723, 4724, 4725},
		{1, 4733, 4734, 4735},
		{2, 4743, 4744, 4745},
		{5, 4773, 4774, 4775},
		{100, 5723, 5724, 5725},
	}

	for _, tt := range tests {
		alloc, err := a.AllocateForJob(tt.jobIndex)
		if err != nil {
			t.Fatalf("AllocateForJob(%d) error = %v, want nil", tt.jobIndex, err)
		}
		if alloc.ServerPort != tt.wantServer {
			t.Errorf("job %d ServerPort = %d, want %d", tt.jobIndex, alloc.ServerPort, tt.wantServer)
		}
		if alloc.DriverPort != tt.wantDriver {
			t.Errorf("job %d DriverPort = %d, want %d", tt.jobIndex, alloc.DriverPort, tt.wantDriver)
		}
		if alloc.WebviewPort != tt.wantWebview {
			t.Errorf("job %d WebviewPort = %d, want %d", tt.jobIndex, alloc.WebviewPort, tt.wantWebview)
		}
	}
}

func TestAllocateForJob_NegativeIndex(t *testing.T) {
	a, err := New(4723, 10)
	if err != nil {
		t.Fatal(err)
	}

	if _, err := a.AllocateForJob(-1); err == nil {
		t.Error("AllocateForJob(-1) error = nil, want error")
	}
}

func TestAllocateForJob_BeyondPortSpace(t *testing.T) {
	a, err := New(65533, 1)
	if err != nil {
		t.Fatal(err)
	}

	// Job 0 ends exactly at 65535 and is fine.
	alloc, err := a.AllocateForJob(0)
	if err != nil {
		t.Fatalf("AllocateForJob(0) error = %v, want nil", err)
	}
	if alloc.WebviewPort != 65535 {
		t.Errorf("WebviewPort = %d, want 65535", alloc.WebviewPort)
	}

	// Job 1 would need 65536.
	if _, err := a.AllocateForJob(1); err == nil {
		t.Error("AllocateForJob(1) error = nil, want error for block past 65535")
	}
}

// =============================================================================
// MaxParallelJobs
// =============================================================================

func TestMaxParallelJobs(t *testing.T) {
	tests := []struct {
		basePort   int
		portOffset int
		want       int
	}{
		{4723, 10, 6081},  // (65535-4723)/10
		{1024, 1, 64511},  // (65535-1024)/1
		{65535, 100, 0},   // no room for a second job
		{65000, 100, 5},   // (65535-65000)/100
	}

	for _, tt := range tests {
		a, err := New(tt.basePort, tt.portOffset)
		if err != nil {
			t.Fatal(err)
		}
		if got := a.MaxParallelJobs(); got != tt.want {
			t.Errorf("MaxParallelJobs() with base %d offset %d = %d, want %d",
				tt.basePort, tt.portOffset, got, tt.want)
		}
	}
}

// =============================================================================
// ValidateNoOverlap
// =============================================================================

func TestValidateNoOverlap(t *testing.T) {
	t.Run("disjoint blocks", func(t *testing.T) {
		a, err := New(4723, 10)
		if err != nil {
			t.Fatal(err)
		}

		var allocs []Allocation
		for i := 0; i < 50; i++ {
			alloc, err := a.AllocateForJob(i)
			if err != nil {
				t.Fatal(err)
			}
			allocs = append(allocs, alloc)
		}

		if err := ValidateNoOverlap(allocs); err != nil {
			t.Errorf("ValidateNoOverlap() error = %v, want nil for offset 10", err)
		}
	})

	t.Run("offset smaller than block size collides", func(t *testing.T) {
		a, err := New(4723, 2)
		if err != nil {
			t.Fatal(err)
		}

		allocs := make([]Allocation, 0, 2)
		for i := 0; i < 2; i++ {
			alloc, err := a.AllocateForJob(i)
			if err != nil {
				t.Fatal(err)
			}
			allocs = append(allocs, alloc)
		}

		// Job 0: 4723-4725, job 1: 4725-4727. 4725 is shared.
		err = ValidateNoOverlap(allocs)
		if err == nil {
			t.Fatal("ValidateNoOverlap() error = nil, want overlap error")
		}
		if !strings.Contains(err.Error(), "4725") {
			t.Errorf("error = %q, want it to name the colliding port 4725", err)
		}
	})

	t.Run("empty and single", func(t *testing.T) {
		if err := ValidateNoOverlap(nil); err != nil {
			t.Errorf("ValidateNoOverlap(nil) error = %v, want nil", err)
		}
		if err := ValidateNoOverlap([]Allocation{{4723, 4724, 4725}}); err != nil {
			t.Errorf("ValidateNoOverlap(single) error = %v, want nil", err)
		}
	})
}

func TestAllocationString(t *testing.T) {
	alloc := Allocation{ServerPort: 4723, DriverPort: 4724, WebviewPort: 4725}
	if got := alloc.String(); got != "4723/4724/4725" {
		t.Errorf("String() = %q, want %q", got, "4723/4724/4725")
	}
}
