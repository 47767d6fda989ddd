// Package ports derives deterministic, non-overlapping port blocks for
// parallel jobs.
//
// Job i gets three consecutive ports starting at basePort + i*portOffset:
// the automation server port, the platform driver port, and the webview
// bridge port. With the defaults (base 4723, offset 10) job 0 uses
// 4723/4724/4725 and job 1 uses 4733/4734/4735. Deterministic blocks make
// a failed job reproducible in isolation: re-running job 7 alone binds
// the same ports the matrix run used.
package ports

import "fmt"

const (
	// MinBasePort excludes the privileged range.
	MinBasePort = 1024

	// MaxPort is the top of the TCP port space.
	MaxPort = 65535

	// MinOffset and MaxOffset bound the spacing between job blocks.
	MinOffset = 1
	MaxOffset = 100

	// portsPerJob is the size of one job's block.
	portsPerJob = 3
)

// Allocation is the port block assigned to a single job.
type Allocation struct {
	// ServerPort is where the job's automation server listens.
	ServerPort int

	// DriverPort is handed to the platform driver (WebDriverAgent on
	// iOS, UiAutomator2's system port on Android).
	DriverPort int

	// WebviewPort is handed to the webview bridge (webkit debug proxy
	// on iOS, chromedriver on Android).
	WebviewPort int
}

// Ports returns the block as a slice, server port first.
func (a Allocation) Ports() []int {
	return []int{a.ServerPort, a.DriverPort, a.WebviewPort}
}

func (a Allocation) String() string {
	return fmt.Sprintf("%d/%d/%d", a.ServerPort, a.DriverPort, a.WebviewPort)
}

// Allocator computes port blocks from a base port and a per-job offset.
type Allocator struct {
	basePort   int
	portOffset int
}

// New validates the base port and offset and returns an Allocator.
// Construction fails fast so a bad range is caught before any job starts.
func New(basePort, portOffset int) (*Allocator, error) {
	if basePort < MinBasePort || basePort > MaxPort {
		return nil, fmt.Errorf("base port %d out of range [%d, %d]", basePort, MinBasePort, MaxPort)
	}
	if portOffset < MinOffset || portOffset > MaxOffset {
		return nil, fmt.Errorf("port offset %d out of range [%d, %d]", portOffset, MinOffset, MaxOffset)
	}
	return &Allocator{basePort: basePort, portOffset: portOffset}, nil
}

// BasePort returns the configured base port.
func (a *Allocator) BasePort() int { return a.basePort }

// PortOffset returns the configured per-job offset.
func (a *Allocator) PortOffset() int { return a.portOffset }

// AllocateForJob returns the port block for the job at jobIndex.
// It fails when the block would run past the end of the port space.
func (a *Allocator) AllocateForJob(jobIndex int) (Allocation, error) {
	if jobIndex < 0 {
		return Allocation{}, fmt.Errorf("job index %d is negative", jobIndex)
	}

	server := a.basePort + jobIndex*a.portOffset
	if server+portsPerJob-1 > MaxPort {
		return Allocation{}, fmt.Errorf(
			"job %d needs ports %d-%d, beyond the maximum %d (base %d, offset %d)",
			jobIndex, server, server+portsPerJob-1, MaxPort, a.basePort, a.portOffset)
	}

	return Allocation{
		ServerPort:  server,
		DriverPort:  server + 1,
		WebviewPort: server + 2,
	}, nil
}

// MaxParallelJobs returns how many jobs fit in the port space with this
// base and offset. The orchestrator caps its worker pool at this value.
func (a *Allocator) MaxParallelJobs() int {
	return (MaxPort - a.basePort) / a.portOffset
}

// ValidateNoOverlap checks that no port appears in two allocations.
// Offsets smaller than the block size make neighboring jobs collide;
// this catches that before any process binds.
func ValidateNoOverlap(allocs []Allocation) error {
	seen := make(map[int]int, len(allocs)*portsPerJob)
	for i, alloc := range allocs {
		for _, port := range alloc.Ports() {
			if j, dup := seen[port]; dup {
				return fmt.Errorf("port %d allocated to both job %d and job %d", port, j, i)
			}
			seen[port] = i
		}
	}
	return nil
}
