package metrics

import (
	"fmt"
	"os"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/common/expfmt"
)

// WriteSnapshot dumps the gatherer's current state to path in the
// Prometheus text format. Called once after the run so CI artifacts
// keep the final metric values even when nothing scraped the endpoint.
func WriteSnapshot(gatherer prometheus.Gatherer, path string) error {
	families, err := gatherer.Gather()
	if err != nil {
		return fmt.Errorf("gathering metrics: %w", err)
	}

	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("creating metrics snapshot: %w", err)
	}

	enc := expfmt.NewEncoder(f, expfmt.NewFormat(expfmt.TypeTextPlain))
	for _, mf := range families {
		if err := enc.Encode(mf); err != nil {
			f.Close()
			return fmt.Errorf("encoding %s: %w", mf.GetName(), err)
		}
	}
	return f.Close()
}
