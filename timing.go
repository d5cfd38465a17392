package gpujob

import (
	"fmt"
	"io"
	"time"

	"golang.org/x/text/language"
	"golang.org/x/text/message"
)

// Timing holds the wall time spent in each phase of a job.
type Timing struct {
	// Upload covers buffer creation, layout, allocation and the host to
	// device copy.
	Upload time.Duration

	// Bind covers kernel creation and descriptor set setup.
	Bind time.Duration

	// Encode covers command buffer recording.
	Encode time.Duration

	// Execute runs from submission until the job was first observed done.
	Execute time.Duration

	// Download covers the device to host copy of the first Output call.
	Download time.Duration
}

// Total returns the sum of all phases.
func (t Timing) Total() time.Duration {
	return t.Upload + t.Bind + t.Encode + t.Execute + t.Download
}

func ms(d time.Duration) float64 {
	return float64(d) / float64(time.Millisecond)
}

// String formats the phases in milliseconds.
func (t Timing) String() string {
	return fmt.Sprintf("upload %.3fms, bind %.3fms, encode %.3fms, execute %.3fms, download %.3fms, total %.3fms",
		ms(t.Upload), ms(t.Bind), ms(t.Encode), ms(t.Execute), ms(t.Download), ms(t.Total()))
}

// Report writes one line per phase and a total, with numbers formatted for
// the given language.
func (t Timing) Report(w io.Writer, tag language.Tag) error {
	p := message.NewPrinter(tag)
	rows := []struct {
		name string
		d    time.Duration
	}{
		{"upload", t.Upload},
		{"bind", t.Bind},
		{"encode", t.Encode},
		{"execute", t.Execute},
		{"download", t.Download},
		{"total", t.Total()},
	}
	for _, r := range rows {
		if _, err := p.Fprintf(w, "%-9s %12.3f ms\n", r.name, ms(r.d)); err != nil {
			return err
		}
	}
	return nil
}
