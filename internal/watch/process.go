package watch

import (
	"strings"

	"github.com/shirou/gopsutil/v3/process"
)

// Activity describes the log writer process, when one can be found. Purely
// additive metadata on the session snapshot; absence is not an error.
type Activity struct {
	PID        int
	CPUPercent float64
}

// findWriterProcess scans running processes for the first one whose
// executable name matches the configured list. When several match, the one
// with the highest CPU share wins.
func findWriterProcess(matchNames []string) (Activity, bool) {
	if len(matchNames) == 0 {
		return Activity{}, false
	}

	procs, err := process.Processes()
	if err != nil {
		return Activity{}, false
	}

	var best Activity
	found := false
	for _, p := range procs {
		name, err := p.Name()
		if err != nil {
			continue
		}
		if !nameMatches(name, matchNames) {
			continue
		}
		cpu, err := p.CPUPercent()
		if err != nil {
			cpu = 0
		}
		if !found || cpu > best.CPUPercent {
			best = Activity{PID: int(p.Pid), CPUPercent: cpu}
			found = true
		}
	}
	return best, found
}

func nameMatches(name string, matchNames []string) bool {
	for _, want := range matchNames {
		if strings.EqualFold(name, want) {
			return true
		}
	}
	return false
}
