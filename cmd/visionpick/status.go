package main

import (
	"fmt"
	"io"
	"net"
	"slices"
	"strings"
	"time"

	"github.com/banshee-data/visionpick/internal/api"
	"github.com/banshee-data/visionpick/internal/httputil"
)

// localURL turns a listen address into a URL reachable from this host.
func localURL(addr string) string {
	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		return "http://" + addr
	}
	if host == "" || host == "0.0.0.0" || host == "::" {
		host = "localhost"
	}
	return "http://" + net.JoinHostPort(host, port)
}

// runStatus fetches /api/status from a running controller and prints a
// short summary.
func runStatus(client httputil.HTTPClient, baseURL string, out io.Writer) error {
	var st api.StatusResponse
	if err := httputil.GetJSON(client, strings.TrimSuffix(baseURL, "/")+"/api/status", &st); err != nil {
		return fmt.Errorf("failed to fetch controller status: %w", err)
	}

	if st.Loop != nil {
		l := st.Loop
		fmt.Fprintf(out, "conveyor:    running=%t ticks=%d failed=%d pushes=%d completions=%d\n",
			l.Running, l.Ticks, l.FailedTicks, l.Pushes, l.Completions)
		if l.Lock.Picking {
			fmt.Fprintf(out, "pick lock:   %s since %s (%v)\n", l.Lock.ZoneID, l.Lock.LockedAt.Format(time.RFC3339), l.LockAge)
		} else {
			fmt.Fprintf(out, "pick lock:   free\n")
		}
	}
	if len(st.Catches) > 0 {
		fmt.Fprintf(out, "catches:     %s\n", formatCounts(st.Catches))
	}
	fmt.Fprintf(out, "clients:     %d\n", len(st.Clients))
	for _, c := range st.Clients {
		fmt.Fprintf(out, "  %s %s lines=%d\n", c.ID, c.Remote, c.Lines)
	}
	if st.Calibration.Loaded {
		fmt.Fprintf(out, "calibration: %s (z floor %.2f)\n", st.Calibration.Form, st.Calibration.ZFloor)
	} else {
		fmt.Fprintf(out, "calibration: none (z floor %.2f)\n", st.Calibration.ZFloor)
	}
	if len(st.Health) > 0 {
		names := make([]string, 0, len(st.Health))
		for name := range st.Health {
			names = append(names, name)
		}
		slices.Sort(names)
		for _, name := range names {
			state := "SERVING"
			if !st.Health[name] {
				state = "NOT_SERVING"
			}
			fmt.Fprintf(out, "health:      %-9s %s\n", name, state)
		}
	}
	return nil
}

func formatCounts(counts map[string]uint64) string {
	keys := make([]string, 0, len(counts))
	for k := range counts {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	parts := make([]string, len(keys))
	for i, k := range keys {
		parts[i] = fmt.Sprintf("%s=%d", k, counts[k])
	}
	return strings.Join(parts, " ")
}
