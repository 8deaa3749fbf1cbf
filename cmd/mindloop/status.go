package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"mindloop/internal/breaker"
)

// statusCmd prints a runtime snapshot for operators.
var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show window occupancy, breaker states, and store statistics",
	RunE:  runStatus,
}

func runStatus(cmd *cobra.Command, args []string) error {
	rt, err := buildRuntime()
	if err != nil {
		return err
	}
	defer rt.close()

	fmt.Printf("%s %s\n\n", rt.cfg.Name, rt.cfg.Version)

	fmt.Println("Rate limiter:")
	fmt.Printf("  throttle factor: %.2f\n", rt.limiter.ThrottleFactor())
	for _, w := range rt.limiter.Snapshot() {
		fmt.Printf("  %-8s %3d/%d (effective %d, window %v)\n",
			w.Name, w.Count, w.Capacity, w.EffectiveCapacity, w.Size)
	}

	counts := rt.breakers.StateCounts()
	fmt.Println("\nUser breakers:")
	fmt.Printf("  closed: %d  open: %d  half-open: %d\n",
		counts[breaker.StateClosed], counts[breaker.StateOpen], counts[breaker.StateHalfOpen])

	if stats, err := rt.store.Stats(); err == nil {
		fmt.Println("\nWebhook events:")
		fmt.Printf("  total: %d  processed: %d  avg: %.1fms\n",
			stats.Total, stats.Processed, stats.AvgDurationMs)
		for eventType, n := range stats.ByEventType {
			fmt.Printf("  %-24s %d\n", eventType, n)
		}
	}

	fmt.Printf("\nPending nudges: %d\n", rt.nudges.Pending())
	fmt.Printf("Safety rules: %d loaded\n", len(rt.monitor.Rules()))
	return nil
}
