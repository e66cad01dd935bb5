package cli

import (
	"encoding/json"
	"fmt"
	"net/http"
	"sort"
	"time"

	"github.com/spf13/cobra"

	"github.com/randalmurphal/aof/internal/api"
	"github.com/randalmurphal/aof/internal/config"
	"github.com/randalmurphal/aof/internal/task"
)

func newStatusCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show scheduler and task status",
		Long: `Show the daemon's status snapshot.

When a daemon is reachable the snapshot comes from its /aof/status
endpoint; otherwise the task counts are read from the store directly
and the scheduler reports as stopped.

Example:
  aof status
  aof status --json`,
		RunE: func(cmd *cobra.Command, args []string) error {
			root, err := resolveRoot()
			if err != nil {
				return err
			}
			cfg, err := config.LoadFrom(root)
			if err != nil {
				return err
			}

			snap, live := fetchStatus(cfg.Server.Addr)
			if snap == nil {
				projectFlag, _ := cmd.Flags().GetString("project")
				p, err := openProject(root, projectFlag, cfg)
				if err != nil {
					return err
				}
				snap = &api.StatusResponse{
					Scheduler: "stopped",
					Tasks:     make(map[string]int),
				}
				for st, n := range p.Store(newLogger(cfg)).CountByStatus() {
					snap.Tasks[string(st)] = n
				}
			}

			if jsonOut {
				return printJSON(snap)
			}
			printStatus(snap, live)
			return nil
		},
	}

	cmd.Flags().StringP("project", "p", "", "project id")
	return cmd
}

// fetchStatus asks a running daemon for its snapshot. Any failure means
// the caller falls back to the store.
func fetchStatus(addr string) (*api.StatusResponse, bool) {
	client := &http.Client{Timeout: 2 * time.Second}
	resp, err := client.Get("http://" + addr + "/aof/status")
	if err != nil {
		return nil, false
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, false
	}
	var snap api.StatusResponse
	if err := json.NewDecoder(resp.Body).Decode(&snap); err != nil {
		return nil, false
	}
	return &snap, true
}

func printStatus(snap *api.StatusResponse, live bool) {
	source := "store"
	if live {
		source = "daemon"
	}
	fmt.Printf("scheduler: %s (%s)\n", snap.Scheduler, source)
	if snap.LastPollAt != nil {
		fmt.Printf("last poll: %s\n", snap.LastPollAt.Local().Format(time.RFC3339))
	}
	if snap.LastError != "" {
		fmt.Printf("last error: %s\n", snap.LastError)
	}

	order := []task.Status{
		task.StatusBacklog, task.StatusReady, task.StatusInProgress,
		task.StatusBlocked, task.StatusReview, task.StatusDone,
	}
	total := 0
	fmt.Println("tasks:")
	for _, st := range order {
		n := snap.Tasks[string(st)]
		total += n
		fmt.Printf("  %-12s %d\n", st, n)
	}
	// Anything outside the six known lanes still counts.
	var extras []string
	for k := range snap.Tasks {
		known := false
		for _, st := range order {
			if k == string(st) {
				known = true
				break
			}
		}
		if !known {
			extras = append(extras, k)
		}
	}
	sort.Strings(extras)
	for _, k := range extras {
		n := snap.Tasks[k]
		total += n
		fmt.Printf("  %-12s %d\n", k, n)
	}
	fmt.Printf("  %-12s %d\n", "total", total)
}
