package main

import (
	"encoding/json"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
)

var queueCmd = &cobra.Command{
	Use:   "queue",
	Short: "List queued actions",
	RunE: func(cmd *cobra.Command, args []string) error {
		data, status, err := apiRequest("GET", "/api/v1/queue", nil)
		if err != nil {
			return err
		}
		exitOnError(data, status)

		if outputJSON {
			printJSON(data)
			return nil
		}

		var snap struct {
			Actions []struct {
				ID         string `json:"id"`
				Kind       string `json:"kind"`
				Status     string `json:"status"`
				RetryCount int    `json:"retry_count"`
				Error      string `json:"error"`
				Conflict   bool   `json:"conflict"`
				CreatedAt  int64  `json:"created_at"`
			} `json:"actions"`
		}
		json.Unmarshal(data, &snap)

		w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "ID\tKIND\tSTATUS\tRETRIES\tCREATED\tERROR")
		for _, a := range snap.Actions {
			st := a.Status
			if a.Conflict {
				st += " (conflict)"
			}
			created := time.UnixMilli(a.CreatedAt).Format(time.RFC3339)
			fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%s\t%s\n", a.ID, a.Kind, st, a.RetryCount, created, a.Error)
		}
		w.Flush()
		return nil
	},
}

var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show queue statistics",
	RunE: func(cmd *cobra.Command, args []string) error {
		data, status, err := apiRequest("GET", "/api/v1/queue/stats", nil)
		if err != nil {
			return err
		}
		exitOnError(data, status)

		if outputJSON {
			printJSON(data)
			return nil
		}

		var stats map[string]interface{}
		json.Unmarshal(data, &stats)
		fmt.Printf("Total:   %.0f\n", stats["total"])
		fmt.Printf("Pending: %.0f\n", stats["pending_count"])
		fmt.Printf("Failed:  %.0f\n", stats["failed_count"])
		fmt.Printf("Syncing: %v\n", stats["syncing"])
		fmt.Printf("Online:  %v\n", stats["online"])
		return nil
	},
}

var enqueueCmd = &cobra.Command{
	Use:   "enqueue <kind> <payload-json>",
	Short: "Enqueue an action",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		data, status, err := apiRequest("POST", "/api/v1/actions", map[string]interface{}{
			"kind":    args[0],
			"payload": json.RawMessage(args[1]),
		})
		if err != nil {
			return err
		}
		exitOnError(data, status)
		printJSON(data)
		return nil
	},
}

var retryCmd = &cobra.Command{
	Use:   "retry <action-id>",
	Short: "Re-arm a failed action",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		data, status, err := apiRequest("POST", "/api/v1/queue/"+args[0]+"/retry", nil)
		if err != nil {
			return err
		}
		exitOnError(data, status)
		fmt.Printf("Action %s queued for retry\n", args[0])
		return nil
	},
}

var retryAllCmd = &cobra.Command{
	Use:   "retry-all",
	Short: "Re-arm every failed action",
	RunE: func(cmd *cobra.Command, args []string) error {
		data, status, err := apiRequest("POST", "/api/v1/queue/retry-all", nil)
		if err != nil {
			return err
		}
		exitOnError(data, status)

		var resp map[string]int
		json.Unmarshal(data, &resp)
		fmt.Printf("%d action(s) queued for retry\n", resp["retried"])
		return nil
	},
}

var discardCmd = &cobra.Command{
	Use:   "discard <action-id>",
	Short: "Remove an action from the queue",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		data, status, err := apiRequest("DELETE", "/api/v1/queue/"+args[0], nil)
		if err != nil {
			return err
		}
		exitOnError(data, status)
		fmt.Printf("Action %s discarded\n", args[0])
		return nil
	},
}

var clearCmd = &cobra.Command{
	Use:   "clear",
	Short: "Remove every queued action",
	RunE: func(cmd *cobra.Command, args []string) error {
		data, status, err := apiRequest("POST", "/api/v1/queue/clear", nil)
		if err != nil {
			return err
		}
		exitOnError(data, status)
		fmt.Println("Queue cleared")
		return nil
	},
}

var syncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Request an immediate sync pass",
	RunE: func(cmd *cobra.Command, args []string) error {
		data, status, err := apiRequest("POST", "/api/v1/sync", nil)
		if err != nil {
			return err
		}
		exitOnError(data, status)

		var resp map[string]interface{}
		json.Unmarshal(data, &resp)
		fmt.Printf("Sync requested (online: %v)\n", resp["online"])
		return nil
	},
}

var offlineCmd = &cobra.Command{
	Use:   "offline",
	Short: "Force the agent offline",
	RunE: func(cmd *cobra.Command, args []string) error {
		return setConnectivity(false)
	},
}

var onlineCmd = &cobra.Command{
	Use:   "online",
	Short: "Force the agent online",
	RunE: func(cmd *cobra.Command, args []string) error {
		return setConnectivity(true)
	},
}

func setConnectivity(online bool) error {
	data, status, err := apiRequest("POST", "/api/v1/connectivity", map[string]bool{"online": online})
	if err != nil {
		return err
	}
	exitOnError(data, status)
	fmt.Printf("Connectivity override set (online: %v)\n", online)
	return nil
}
