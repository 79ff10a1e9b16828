package main

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"browser-test-orchestrator/internal/clock"
	"browser-test-orchestrator/internal/config"
	"browser-test-orchestrator/internal/orchestrator"
	"browser-test-orchestrator/internal/retention"
	"browser-test-orchestrator/internal/storage"
)

var (
	serverURL  string
	apiKey     string
	configPath string
)

func main() {
	root := &cobra.Command{
		Use:          "orchestrator-cli",
		Short:        "CLI client for browser-test-orchestrator",
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVar(&serverURL, "server", envOr("ORCHESTRATOR_URL", "http://localhost:8080"), "Server URL")
	root.PersistentFlags().StringVar(&apiKey, "api-key", os.Getenv("ORCHESTRATOR_API_KEY"), "API key")

	root.AddCommand(testcaseCmd(), runCmd(), statusCmd(), listCmd(), statsCmd(), cleanupCmd())
	root.AddCommand(&cobra.Command{
		Use:   "health",
		Short: "Check server health",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return printJSON(call(cmd.Context(), http.MethodGet, "/health", nil))
		},
	})

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

func testcaseCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "testcase", Short: "Manage test cases"}

	create := &cobra.Command{
		Use:   "create [file.yaml]",
		Short: "Create a test case from a YAML or JSON file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := os.ReadFile(args[0])
			if err != nil {
				return fmt.Errorf("reading file: %w", err)
			}
			// YAML is a superset of JSON
			var in orchestrator.TestCaseInput
			if err := yaml.Unmarshal(data, &in); err != nil {
				return fmt.Errorf("parsing %s: %w", args[0], err)
			}
			return printJSON(call(cmd.Context(), http.MethodPost, "/testcases", in))
		},
	}

	var category string
	var all bool
	list := &cobra.Command{
		Use:   "list",
		Short: "List test cases",
		RunE: func(cmd *cobra.Command, _ []string) error {
			q := url.Values{}
			if category != "" {
				q.Set("category", category)
			}
			if all {
				q.Set("include_inactive", "true")
			}
			return printJSON(call(cmd.Context(), http.MethodGet, "/testcases?"+q.Encode(), nil))
		},
	}
	list.Flags().StringVar(&category, "category", "", "Only this category")
	list.Flags().BoolVar(&all, "all", false, "Include inactive test cases")

	cmd.AddCommand(create, list)
	return cmd
}

func runCmd() *cobra.Command {
	var req orchestrator.RunRequest
	var follow bool
	cmd := &cobra.Command{
		Use:   "run [testcase-id]",
		Short: "Start an execution of a test case",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if _, err := fmt.Sscan(args[0], &req.TestCaseID); err != nil {
				return fmt.Errorf("testcase id must be a number: %w", err)
			}
			body, err := call(cmd.Context(), http.MethodPost, "/executions", req)
			if err != nil {
				return err
			}
			if err := printJSON(body, nil); err != nil {
				return err
			}
			if !follow {
				return nil
			}
			var started struct {
				ExecutionID string `json:"execution_id"`
			}
			if err := json.Unmarshal(body, &started); err != nil {
				return err
			}
			return followEvents(cmd.Context(), started.ExecutionID)
		},
	}
	cmd.Flags().StringVar(&req.Mode, "mode", "headless", "headless or headed")
	cmd.Flags().StringVar(&req.Browser, "browser", "", "Browser to run (worker default when empty)")
	cmd.Flags().StringVar(&req.ExecutedBy, "executed-by", os.Getenv("USER"), "Recorded as the execution's initiator")
	cmd.Flags().BoolVarP(&follow, "follow", "f", false, "Stream events until the execution finishes")
	return cmd
}

func statusCmd() *cobra.Command {
	var follow bool
	cmd := &cobra.Command{
		Use:   "status [execution-id]",
		Short: "Show an execution with its step results",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if follow {
				return followEvents(cmd.Context(), args[0])
			}
			return printJSON(call(cmd.Context(), http.MethodGet, "/executions/"+url.PathEscape(args[0]), nil))
		},
	}
	cmd.Flags().BoolVarP(&follow, "follow", "f", false, "Stream events until the execution finishes")
	return cmd
}

func listCmd() *cobra.Command {
	var status string
	var testcase, page, size int
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List recent executions",
		RunE: func(cmd *cobra.Command, _ []string) error {
			q := url.Values{}
			q.Set("page", fmt.Sprint(page))
			q.Set("size", fmt.Sprint(size))
			if status != "" {
				q.Set("status", status)
			}
			if testcase > 0 {
				q.Set("testcase_id", fmt.Sprint(testcase))
			}
			return printJSON(call(cmd.Context(), http.MethodGet, "/executions?"+q.Encode(), nil))
		},
	}
	cmd.Flags().StringVar(&status, "status", "", "Only executions in this status")
	cmd.Flags().IntVar(&testcase, "testcase", 0, "Only executions of this test case")
	cmd.Flags().IntVar(&page, "page", 1, "Page number")
	cmd.Flags().IntVar(&size, "size", 20, "Page size")
	return cmd
}

func statsCmd() *cobra.Command {
	var days int
	cmd := &cobra.Command{
		Use:   "stats [testcase-id]",
		Short: "Show the dashboard summary, or one test case's statistics",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) == 1 {
				return printJSON(call(cmd.Context(), http.MethodGet, "/statistics/testcases/"+url.PathEscape(args[0]), nil))
			}
			return printJSON(call(cmd.Context(), http.MethodGet, fmt.Sprintf("/dashboard/summary?days=%d", days), nil))
		},
	}
	cmd.Flags().IntVar(&days, "days", 7, "Window in days")
	return cmd
}

// cleanupCmd talks to the database directly so retention can run from cron
// without the server.
func cleanupCmd() *cobra.Command {
	var days int
	cmd := &cobra.Command{
		Use:   "cleanup",
		Short: "Delete finished executions older than --days",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg := config.DefaultConfig()
			if configPath != "" {
				loaded, err := config.Load(configPath)
				if err != nil {
					return err
				}
				cfg = loaded
			}
			cfg.ApplyEnv()

			store, err := storage.Open(cmd.Context(), cfg.Database)
			if err != nil {
				return err
			}
			defer store.Close()

			report, err := retention.NewJanitor(store, cfg.Retention, clock.RealClock{}, nil).Cleanup(cmd.Context(), days)
			if err != nil {
				return err
			}
			out, err := json.Marshal(report)
			if err != nil {
				return err
			}
			return printJSON(out, nil)
		},
	}
	cmd.Flags().IntVar(&days, "days", 90, "Keep executions newer than this many days")
	cmd.Flags().StringVar(&configPath, "config", os.Getenv("CONFIG_PATH"), "Config file with the database settings")
	return cmd
}

// followEvents prints the execution's SSE stream until the server closes it.
func followEvents(ctx context.Context, executionID string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, serverURL+"/executions/"+url.PathEscape(executionID)+"/events", nil)
	if err != nil {
		return err
	}
	setAuth(req)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("server returned %s: %s", resp.Status, strings.TrimSpace(string(body)))
	}

	var event string
	sc := bufio.NewScanner(resp.Body)
	sc.Buffer(make([]byte, 64*1024), 4<<20)
	for sc.Scan() {
		line := sc.Text()
		switch {
		case strings.HasPrefix(line, "event: "):
			event = strings.TrimPrefix(line, "event: ")
		case strings.HasPrefix(line, "data: "):
			fmt.Printf("%-20s %s\n", event, strings.TrimPrefix(line, "data: "))
		}
	}
	return sc.Err()
}

func call(ctx context.Context, method, path string, body any) ([]byte, error) {
	var reader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return nil, err
		}
		reader = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, serverURL+path, reader)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	setAuth(req)

	client := &http.Client{Timeout: 30 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("reading response: %w", err)
	}
	if resp.StatusCode >= http.StatusBadRequest {
		var e struct {
			Message string `json:"message"`
			Code    string `json:"code"`
		}
		if json.Unmarshal(data, &e) == nil && e.Message != "" {
			return nil, fmt.Errorf("%s (%s): %s", resp.Status, e.Code, e.Message)
		}
		return nil, fmt.Errorf("server returned %s", resp.Status)
	}
	return data, nil
}

func setAuth(req *http.Request) {
	if apiKey != "" {
		req.Header.Set("X-API-Key", apiKey)
	}
}

func printJSON(data []byte, err error) error {
	if err != nil {
		return err
	}
	var out bytes.Buffer
	if json.Indent(&out, data, "", "  ") != nil {
		fmt.Println(string(data))
		return nil
	}
	fmt.Println(out.String())
	return nil
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
