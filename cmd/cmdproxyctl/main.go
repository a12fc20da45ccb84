// Command cmdproxyctl is the operator-facing control CLI: it queries a
// worker's internal/statusapi endpoints and renders them as tables, and
// reads a broker credential without echo and writes it to a file (no other
// command in this module reads that file).
package main

import (
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"sort"

	"github.com/fatih/color"
	"github.com/howeyc/gopass"
	"github.com/manifoldco/promptui"
	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"
)

var workerStatusAddr string

func main() {
	root := &cobra.Command{
		Use:   "cmdproxyctl",
		Short: "Inspect and administer a cmdproxy deployment",
	}
	root.PersistentFlags().StringVar(&workerStatusAddr, "worker", "http://localhost:11302", "worker statusapi base URL")

	root.AddCommand(statusCmd(), queuesCmd(), configureCmd(), resetCmd())

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

type statusResponse struct {
	InFlight            int     `json:"in_flight"`
	LatencyEWMAMillis   float64 `json:"latency_ewma_millis"`
	LatencyMeanMillis   float64 `json:"latency_mean_millis"`
	LatencyStdDevMillis float64 `json:"latency_stddev_millis"`
	SampleCount         int     `json:"sample_count"`
}

func fetchJSON(url string, out interface{}) error {
	resp, err := http.Get(url)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%s: unexpected status %s", url, resp.Status)
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func statusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show in-flight run count and latency stats for a worker",
		RunE: func(cmd *cobra.Command, args []string) error {
			var s statusResponse
			if err := fetchJSON(workerStatusAddr+"/status", &s); err != nil {
				return err
			}

			table := tablewriter.NewWriter(os.Stdout)
			table.SetHeader([]string{"in-flight", "latency ewma (ms)", "latency mean (ms)", "latency stddev (ms)", "samples"})
			table.Append([]string{
				fmt.Sprint(s.InFlight),
				fmt.Sprintf("%.1f", s.LatencyEWMAMillis),
				fmt.Sprintf("%.1f", s.LatencyMeanMillis),
				fmt.Sprintf("%.1f", s.LatencyStdDevMillis),
				fmt.Sprint(s.SampleCount),
			})
			table.Render()
			return nil
		},
	}
}

func queuesCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "queues",
		Short: "Show last-observed per-queue depth",
		RunE: func(cmd *cobra.Command, args []string) error {
			depths := map[string]int{}
			if err := fetchJSON(workerStatusAddr+"/queues", &depths); err != nil {
				return err
			}

			names := make([]string, 0, len(depths))
			for name := range depths {
				names = append(names, name)
			}
			sort.Strings(names)

			table := tablewriter.NewWriter(os.Stdout)
			table.SetHeader([]string{"queue", "depth"})
			warn := color.New(color.FgYellow).SprintFunc()
			for _, name := range names {
				depth := depths[name]
				depthStr := fmt.Sprint(depth)
				if depth > 100 {
					depthStr = warn(depthStr)
				}
				table.Append([]string{name, depthStr})
			}
			table.Render()
			return nil
		},
	}
}

func configureCmd() *cobra.Command {
	var credentialPath string
	cmd := &cobra.Command{
		Use:   "configure",
		Short: "Store the credential used to dial a secured broker",
		RunE: func(cmd *cobra.Command, args []string) error {
			fmt.Print("Broker credential: ")
			secret, err := gopass.GetPasswdMasked()
			if err != nil {
				return fmt.Errorf("reading credential: %w", err)
			}
			if len(secret) == 0 {
				return fmt.Errorf("no credential entered")
			}
			if err := os.WriteFile(credentialPath, secret, 0o600); err != nil {
				return fmt.Errorf("writing credential file: %w", err)
			}
			fmt.Println("credential stored at", credentialPath)
			return nil
		},
	}
	cmd.Flags().StringVar(&credentialPath, "out", os.ExpandEnv("$HOME/.cmdproxy/broker-credential"), "where to write the credential")
	return cmd
}

func resetCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "reset-queue <name>",
		Short: "Confirm a queue reset (no broker admin transport: nothing is dropped)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			prompt := promptui.Prompt{
				Label:     fmt.Sprintf("Reset queue %q (no pending tasks are dropped by this command). Continue", args[0]),
				IsConfirm: true,
			}
			if _, err := prompt.Run(); err != nil {
				fmt.Println("aborted")
				return nil
			}

			// Queue draining is a broker-admin operation; cmdproxyctl has no
			// broker admin transport yet (dispatch only exposes req/rep run
			// submission), so this is left as an operator-confirmed no-op
			// until one exists.
			fmt.Printf("queue %q would be reset here\n", args[0])
			return nil
		},
	}
}
