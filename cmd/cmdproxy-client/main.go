// Command cmdproxy-client is a minimal exec-once demonstration of the
// transit.Client library: it submits one run request to the broker and
// prints its outcome, the way a caller embedding package transit in its own
// program would use it, without the ceremony of a full client application.
package main

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/sb10/cmdproxy/dispatch"
	"github.com/sb10/cmdproxy/internal/clog"
	"github.com/sb10/cmdproxy/internal/config"
	"github.com/sb10/cmdproxy/internal/wiring"
	"github.com/sb10/cmdproxy/param"
	"github.com/sb10/cmdproxy/transit"
)

var (
	configPath string
	queue      string
	cwd        string
	envPairs   []string
	cmdPath    bool
	timeout    time.Duration
)

func main() {
	root := &cobra.Command{
		Use:   "cmdproxy-client -- <command> [args...]",
		Short: "Submit one run request to a cmdproxy broker and print its result",
		Args:  cobra.MinimumNArgs(1),
		RunE:  runOnce,
	}
	root.Flags().StringVar(&configPath, "config", "", "path to a client config file")
	root.Flags().StringVar(&queue, "queue", "", "queue to submit to (defaults to the command name)")
	root.Flags().StringVar(&cwd, "cwd", "", "working directory for the run")
	root.Flags().StringArrayVar(&envPairs, "env", nil, "KEY=VALUE environment variable to pass through literally")
	root.Flags().BoolVar(&cmdPath, "cmd-path", false, "treat the command as an absolute path rather than a palette name")
	root.Flags().DurationVar(&timeout, "timeout", 30*time.Second, "broker round-trip timeout")

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func runOnce(cmd *cobra.Command, args []string) error {
	logger := clog.New("cmdproxy-client")

	cfg, err := config.LoadClientConfig(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	store, err := wiring.BuildClientStore(cfg, logger)
	if err != nil {
		return fmt.Errorf("opening blob store: %w", err)
	}

	dispatchTimeout := time.Duration(cfg.DispatchTimeoutSeconds) * time.Second
	broker, err := dispatch.NewClient(cfg.BrokerAddr, dispatchTimeout, logger)
	if err != nil {
		return fmt.Errorf("connecting to broker: %w", err)
	}
	defer broker.Close()

	client := transit.NewClient(store, broker, logger)

	name := args[0]
	var command param.Param
	if cmdPath {
		command = param.CmdPath(name)
	} else {
		command = param.CmdName(name)
	}

	spec := transit.RunSpec{
		Command: command,
		Queue:   queue,
	}
	for _, a := range args[1:] {
		spec.Args = append(spec.Args, a)
	}
	if cwd != "" {
		spec.Cwd = &cwd
	}
	if len(envPairs) > 0 {
		spec.Env = map[string]interface{}{}
		for _, kv := range envPairs {
			k, v, ok := strings.Cut(kv, "=")
			if !ok {
				return fmt.Errorf("--env value %q is not KEY=VALUE", kv)
			}
			spec.Env[k] = v
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	result, err := client.Run(ctx, spec)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	fmt.Println(result.ReturnCode)
	if result.ReturnCode != 0 {
		os.Exit(result.ReturnCode)
	}
	return nil
}
