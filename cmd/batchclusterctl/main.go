// Command batchclusterctl is a small demo/ops CLI around batchcluster:
// it reads newline-delimited commands from stdin, enqueues each as a
// task against a pool of child processes, and, once stdin is exhausted,
// prints one result (or error) line per task in input order. Grounded in the teacher's
// internal/cli/root.go (cobra root command, fatih/color-gated event
// logging) with the teacher's access-restriction banner and signature
// gate dropped — this tool has no such policy to enforce.
package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	batchcluster "github.com/procpool/batchcluster"
)

var (
	verbose bool
	quiet   bool
)

func main() {
	if err := rootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "batchclusterctl",
		Short:         "Drive a batchcluster pool from the command line",
		SilenceErrors: true,
		SilenceUsage:  true,
	}
	root.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "log every cluster event")
	root.PersistentFlags().BoolVarP(&quiet, "quiet", "q", false, "suppress all but task results")
	root.AddCommand(runCmd())
	return root
}

func runCmd() *cobra.Command {
	var (
		command     string
		procs       int
		taskTimeout time.Duration
		configPath  string
		newlineFlag string
		commandArgs []string
	)

	cmd := &cobra.Command{
		Use:   "run",
		Short: "enqueue one task per line of stdin against a child pool",
		RunE: func(cmd *cobra.Command, args []string) error {
			if command == "" {
				return fmt.Errorf("--command is required (the child binary to run)")
			}

			opts := batchcluster.DefaultOptions()
			opts.Factory = batchcluster.NewCommandFactory(command, commandArgs...)
			if procs > 0 {
				opts.MaxProcs = procs
			}
			if taskTimeout > 0 {
				opts.TaskTimeoutMillis = taskTimeout.Milliseconds()
			}
			if newlineFlag == "crlf" {
				opts.Newline = "\r\n"
			}

			cluster, err := batchcluster.New(opts)
			if err != nil {
				return err
			}
			defer cluster.End(true)

			attachLogging(cluster)

			if configPath != "" {
				w, err := cluster.WatchConfig(configPath)
				if err != nil {
					return fmt.Errorf("watching %s: %w", configPath, err)
				}
				defer w.Close()
			}

			return runLoop(cluster, cmd.InOrStdin())
		},
	}

	cmd.Flags().StringVar(&command, "command", "", "path to the child binary")
	cmd.Flags().IntVar(&procs, "procs", 0, "maxProcs override")
	cmd.Flags().DurationVar(&taskTimeout, "task-timeout", 0, "taskTimeoutMillis override")
	cmd.Flags().StringVar(&configPath, "config", "", "JSON file to hot-reload live options from")
	cmd.Flags().StringVar(&newlineFlag, "newline", "lf", `"lf" or "crlf"`)
	cmd.Flags().StringSliceVar(&commandArgs, "arg", nil, "extra argument passed to the child binary (repeatable)")

	return cmd
}

// runLoop enqueues one task per line of in and, after in is exhausted,
// waits for each task in input order and prints its result. The task's
// parser returns the accumulated stdout verbatim.
func runLoop(cluster *batchcluster.Cluster, in io.Reader) error {
	scanner := bufio.NewScanner(in)
	var tasks []*batchcluster.Task[string]
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		t := batchcluster.NewTask(line, func(stdout, _ string) (string, error) {
			return stdout, nil
		})
		tasks = append(tasks, batchcluster.EnqueueTask(cluster, t))
	}
	if err := scanner.Err(); err != nil {
		return err
	}

	ctx := context.Background()
	for _, t := range tasks {
		result, err := t.Wait(ctx)
		if err != nil {
			fmt.Printf("ERROR\t%s\t%v\n", t.Command(), err)
			continue
		}
		fmt.Printf("OK\t%s\t%s\n", t.Command(), result)
	}
	return nil
}

func attachLogging(cluster *batchcluster.Cluster) {
	if quiet {
		return
	}
	green := color.New(color.FgGreen)
	red := color.New(color.FgRed)
	yellow := color.New(color.FgYellow)

	cluster.On(batchcluster.EventChildStart, func(payload any) {
		ev := payload.(*batchcluster.ChildStartEvent)
		green.Fprintf(os.Stderr, "childStart pid=%d\n", ev.Pid)
	})
	cluster.On(batchcluster.EventChildExit, func(payload any) {
		ev := payload.(*batchcluster.ChildExitEvent)
		yellow.Fprintf(os.Stderr, "childExit pid=%d\n", ev.Pid)
	})
	cluster.On(batchcluster.EventStartError, func(payload any) {
		ev := payload.(*batchcluster.StartErrorEvent)
		red.Fprintf(os.Stderr, "startError pid=%d err=%v\n", ev.Pid, ev.Err)
	})
	cluster.On(batchcluster.EventEndError, func(payload any) {
		ev := payload.(*batchcluster.EndErrorEvent)
		red.Fprintf(os.Stderr, "endError err=%v\n", ev.Err)
	})
	if !verbose {
		return
	}
	cluster.On(batchcluster.EventTaskData, func(payload any) {
		ev := payload.(*batchcluster.TaskDataEvent)
		fmt.Fprintf(os.Stderr, "taskData pid=%d command=%q\n", ev.Pid, ev.Command)
	})
	cluster.On(batchcluster.EventTaskError, func(payload any) {
		ev := payload.(*batchcluster.TaskErrorEvent)
		fmt.Fprintf(os.Stderr, "taskError pid=%d command=%q err=%v\n", ev.Pid, ev.Command, ev.Err)
	})
	cluster.On(batchcluster.EventInternalError, func(payload any) {
		err, _ := payload.(error)
		fmt.Fprintf(os.Stderr, "internalError err=%v\n", err)
	})
}
