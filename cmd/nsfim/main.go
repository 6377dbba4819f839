// Command nsfim watches one or more root paths inside a target process's
// mount namespace for filesystem changes and prints the resulting events.
// Its flag layout and the division between a package-level Configuration
// struct and a Run function bound through cobra.Command is grounded on
// mutagen-io/mutagen's cmd/mutagen pattern (see cmd/mutagen/main.go and
// flush.go); the watch semantics themselves come from fim-inotify.c's
// own "-p/-n/-t/-e/-f" CLI surface, extended with the recursive/only-dir/
// max-depth/ignore/follow-moves flags a complete implementation needs.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/nsfim/nsfim/eventloop"
	"github.com/nsfim/nsfim/internal/logging"
	"github.com/nsfim/nsfim/nsjoin"
	"github.com/nsfim/nsfim/session"
	"github.com/nsfim/nsfim/sink"
	"github.com/nsfim/nsfim/watchcache"
	"github.com/nsfim/nsfim/watchop"
)

func rootMain(command *cobra.Command, arguments []string) error {
	if rootConfiguration.help {
		return command.Help()
	}

	pid, err := strconv.Atoi(rootConfiguration.pid)
	if err != nil || pid <= 0 {
		return fmt.Errorf("invalid --pid %q", rootConfiguration.pid)
	}
	if len(rootConfiguration.targets) == 0 {
		return fmt.Errorf("at least one --target is required")
	}

	mask := watchop.Default
	if len(rootConfiguration.events) > 0 {
		mask = 0
		for _, name := range rootConfiguration.events {
			op, ok := watchop.Parse(strings.TrimSpace(name))
			if !ok {
				return fmt.Errorf("unrecognized --event %q", name)
			}
			mask |= op
		}
	}

	logger := logging.NewRoot(rootConfiguration.debug)

	if len(rootConfiguration.namespaces) > 0 {
		kinds := make([]nsjoin.Kind, 0, len(rootConfiguration.namespaces))
		for _, n := range rootConfiguration.namespaces {
			kinds = append(kinds, nsjoin.Kind(strings.TrimSpace(n)))
		}
		if _, err := nsjoin.JoinAll(nsjoin.System{}, pid, kinds); err != nil {
			return fmt.Errorf("joining namespaces of pid %d: %w", pid, err)
		}
	}

	cache := watchcache.New()
	printer := sink.Func(func(e sink.Event) { printEvent(rootConfiguration.format, e) })

	cfg := session.Config{
		Roots:           rootConfiguration.targets,
		Ignores:         rootConfiguration.ignores,
		OnlyDirectories: rootConfiguration.onlyDir,
		Recursive:       rootConfiguration.recursive,
		FollowMoves:     rootConfiguration.followMoves,
		MaxDepth:        rootConfiguration.maxDepth,
		EventMask:       mask,
	}

	sess, err := session.New(cache, pid, cfg, printer, logger)
	if err != nil {
		return fmt.Errorf("configuring session: %w", err)
	}
	defer sess.Close()

	installed, err := sess.Build()
	if err != nil {
		return fmt.Errorf("building watch set: %w", err)
	}
	logger.Printf("watching pid %d: %s installed across %s", pid, humanize.Comma(int64(installed)), humanize.Comma(int64(len(cfg.Roots))))

	loop := eventloop.New(cache, logger)
	if err := loop.Register(sess); err != nil {
		return fmt.Errorf("registering session: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sig
		cancel()
	}()

	return loop.Run(ctx)
}

var rootCommand = &cobra.Command{
	Use:   "nsfim",
	Short: "Watches filesystem changes inside a target process's namespace.",
	RunE:  rootMain,
}

var rootConfiguration struct {
	help        bool
	debug       bool
	pid         string
	namespaces  []string
	targets     []string
	events      []string
	format      string
	recursive   bool
	onlyDir     bool
	maxDepth    int
	ignores     []string
	followMoves bool
}

func init() {
	flags := rootCommand.Flags()
	flags.SortFlags = false

	flags.BoolVarP(&rootConfiguration.help, "help", "h", false, "Show help information")
	flags.BoolVar(&rootConfiguration.debug, "debug", false, "Enable debug logging")

	flags.StringVarP(&rootConfiguration.pid, "pid", "p", "", "Target process id whose namespace(s) should be joined")
	flags.StringSliceVarP(&rootConfiguration.namespaces, "ns", "n", nil, "Namespace kinds to join before watching (mnt,net,ipc,uts,pid,user); default none")
	flags.StringArrayVarP(&rootConfiguration.targets, "target", "t", nil, "Root path to watch, repeatable")
	flags.StringArrayVarP(&rootConfiguration.events, "event", "e", nil, "Event categories to observe, repeatable (access,modify,attrib,open,close,move,create,delete,all); default open,modify")
	flags.StringVarP(&rootConfiguration.format, "format", "f", "text", "Output format: text or json")

	flags.BoolVar(&rootConfiguration.recursive, "recursive", false, "Recursively watch every directory under each target")
	flags.BoolVar(&rootConfiguration.onlyDir, "only-dir", false, "Watch directories only, ignoring plain files")
	flags.IntVar(&rootConfiguration.maxDepth, "max-depth", 0, "Maximum recursion depth below each target; 0 means unlimited")
	flags.StringArrayVar(&rootConfiguration.ignores, "ignore", nil, "Basename to prune from recursive traversal, repeatable")
	flags.BoolVar(&rootConfiguration.followMoves, "follow-moves", false, "Attempt to relocate a target by inode after it is renamed away")

	cobra.EnableCommandSorting = false
}

func main() {
	if err := rootCommand.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
