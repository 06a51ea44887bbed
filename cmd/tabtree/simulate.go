package main

import (
	"context"
	"fmt"
	"io"
	"slices"

	"github.com/goccy/go-json"
	"github.com/spf13/cobra"

	"pkt.systems/pslog"
	"pkt.systems/tabtree/core"
	"pkt.systems/tabtree/internal/eventbus"
	"pkt.systems/tabtree/internal/format"
	"pkt.systems/tabtree/internal/memsource"
	"pkt.systems/tabtree/schema"
)

const minSimulateTabs = 5

type simulateOptions struct {
	tabs     int
	stateDir string
	asJSON   bool
	events   bool
}

func newSimulateCmd() *cobra.Command {
	opts := simulateOptions{}
	cmd := &cobra.Command{
		Use:   "simulate",
		Short: "Run a scripted tab session against an in-memory browser and print the tree",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSimulate(cmd.Context(), cmd.OutOrStdout(), opts)
		},
	}
	cmd.Flags().IntVarP(&opts.tabs, "tabs", "n", 6, "number of tabs in the first window")
	cmd.Flags().StringVar(&opts.stateDir, "state-dir", "", "directory for shape snapshots (default: none)")
	cmd.Flags().BoolVar(&opts.asJSON, "json", false, "print the final windows as JSON")
	cmd.Flags().BoolVar(&opts.events, "events", false, "print a tally of tree events")
	return cmd
}

type simulation struct {
	ctx context.Context
	out io.Writer
	src *memsource.Source
	svc core.Service
	log pslog.Logger

	render core.Renderer
}

func runSimulate(ctx context.Context, out io.Writer, opts simulateOptions) error {
	if opts.tabs < minSimulateTabs {
		return fmt.Errorf("simulate needs at least %d tabs", minSimulateTabs)
	}
	logger := pslog.Ctx(ctx)
	src := memsource.New(memsource.Options{Logger: logger})
	defer src.Close()
	bus := eventbus.New(logger)
	events, unsubscribe := bus.Subscribe(eventbus.AllWindows)

	cfg := schema.ServiceConfig{StateDir: opts.stateDir, PersistShapes: opts.stateDir != "", CheckInvariants: true}
	svc, err := core.NewService(cfg, core.ServiceDeps{Source: src, Windows: src, EventSink: bus, Logger: logger})
	if err != nil {
		unsubscribe()
		return err
	}
	src.OnNotify(func(n schema.Notification) { _ = svc.Apply(ctx, n) })
	sim := &simulation{ctx: ctx, out: out, src: src, svc: svc, log: logger, render: format.NewPlainRenderer()}

	err = sim.run(opts)
	unsubscribe()
	if err != nil {
		return err
	}
	if opts.events {
		tally := map[schema.TreeEventType]int{}
		for ev := range events {
			tally[ev.Type]++
		}
		_, _ = fmt.Fprintf(out, "events: tree=%d active=%d reconciled=%d closed=%d\n",
			tally[schema.TreeEventChanged], tally[schema.TreeEventActive], tally[schema.TreeEventReconciled], tally[schema.TreeEventClosed])
	}
	if opts.asJSON {
		return sim.printJSON()
	}
	return nil
}

func (s *simulation) run(opts simulateOptions) error {
	w, err := s.src.CreateWindow(s.ctx, core.WindowOptions{Focused: true})
	if err != nil {
		return err
	}
	ids := make([]schema.TabID, 0, opts.tabs)
	for i := 0; i < opts.tabs; i++ {
		tab, err := s.src.Create(s.ctx, core.CreateOptions{WindowID: w.ID, Index: schema.AppendIndex, URL: fmt.Sprintf("https://example.test/%d", i+1)})
		if err != nil {
			return err
		}
		ids = append(ids, tab.ID)
	}
	if err := s.step("open", w.ID); err != nil {
		return err
	}

	if _, err := s.src.Create(s.ctx, core.CreateOptions{WindowID: w.ID, Index: 1, URL: "https://example.test/1/child", OpenerID: ids[0]}); err != nil {
		return err
	}
	if err := s.step("open child", w.ID); err != nil {
		return err
	}

	if _, err := s.svc.GroupTabs(s.ctx, schema.GroupTabsRequest{WindowID: w.ID, TabIDs: []schema.TabID{ids[2], ids[3]}}); err != nil {
		return err
	}
	if err := s.step("group", w.ID); err != nil {
		return err
	}

	drop := schema.DropRequest{
		Payload: schema.DragPayload{SourceWindowID: w.ID, DraggedTabIDs: []schema.TabID{ids[len(ids)-1]}},
		Input:   schema.DropInput{WindowID: w.ID, TargetTabID: ids[0], TargetRect: schema.Rect{Top: 0, Height: 20}, PointerY: 5},
	}
	if _, err := s.svc.Drop(s.ctx, drop); err != nil {
		return err
	}
	if err := s.step("drop", w.ID); err != nil {
		return err
	}

	pinned := true
	if _, err := s.src.Update(s.ctx, ids[1], core.TabPatch{Pinned: &pinned}); err != nil {
		return err
	}
	if err := s.step("pin", w.ID); err != nil {
		return err
	}

	if _, err := s.svc.DetachTab(s.ctx, schema.DetachTabRequest{WindowID: w.ID, TabID: ids[2]}); err != nil {
		return err
	}
	if err := s.step("detach", w.ID); err != nil {
		return err
	}

	moved, err := s.svc.MoveToNewWindow(s.ctx, schema.MoveToNewWindowRequest{TabIDs: []schema.TabID{ids[3]}})
	if err != nil {
		return err
	}
	if err := s.step("move to new window", w.ID, moved.Window.ID); err != nil {
		return err
	}
	s.log.Debug("simulate ok", "windows", 2, "tabs", opts.tabs+1)
	return nil
}

func (s *simulation) step(name string, windows ...schema.WindowID) error {
	_, _ = fmt.Fprintf(s.out, "== %s\n", name)
	for _, w := range windows {
		resp, err := s.svc.Snapshot(s.ctx, schema.SnapshotRequest{WindowID: w})
		if err != nil {
			return err
		}
		if browser, tree := s.src.Order(w), resp.Window.Flatten(); !slices.Equal(browser, tree) {
			return fmt.Errorf("window %d diverged from the browser after %s: browser %v, tree %v", w, name, browser, tree)
		}
		for _, line := range s.render.FormatWindow(resp.Window) {
			_, _ = fmt.Fprintln(s.out, line)
		}
	}
	return nil
}

func (s *simulation) printJSON() error {
	list, err := s.svc.ListWindows(s.ctx, schema.ListWindowsRequest{})
	if err != nil {
		return err
	}
	snaps := make([]schema.WindowSnapshot, 0, len(list.Windows))
	for _, w := range list.Windows {
		resp, err := s.svc.Snapshot(s.ctx, schema.SnapshotRequest{WindowID: w})
		if err != nil {
			return err
		}
		snaps = append(snaps, resp.Window)
	}
	data, err := json.MarshalIndent(snaps, "", "  ")
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(s.out, "%s\n", data)
	return err
}
