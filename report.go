// Licensed Materials - Property of IBM
// Copyright IBM Corp. 2023.
// US Government Users Restricted Rights - Use, duplication or disclosure restricted by GSA ADP Schedule Contract with IBM Corp.

package main

import (
	"fmt"
	"io"
	"strings"
	"text/tabwriter"

	"github.com/dustin/go-humanize"

	"github.com/zosopentools/patchchain/internal/base"
	"github.com/zosopentools/patchchain/internal/chain"
	"github.com/zosopentools/patchchain/internal/publish"
)

func taskReports(outcomes []chain.TaskOutcome) []base.TaskReport {
	reports := make([]base.TaskReport, 0, len(outcomes))
	for _, o := range outcomes {
		r := base.TaskReport{
			Task:      o.Task.Name,
			OutputDir: o.Paths.OutputDir,
			PatchDir:  o.Paths.PatchDir,
		}
		if res := o.Apply; res != nil {
			r.Applied = res.Applied
			r.Skipped = res.Skipped
			r.Patches = len(res.Applied)
			r.Added = res.Changes.Added
			r.Changed = res.Changes.Changed
			r.Removed = res.Changes.Removed
		}
		if res := o.Rebuild; res != nil {
			r.Skipped = res.Unchanged
			r.Patches = res.Stack.Len()
			r.Added = res.Delta.Added
			r.Changed = res.Delta.Changed
			r.Removed = res.Delta.Removed
		}
		if o.Err != nil {
			r.Error = o.Err.Error()
		}
		reports = append(reports, r)
	}
	return reports
}

func syncReports(outcomes []chain.SyncOutcome) ([]base.UpstreamReport, []base.TaskReport) {
	var ups []base.UpstreamReport
	var tasks []base.TaskReport
	for _, o := range outcomes {
		r := base.UpstreamReport{
			Name:   o.Upstream.Name,
			URL:    o.Upstream.URL,
			Branch: o.Upstream.Branch,
		}
		if o.Sync != nil {
			r.Commit = o.Sync.To
			r.Previous = o.Sync.From
			r.Changed = o.Sync.Changed
		}
		if o.Err != nil {
			r.Error = o.Err.Error()
		}
		ups = append(ups, r)
		tasks = append(tasks, taskReports(o.Tasks)...)
	}
	return ups, tasks
}

func checkReports(outcomes []chain.CheckOutcome) []base.UpstreamReport {
	var ups []base.UpstreamReport
	for _, o := range outcomes {
		r := base.UpstreamReport{
			Name:   o.Upstream.Name,
			URL:    o.Upstream.URL,
			Branch: o.Upstream.Branch,
			Commit: o.Upstream.Commit,
		}
		if o.Status != nil {
			r.Head = o.Status.Head
			r.Behind = o.Status.Behind
		}
		if o.Err != nil {
			r.Error = o.Err.Error()
		}
		ups = append(ups, r)
	}
	return ups
}

func publishReport(receipt *publish.Receipt) *base.PublishReport {
	if receipt == nil {
		return nil
	}
	r := &base.PublishReport{
		ID:          receipt.ID,
		Bundle:      receipt.Bundle,
		Coordinates: receipt.Coordinates.String(),
		Size:        receipt.Size,
		Digest:      receipt.Digest,
	}
	for _, o := range receipt.Outcomes {
		d := base.DestinationReport{Name: o.Destination, URL: o.URL, OK: o.OK()}
		if o.OK() {
			d.Objects = []string{o.Location}
		} else {
			d.Error = o.Err.Error()
		}
		r.Destinations = append(r.Destinations, d)
	}
	return r
}

func statusReports(status *chain.Status) ([]base.UpstreamReport, []base.TaskReport) {
	var ups []base.UpstreamReport
	for _, u := range status.Upstreams {
		r := base.UpstreamReport{
			Name:   u.Upstream.Name,
			URL:    u.Upstream.URL,
			Branch: u.Upstream.Branch,
		}
		if u.Synced {
			r.Commit = u.Record.Commit
			r.Previous = u.Record.Previous
		}
		ups = append(ups, r)
	}

	var tasks []base.TaskReport
	for _, t := range status.Tasks {
		tasks = append(tasks, base.TaskReport{
			Task:      t.Task.Name,
			OutputDir: t.Paths.OutputDir,
			PatchDir:  t.Paths.PatchDir,
			Applied:   t.Record.Applied,
			Patches:   t.Patches,
			State:     string(t.State),
		})
	}
	return ups, tasks
}

// Human readable summaries, silent when a JSON report is printed instead
type printer struct {
	out   io.Writer
	quiet bool
}

func (p *printer) tasks(reports []base.TaskReport) {
	if p.quiet || len(reports) == 0 {
		return
	}
	w := tabwriter.NewWriter(p.out, 0, 4, 2, ' ', 0)
	for _, r := range reports {
		var what string
		switch {
		case r.Error != "":
			what = "failed"
		case r.State != "":
			what = r.State
		case r.Skipped:
			what = "up to date"
		default:
			what = fmt.Sprintf("%d added, %d changed, %d removed", len(r.Added), len(r.Changed), len(r.Removed))
		}
		fmt.Fprintf(w, "%v\t%v\t%d patches\n", r.Task, what, r.Patches)
	}
	w.Flush()
}

func (p *printer) upstreams(reports []base.UpstreamReport) {
	if p.quiet || len(reports) == 0 {
		return
	}
	w := tabwriter.NewWriter(p.out, 0, 4, 2, ' ', 0)
	for _, r := range reports {
		var what string
		switch {
		case r.Error != "":
			what = "failed"
		case r.Head != "":
			what = "remote head " + base.ShortCommit(r.Head)
			if r.Behind {
				what += " (pin is behind)"
			}
		case r.Changed:
			what = base.ShortCommit(r.Previous) + ".." + base.ShortCommit(r.Commit)
		case r.Commit == "":
			what = "not synced"
		default:
			what = "at " + base.ShortCommit(r.Commit)
		}
		fmt.Fprintf(w, "%v\t%v\t%v\n", r.Name, r.Branch, what)
	}
	w.Flush()
}

func (p *printer) publish(r *base.PublishReport) {
	if p.quiet || r == nil {
		return
	}
	fmt.Fprintf(p.out, "%v %v (%v, %v)\n", r.Bundle, r.Coordinates, humanize.Bytes(uint64(r.Size)), r.ID)
	for _, d := range r.Destinations {
		if d.OK {
			fmt.Fprintf(p.out, "  %v: %v\n", d.Name, strings.Join(d.Objects, ", "))
		} else {
			fmt.Fprintf(p.out, "  %v: failed\n", d.Name)
		}
	}
}
