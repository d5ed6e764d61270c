/*
 * Corral
 * Copyright (C) 2025  Josh Moyers
 *
 * This program is free software: you can redistribute it and/or modify
 * it under the terms of the GNU Affero General Public License as published by
 * the Free Software Foundation, either version 3 of the License, or
 * (at your option) any later version.
 *
 * This program is distributed in the hope that it will be useful,
 * but WITHOUT ANY WARRANTY; without even the implied warranty of
 * MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
 * GNU Affero General Public License for more details.
 *
 * You should have received a copy of the GNU Affero General Public License
 * along with this program.  If not, see <http://www.gnu.org/licenses/>.
 */

package github

import (
	"context"
	"encoding/json"
	"sort"

	gogithub "github.com/google/go-github/v70/github"
	"github.com/gravitational/trace"

	"github.com/jmoyers/corral/lib/events"
	"github.com/jmoyers/corral/lib/state"
)

// syncBranch reconciles one branch and always records the outcome,
// success or failure, in the branch's sync row.
func (p *Poller) syncBranch(ctx context.Context, client *gogithub.Client, t target) error {
	syncErr := p.reconcileBranch(ctx, client, t)

	row := state.PullRequestSync{
		RepositoryID: t.repo.ID,
		Branch:       t.branch,
		SyncedAt:     p.cfg.Clock.Now().UTC(),
	}
	if syncErr != nil {
		row.LastError = syncErr.Error()
	}
	if err := p.cfg.Store.UpsertPullRequestSync(ctx, row); err != nil {
		p.logger.WarnContext(ctx, "Failed to record sync outcome.",
			"repository", t.repo.Name, "branch", t.branch, "error", err)
	}
	return trace.Wrap(syncErr)
}

// reconcileBranch fetches the branch's pull request and check runs and
// folds them into the store. Only open pull requests are tracked; a
// record whose remote closed, merged or vanished is deleted and
// announced once.
func (p *Poller) reconcileBranch(ctx context.Context, client *gogithub.Client, t target) error {
	prs, _, err := client.PullRequests.List(ctx, t.owner, t.name, &gogithub.PullRequestListOptions{
		State:     "all",
		Head:      t.owner + ":" + t.branch,
		Sort:      "updated",
		Direction: "desc",
		ListOptions: gogithub.ListOptions{
			PerPage: 20,
		},
	})
	if err != nil {
		return trace.Wrap(err)
	}

	stored, err := p.storedPullRequest(ctx, t)
	if err != nil {
		return trace.Wrap(err)
	}

	remote := pickPullRequest(prs)
	if remote == nil {
		if stored != nil {
			return trace.Wrap(p.dropPullRequest(ctx, t, *stored, state.PRClosed))
		}
		return nil
	}
	if finalState := prState(remote); finalState != state.PROpen {
		if stored != nil {
			return trace.Wrap(p.dropPullRequest(ctx, t, *stored, finalState))
		}
		return nil
	}

	rollup, jobs, err := p.fetchCheckRuns(ctx, client, t, remote.GetHead().GetSHA())
	if err != nil {
		return trace.Wrap(err)
	}

	record := state.PullRequest{
		RepositoryID: t.repo.ID,
		Branch:       t.branch,
		Number:       remote.GetNumber(),
		Title:        remote.GetTitle(),
		State:        state.PROpen,
		URL:          remote.GetHTMLURL(),
		HeadSHA:      remote.GetHead().GetSHA(),
		StatusRollup: rollup,
	}
	saved, err := p.cfg.Store.UpsertPullRequest(ctx, record)
	if err != nil {
		return trace.Wrap(err)
	}
	if stored == nil || !samePullRequest(*stored, saved) {
		p.publishRecord(ctx, t, events.KindGitHubPRUpserted, saved)
	}

	previous, err := p.cfg.Store.ListPullRequestJobs(ctx, saved.ID)
	if err != nil {
		return trace.Wrap(err)
	}
	for i := range jobs {
		jobs[i].PullRequestID = saved.ID
	}
	if !sameJobs(previous, jobs) {
		if err := p.cfg.Store.ReplacePullRequestJobs(ctx, saved.ID, jobs); err != nil {
			return trace.Wrap(err)
		}
		p.publishRecord(ctx, t, events.KindGitHubPRJobsUpdated, jobs)
	}
	return nil
}

// storedPullRequest finds the tracked record for the target branch, if
// any. At most one open pull request is tracked per branch.
func (p *Poller) storedPullRequest(ctx context.Context, t target) (*state.PullRequest, error) {
	prs, err := p.cfg.Store.ListPullRequests(ctx, t.repo.ID)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	for _, pr := range prs {
		if pr.Branch == t.branch {
			return &pr, nil
		}
	}
	return nil, nil
}

// dropPullRequest deletes a tracked record whose remote went away and
// publishes it with its final state.
func (p *Poller) dropPullRequest(ctx context.Context, t target, pr state.PullRequest, finalState string) error {
	if err := p.cfg.Store.DeletePullRequest(ctx, pr.ID); err != nil && !trace.IsNotFound(err) {
		return trace.Wrap(err)
	}
	pr.State = finalState
	p.publishRecord(ctx, t, events.KindGitHubPRClosed, pr)
	return nil
}

// fetchCheckRuns lists the check runs on a head commit and folds them
// into jobs plus a rollup.
func (p *Poller) fetchCheckRuns(ctx context.Context, client *gogithub.Client, t target, sha string) (string, []state.PullRequestJob, error) {
	if sha == "" {
		return "", nil, nil
	}
	results, _, err := client.Checks.ListCheckRunsForRef(ctx, t.owner, t.name, sha, &gogithub.ListCheckRunsOptions{
		ListOptions: gogithub.ListOptions{
			PerPage: 100,
		},
	})
	if err != nil {
		return "", nil, trace.Wrap(err)
	}
	rollup, jobs := foldCheckRuns(results.CheckRuns)
	return rollup, jobs, nil
}

// publishRecord publishes an event carrying the marshaled record.
func (p *Poller) publishRecord(ctx context.Context, t target, kind string, record any) {
	raw, err := json.Marshal(record)
	if err != nil {
		p.logger.WarnContext(ctx, "Failed to marshal event record.",
			"kind", kind, "error", err)
		return
	}
	p.cfg.Events.PublishObserved(p.scope(t), events.Event{
		Kind:         kind,
		RepositoryID: t.repo.ID,
		Record:       raw,
	})
}

// pickPullRequest chooses the branch's canonical pull request: the most
// recently updated open one, else the most recently updated overall.
// The input is ordered most recent first.
func pickPullRequest(prs []*gogithub.PullRequest) *gogithub.PullRequest {
	var newest *gogithub.PullRequest
	for _, pr := range prs {
		if pr.GetState() == "open" {
			return pr
		}
		if newest == nil {
			newest = pr
		}
	}
	return newest
}

// prState maps a remote pull request onto a stored state. The API
// reports merged pull requests as closed with a merge timestamp.
func prState(pr *gogithub.PullRequest) string {
	if pr.GetState() == "open" {
		return state.PROpen
	}
	if !pr.GetMergedAt().IsZero() {
		return state.PRMerged
	}
	return state.PRClosed
}

// foldCheckRuns converts check runs into job records, sorted by name so
// change detection is stable across polls, and computes the rollup:
// failure once anything failed, pending while anything still runs,
// success when every run passed, empty when there are no runs.
func foldCheckRuns(runs []*gogithub.CheckRun) (string, []state.PullRequestJob) {
	if len(runs) == 0 {
		return "", nil
	}
	jobs := make([]state.PullRequestJob, 0, len(runs))
	var pending, failed bool
	for _, run := range runs {
		job := state.PullRequestJob{
			Name:       run.GetName(),
			Status:     run.GetStatus(),
			Conclusion: run.GetConclusion(),
			URL:        run.GetHTMLURL(),
		}
		if at := run.GetCompletedAt(); !at.IsZero() {
			completed := at.Time.UTC()
			job.CompletedAt = &completed
		}
		jobs = append(jobs, job)

		if run.GetStatus() != "completed" {
			pending = true
			continue
		}
		switch run.GetConclusion() {
		case "failure", "timed_out", "cancelled", "action_required":
			failed = true
		}
	}
	sort.Slice(jobs, func(i, j int) bool { return jobs[i].Name < jobs[j].Name })

	switch {
	case failed:
		return state.RollupFailure, jobs
	case pending:
		return state.RollupPending, jobs
	default:
		return state.RollupSuccess, jobs
	}
}

// samePullRequest reports whether two records agree on every field the
// sync writes.
func samePullRequest(a, b state.PullRequest) bool {
	return a.RepositoryID == b.RepositoryID &&
		a.Branch == b.Branch &&
		a.Number == b.Number &&
		a.Title == b.Title &&
		a.State == b.State &&
		a.URL == b.URL &&
		a.HeadSHA == b.HeadSHA &&
		a.StatusRollup == b.StatusRollup
}

// sameJobs reports whether two job lists agree, ignoring the pull
// request id stamped at replace time.
func sameJobs(a, b []state.PullRequestJob) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i].Name != b[i].Name ||
			a[i].Status != b[i].Status ||
			a[i].Conclusion != b[i].Conclusion ||
			a[i].URL != b[i].URL {
			return false
		}
		switch {
		case (a[i].CompletedAt == nil) != (b[i].CompletedAt == nil):
			return false
		case a[i].CompletedAt != nil && !a[i].CompletedAt.Equal(*b[i].CompletedAt):
			return false
		}
	}
	return true
}
