// Package jobs implements the job lifecycle: creation, dependency-driven
// spawning on area discovery, progress merging, and periodic recovery of
// failed or stuck jobs.
package jobs

import "github.com/glfleet/backend/internal/store"

// groupCommands is the fixed dependent-job set spawned for a discovered
// group.
var groupCommands = []store.Command{
	store.CommandEpics,
	store.CommandIssues,
	store.CommandLabels,
	store.CommandMembers,
}

// projectCommands is the fixed dependent-job set spawned for a discovered
// project.
var projectCommands = []store.Command{
	store.CommandIssues,
	store.CommandMergeRequests,
	store.CommandBranches,
	store.CommandPipelines,
	store.CommandReleases,
	store.CommandCommits,
}

// globalCommands are spawned once per account per discovery cycle, with no
// path scope.
var globalCommands = []store.Command{
	store.CommandUsers,
	store.CommandVulnerabilities,
	store.CommandTimeLogs,
}

// CommandsForArea returns the dependent commands for an area type.
func CommandsForArea(t store.AreaType) []store.Command {
	switch t {
	case store.AreaGroup:
		return groupCommands
	case store.AreaProject:
		return projectCommands
	default:
		return nil
	}
}

// GlobalCommands returns the account-global command set.
func GlobalCommands() []store.Command {
	return globalCommands
}
