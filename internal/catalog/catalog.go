// Package catalog holds the app catalog snapshot taken at the start of a run
// and classifies a single app against it.
package catalog

import (
	"fmt"
	"sort"
)

// Status is the classification of one app against a Snapshot.
type Status int

const (
	StatusNotFound Status = iota
	StatusAbsent
	StatusPresentCurrent
	StatusPresentUpgradable
)

func (s Status) String() string {
	switch s {
	case StatusNotFound:
		return "not_found"
	case StatusAbsent:
		return "absent"
	case StatusPresentCurrent:
		return "present_current"
	case StatusPresentUpgradable:
		return "present_upgradable"
	default:
		return fmt.Sprintf("status(%d)", int(s))
	}
}

// Installed reports whether the status describes an installed app.
func (s Status) Installed() bool {
	return s == StatusPresentCurrent || s == StatusPresentUpgradable
}

// Snapshot is an immutable view of the available, installed and upgradable
// app identifiers. Build it with NewSnapshot; the zero value is an empty catalog.
type Snapshot struct {
	available  map[string]struct{}
	installed  map[string]struct{}
	upgradable map[string]struct{}
}

// NewSnapshot copies the given identifier lists into a Snapshot.
// Duplicate and empty identifiers are dropped.
func NewSnapshot(available, installed, upgradable []string) Snapshot {
	return Snapshot{
		available:  toSet(available),
		installed:  toSet(installed),
		upgradable: toSet(upgradable),
	}
}

func toSet(ids []string) map[string]struct{} {
	set := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		if id == "" {
			continue
		}
		set[id] = struct{}{}
	}
	return set
}

// IsAvailable reports whether name is in the catalog.
func (s Snapshot) IsAvailable(name string) bool {
	_, ok := s.available[name]
	return ok
}

// IsInstalled reports whether name is installed.
func (s Snapshot) IsInstalled(name string) bool {
	_, ok := s.installed[name]
	return ok
}

// IsUpgradable reports whether name has a newer version available.
func (s Snapshot) IsUpgradable(name string) bool {
	_, ok := s.upgradable[name]
	return ok
}

// Available returns the sorted catalog identifiers.
func (s Snapshot) Available() []string { return sortedKeys(s.available) }

// Installed returns the sorted installed identifiers.
func (s Snapshot) Installed() []string { return sortedKeys(s.installed) }

// Upgradable returns the sorted upgradable identifiers.
func (s Snapshot) Upgradable() []string { return sortedKeys(s.upgradable) }

func sortedKeys(set map[string]struct{}) []string {
	keys := make([]string, 0, len(set))
	for k := range set {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// ConsistencyError reports a snapshot whose sets contradict each other for an
// app, e.g. an installed app the catalog does not list.
type ConsistencyError struct {
	Name   string
	Reason string
}

func (e *ConsistencyError) Error() string {
	return fmt.Sprintf("inconsistent status for app %s: %s", e.Name, e.Reason)
}

// Classify derives the status of name from the snapshot. Matching is on exact
// identifiers. An app reported installed but missing from the catalog yields
// a *ConsistencyError instead of a status.
func Classify(name string, snap Snapshot) (Status, error) {
	available := snap.IsAvailable(name)
	installed := snap.IsInstalled(name)

	switch {
	case !available && installed:
		return StatusNotFound, &ConsistencyError{Name: name, Reason: "installed but not listed as available"}
	case !available:
		return StatusNotFound, nil
	case installed && snap.IsUpgradable(name):
		return StatusPresentUpgradable, nil
	case installed:
		return StatusPresentCurrent, nil
	default:
		return StatusAbsent, nil
	}
}
