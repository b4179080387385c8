// Package mergecfg resolves conflicting edits to YAML configuration
// documents. Structured merging unions top-level sections, merges
// name-keyed lists (profiles and the like) entry by entry, and settles
// remaining conflicts with the configured strategy. Output is
// re-serialized deterministically so merging identical inputs twice is
// a byte-level no-op.
package mergecfg

import (
	"errors"
	"fmt"
	"reflect"
	"sort"
	"strings"
	"time"

	"github.com/sergi/go-diff/diffmatchpatch"
	"gopkg.in/yaml.v3"

	"tabsync/internal/syncerrors"
)

// Input carries the two sides of a conflicted document and their
// modification timestamps.
type Input struct {
	Local      []byte
	Remote     []byte
	LocalTime  time.Time
	RemoteTime time.Time
}

// Result is the outcome of conflict resolution. When Pending is true no
// content was produced: the caller must surface Diff to the user and
// retry after a decision.
type Result struct {
	Content []byte
	Pending bool
	Diff    string

	// Source describes how the content was produced: "merge", or
	// "fallback-local"/"fallback-cloud" when parsing forced a
	// whole-document choice.
	Source string
}

// Resolve merges both sides of a conflicted YAML document. When either
// side fails to parse, the structured merge is abandoned and a whole
// side is chosen by the strategy instead (merge degrades to newest,
// since there is nothing structural left to combine).
func Resolve(in Input, strat Strategy) (Result, error) {
	if strat == StrategyManual {
		return Result{Pending: true, Diff: renderDiff(in.Local, in.Remote)}, nil
	}

	localDoc, localErr := parseMapping(in.Local)
	remoteDoc, remoteErr := parseMapping(in.Remote)

	if localErr != nil || remoteErr != nil {
		return fallback(in, strat, localErr, remoteErr)
	}

	merged := mergeMaps(localDoc, remoteDoc, strat, in.LocalTime, in.RemoteTime)

	content, err := yaml.Marshal(merged)
	if err != nil {
		return Result{}, fmt.Errorf("serializing merged document: %w", err)
	}

	return Result{Content: content, Source: "merge"}, nil
}

// Validate checks that a document parses as YAML.
func Validate(doc []byte) error {
	var v any
	if err := yaml.Unmarshal(doc, &v); err != nil {
		return fmt.Errorf("%v: %w", err, syncerrors.ErrParse)
	}

	return nil
}

// errNotMapping marks a document that is valid YAML but has no
// mapping at the top level. It cannot be merged structurally, but
// unlike a malformed document it is still a legitimate whole-document
// choice in the fallback.
var errNotMapping = errors.New("document is not a mapping")

func parseMapping(doc []byte) (map[string]any, error) {
	var v any
	if err := yaml.Unmarshal(doc, &v); err != nil {
		return nil, fmt.Errorf("%v: %w", err, syncerrors.ErrParse)
	}

	switch m := v.(type) {
	case nil:
		return map[string]any{}, nil
	case map[string]any:
		return m, nil
	default:
		return nil, errNotMapping
	}
}

// fallback picks a whole document when structured merging is not
// possible. A side that failed to parse is never chosen.
func fallback(in Input, strat Strategy, localErr, remoteErr error) (Result, error) {
	localBad := errors.Is(localErr, syncerrors.ErrParse)
	remoteBad := errors.Is(remoteErr, syncerrors.ErrParse)

	if localBad && remoteBad {
		return Result{}, fmt.Errorf("both sides unparseable (local: %v): %w", localErr, syncerrors.ErrParse)
	}

	useLocal := !localBad
	if !localBad && !remoteBad {
		if strat == StrategyMerge {
			strat = StrategyNewest
		}

		useLocal = strat.PreferLocal(in.LocalTime, in.RemoteTime)
	}

	if useLocal {
		return Result{Content: in.Local, Source: "fallback-local"}, nil
	}

	return Result{Content: in.Remote, Source: "fallback-cloud"}, nil
}

func mergeMaps(local, remote map[string]any, strat Strategy, lt, rt time.Time) map[string]any {
	merged := make(map[string]any, len(local)+len(remote))

	for k, lv := range local {
		rv, inRemote := remote[k]
		if !inRemote {
			merged[k] = lv
			continue
		}

		merged[k] = mergeValues(lv, rv, strat, lt, rt)
	}

	for k, rv := range remote {
		if _, inLocal := local[k]; !inLocal {
			merged[k] = rv
		}
	}

	return merged
}

func mergeValues(local, remote any, strat Strategy, lt, rt time.Time) any {
	if reflect.DeepEqual(local, remote) {
		return local
	}

	lm, lok := local.(map[string]any)
	rm, rok := remote.(map[string]any)
	if lok && rok {
		return mergeMaps(lm, rm, strat, lt, rt)
	}

	ll, lok := local.([]any)
	rl, rok := remote.([]any)
	if lok && rok && namedList(ll) && namedList(rl) {
		return mergeNamedLists(ll, rl, strat, lt, rt)
	}

	if strat.PreferLocal(lt, rt) {
		return local
	}

	return remote
}

// namedList reports whether every element is a mapping carrying a
// string "name", the shape of Tabby's profile and hotkey lists.
func namedList(list []any) bool {
	if len(list) == 0 {
		return false
	}

	for _, el := range list {
		m, ok := el.(map[string]any)
		if !ok {
			return false
		}

		if _, ok := m[listKey].(string); !ok {
			return false
		}
	}

	return true
}

// listKey is the natural identifier for list-valued sections.
const listKey = "name"

// mergeNamedLists unions two name-keyed lists. Entries present on one
// side are kept; entries present on both with different content go to
// the strategy. The result is sorted by name so every device serializes
// the same list the same way.
func mergeNamedLists(local, remote []any, strat Strategy, lt, rt time.Time) []any {
	byName := make(map[string]any, len(local)+len(remote))
	for _, el := range remote {
		name := el.(map[string]any)[listKey].(string)
		byName[name] = el
	}

	for _, el := range local {
		name := el.(map[string]any)[listKey].(string)

		rv, inRemote := byName[name]
		if !inRemote || reflect.DeepEqual(el, rv) || strat.PreferLocal(lt, rt) {
			byName[name] = el
		}
	}

	names := make([]string, 0, len(byName))
	for name := range byName {
		names = append(names, name)
	}
	sort.Strings(names)

	merged := make([]any, 0, len(names))
	for _, name := range names {
		merged = append(merged, byName[name])
	}

	return merged
}

// renderDiff produces a line-oriented local-vs-remote diff for pending
// manual decisions.
func renderDiff(local, remote []byte) string {
	dmp := diffmatchpatch.New()
	a, b, lines := dmp.DiffLinesToChars(string(local), string(remote))
	diffs := dmp.DiffCharsToLines(dmp.DiffMain(a, b, false), lines)

	var sb strings.Builder
	for _, d := range diffs {
		prefix := "  "

		switch d.Type {
		case diffmatchpatch.DiffDelete:
			prefix = "- "
		case diffmatchpatch.DiffInsert:
			prefix = "+ "
		}

		for _, line := range strings.Split(strings.TrimSuffix(d.Text, "\n"), "\n") {
			sb.WriteString(prefix)
			sb.WriteString(line)
			sb.WriteByte('\n')
		}
	}

	return sb.String()
}
