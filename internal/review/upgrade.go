package review

import (
	"context"
	"sort"
	"strconv"

	"github.com/sprite-ai/p4review/internal/gateway"
	"github.com/sprite-ai/p4review/internal/model"
)

// UpgradeLevel is the schema level written by Save.
const UpgradeLevel = 4

// migration lifts a raw record from level n to n+1 in place.
type migration func(ctx context.Context, raw map[string]any, gw gateway.Gateway) error

// migrations[n] upgrades level n to n+1.
var migrations = []migration{
	upgradeReviewerFlag,
	upgradeParticipantMap,
	upgradeSynthesizeVersions,
	upgradeVoteVersions,
}

// levelOf returns the stored upgrade level; missing or negative means 0.
func levelOf(raw map[string]any) int {
	n, _ := toInt(raw["upgrade"])
	return max(n, 0)
}

// Upgrade migrates raw to UpgradeLevel and returns the level it started
// at. Records already at or above UpgradeLevel are left untouched.
func Upgrade(ctx context.Context, raw map[string]any, gw gateway.Gateway) (int, error) {
	from := levelOf(raw)
	for level := from; level < UpgradeLevel; level++ {
		if err := migrations[level](ctx, raw, gw); err != nil {
			return from, err
		}
		raw["upgrade"] = level + 1
	}
	if from < UpgradeLevel {
		recordsUpgraded.WithLabelValues(strconv.Itoa(from)).Inc()
	}
	return from, nil
}

func truthy(v any) bool {
	switch t := v.(type) {
	case bool:
		return t
	case string:
		return t != "" && t != "0" && t != "false"
	case nil:
		return false
	}
	n, ok := toInt(v)
	return ok && n != 0
}

// upgradeReviewerFlag replaces the single reviewer field with hasReviewer.
// An assigned reviewer becomes a participant; an assigned flag without a
// reviewer name is kept as legacyAssigned.
func upgradeReviewerFlag(_ context.Context, raw map[string]any, _ gateway.Gateway) error {
	assigned := truthy(raw["assigned"])
	reviewer, _ := raw["reviewer"].(string)
	if assigned && reviewer != "" {
		switch p := raw["participants"].(type) {
		case map[string]any:
			if _, ok := p[reviewer]; !ok {
				p[reviewer] = map[string]any{}
			}
		case []any:
			raw["participants"] = append(p, reviewer)
		default:
			raw["participants"] = []any{reviewer}
		}
	}
	if assigned {
		raw["hasReviewer"] = 1
		if reviewer == "" {
			raw["legacyAssigned"] = true
		}
	} else {
		raw["hasReviewer"] = 0
	}
	delete(raw, "reviewer")
	delete(raw, "assigned")
	return nil
}

// upgradeParticipantMap turns a participant list into the user -> data map
// and folds the old top-level votes map into it.
func upgradeParticipantMap(_ context.Context, raw map[string]any, _ gateway.Gateway) error {
	participants := map[string]any{}
	switch p := raw["participants"].(type) {
	case []any:
		for _, u := range p {
			if user, ok := u.(string); ok && user != "" {
				participants[user] = map[string]any{}
			}
		}
	case map[string]any:
		for user, data := range p {
			if m, ok := data.(map[string]any); ok {
				participants[user] = m
			} else {
				participants[user] = map[string]any{}
			}
		}
	}
	if author, ok := raw["author"].(string); ok && author != "" {
		if _, exists := participants[author]; !exists {
			participants[author] = map[string]any{}
		}
	}
	if votes, ok := raw["votes"].(map[string]any); ok {
		for user, value := range votes {
			entry, ok := participants[user].(map[string]any)
			if !ok {
				entry = map[string]any{}
				participants[user] = entry
			}
			entry["vote"] = map[string]any{"value": value}
		}
	}
	delete(raw, "votes")
	raw["participants"] = participants
	return nil
}

// upgradeSynthesizeVersions builds versions for records that predate them:
// one per commit, plus the open shelf when the review is pending.
func upgradeSynthesizeVersions(ctx context.Context, raw map[string]any, gw gateway.Gateway) error {
	if existing, ok := raw["versions"].([]any); ok && len(existing) > 0 {
		return nil
	}
	id, _ := toInt(raw["id"])

	var commits []int
	if list, ok := raw["commits"].([]any); ok {
		for _, c := range list {
			if n, ok := toInt(c); ok && n > 0 {
				commits = append(commits, n)
			}
		}
	}
	sort.Ints(commits)

	var versions []any
	marker := 0
	add := func(change int, pending bool) error {
		cl, err := gw.FetchChangelist(ctx, change)
		if err != nil {
			return opError("upgrade", id, change, err)
		}
		marker++
		v := map[string]any{
			"change":     change,
			"user":       cl.User,
			"time":       cl.Time.Unix(),
			"pending":    pending,
			"difference": marker,
			"stream":     nil,
		}
		if cl.Stream != "" {
			v["stream"] = cl.Stream
		}
		versions = append(versions, v)
		return nil
	}

	for _, c := range commits {
		if err := add(c, false); err != nil {
			return err
		}
	}
	if truthy(raw["pending"]) && id > 0 {
		if err := add(id, true); err != nil {
			return err
		}
	}
	raw["versions"] = versions
	return nil
}

// upgradeVoteVersions pins every vote to the current version count and
// drops votes that are not up or down.
func upgradeVoteVersions(_ context.Context, raw map[string]any, _ gateway.Gateway) error {
	versions, _ := raw["versions"].([]any)
	participants, _ := raw["participants"].(map[string]any)
	for _, data := range participants {
		entry, ok := data.(map[string]any)
		if !ok {
			continue
		}
		vote, has := entry["vote"]
		if !has {
			continue
		}
		var value any = vote
		if m, ok := vote.(map[string]any); ok {
			value = m["value"]
		}
		v, ok := model.NormalizeVote(value)
		if !ok {
			delete(entry, "vote")
			continue
		}
		entry["vote"] = map[string]any{"value": int(v), "version": len(versions)}
	}
	return nil
}
