package memory

// UpgradeResult is the outcome of UpgradeSnapshot.
type UpgradeResult struct {
	// Conversations holds the upgraded form of every changed conversation.
	Conversations map[string]map[string]any
	// Changed lists the ids of upgraded conversations, sorted.
	Changed []string
	// Unresolved lists legacy user references with no user record, sorted
	// by chat id.
	Unresolved []User
}

// UpgradeSnapshot brings conversation entries written by older versions up
// to the current schema. convmem and userData are the raw "convmem" and
// "user_data" objects of the memory document; neither is modified.
//
// Missing fields are backfilled as follows:
//   - participants: the chat ids of the legacy users list
//   - type: GROUP with more than one participant, otherwise ONE_TO_ONE if
//     some user's 1on1 mapping names the conversation, otherwise UNKNOWN
//   - history: true
func UpgradeSnapshot(convmem, userData map[string]any) UpgradeResult {
	res := UpgradeResult{Conversations: map[string]map[string]any{}}

	oneOnOne := map[string]bool{}
	for _, raw := range userData {
		entry, ok := raw.(map[string]any)
		if !ok {
			continue
		}
		if conv, ok := entry[keyOneOnOne].(string); ok && conv != "" {
			oneOnOne[conv] = true
		}
	}

	unresolved := map[string]User{}
	for _, id := range sortedKeys(convmem) {
		raw, ok := convmem[id].(map[string]any)
		if !ok {
			continue
		}
		rec := make(map[string]any, len(raw)+3)
		for k, v := range raw {
			rec[k] = v
		}
		legacy := legacyUsers(rec["users"])
		changed := false

		if _, ok := rec["participants"]; !ok {
			participants := make([]any, 0, len(legacy))
			for _, u := range legacy {
				participants = append(participants, u.ChatID)
			}
			rec["participants"] = participants
			changed = true
		}
		if _, ok := rec["type"]; !ok {
			switch {
			case countParticipants(rec["participants"]) > 1:
				rec["type"] = string(TypeGroup)
			case oneOnOne[id]:
				rec["type"] = string(TypeOneToOne)
			default:
				rec["type"] = string(TypeUnknown)
			}
			changed = true
		}
		if _, ok := rec["history"]; !ok {
			rec["history"] = true
			changed = true
		}

		for _, u := range legacy {
			if u.ChatID == "" || hasProfile(userData, u.ChatID) {
				continue
			}
			if _, seen := unresolved[u.ChatID]; !seen {
				unresolved[u.ChatID] = User{ChatID: u.ChatID, GaiaID: u.GaiaID, FullName: u.FullName}
			}
		}

		if changed {
			res.Conversations[id] = rec
			res.Changed = append(res.Changed, id)
		}
	}

	for _, id := range sortedKeys(unresolved) {
		res.Unresolved = append(res.Unresolved, unresolved[id])
	}
	return res
}

// legacyUsers parses the [[chat_id, gaia_id], full_name] list, skipping
// malformed entries.
func legacyUsers(raw any) []LegacyUser {
	list, ok := raw.([]any)
	if !ok {
		return nil
	}
	var out []LegacyUser
	for _, item := range list {
		pair, ok := item.([]any)
		if !ok || len(pair) != 2 {
			continue
		}
		ids, ok := pair[0].([]any)
		if !ok || len(ids) != 2 {
			continue
		}
		chatID, _ := ids[0].(string)
		gaiaID, _ := ids[1].(string)
		name, _ := pair[1].(string)
		out = append(out, LegacyUser{ChatID: chatID, GaiaID: gaiaID, FullName: name})
	}
	return out
}

func countParticipants(raw any) int {
	list, ok := raw.([]any)
	if !ok {
		if strs, ok := raw.([]string); ok {
			return len(strs)
		}
		return 0
	}
	return len(list)
}

func hasProfile(userData map[string]any, chatID string) bool {
	entry, ok := userData[chatID].(map[string]any)
	if !ok {
		return false
	}
	_, ok = entry[keyProfile]
	return ok
}
