package ingest

import (
	"encoding/json"
	"fmt"

	"github.com/fedisync/fedisync/fediverse"
)

// DetectFamily classifies a raw report payload by field shape alone; no
// knowledge of the sending instance is required. Field combinations are
// distinct per family:
//
//   - mastodon: "account" + "target_account", or "created_at" with
//     "category"/"status_ids", possibly wrapped in a "report" object
//   - misskey: "createdAt" with "reporter"/"targetUser", or
//     "userId" + "comment" + "id"
//   - lemmy: nested "post" + "reason" + "creator"
func DetectFamily(raw json.RawMessage) (fediverse.Platform, error) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(raw, &fields); err != nil {
		return "", fmt.Errorf("%w: not a JSON object", fediverse.ErrUnrecognizedPayload)
	}

	has := func(keys ...string) bool {
		for _, k := range keys {
			if _, ok := fields[k]; !ok {
				return false
			}
		}
		return true
	}

	// Lemmy first: its shape is the most specific.
	if has("post", "reason", "creator") {
		return fediverse.PlatformLemmy, nil
	}

	if has("account", "target_account") {
		return fediverse.PlatformMastodon, nil
	}
	if has("created_at") && (has("category") || has("status_ids")) {
		return fediverse.PlatformMastodon, nil
	}

	// Some deliveries wrap the report object.
	if wrapped, ok := fields["report"]; ok {
		var inner map[string]json.RawMessage
		if err := json.Unmarshal(wrapped, &inner); err == nil {
			if _, ok := inner["account"]; ok {
				return fediverse.PlatformMastodon, nil
			}
			if _, ok := inner["target_account"]; ok {
				return fediverse.PlatformMastodon, nil
			}
		}
	}

	if has("createdAt") && (has("reporter") || has("targetUser")) {
		return fediverse.PlatformMisskey, nil
	}
	if has("userId", "comment", "id") {
		return fediverse.PlatformMisskey, nil
	}

	return "", fediverse.ErrUnrecognizedPayload
}
