package artifacts

import (
	"path/filepath"
	"strings"
)

type DeletedEmail struct {
	EmailID any `json:"email_id"`
	Subject any `json:"subject"`
	Sender  any `json:"sender"`
	AgeDays any `json:"age_days"`
	Reason  any `json:"reason"`
}

type ReadOnlyEmail struct {
	EmailID  any `json:"email_id"`
	Subject  any `json:"subject"`
	Sender   any `json:"sender"`
	Category any `json:"category"`
	Priority any `json:"priority"`
}

type Draft struct {
	EmailID         any `json:"email_id"`
	Subject         any `json:"subject"`
	Recipient       any `json:"recipient"`
	ResponseSummary any `json:"response_summary"`
	DraftSaved      any `json:"draft_saved"`
}

// Summary groups report items for display. The slices are never nil.
type Summary struct {
	DeletedEmails []DeletedEmail  `json:"deleted_emails"`
	ReadOnly      []ReadOnlyEmail `json:"read_only"`
	Drafts        []Draft         `json:"drafts"`
}

func Aggregate(dir string) Summary {
	return Summary{
		DeletedEmails: deletedEmails(loadObject(filepath.Join(dir, CleanupPlanFile))),
		ReadOnly:      readOnly(loadObject(filepath.Join(dir, CategorizationFile))),
		Drafts:        drafts(loadObject(filepath.Join(dir, ResponsePlanFile))),
	}
}

func deletedEmails(plan map[string]any) []DeletedEmail {
	out := []DeletedEmail{}
	for _, it := range objects(plan["items"]) {
		if deleted, _ := it["deleted"].(bool); !deleted {
			continue
		}
		out = append(out, DeletedEmail{
			EmailID: it["email_id"],
			Subject: it["subject"],
			Sender:  it["sender"],
			AgeDays: it["age_days"],
			Reason:  it["reason"],
		})
	}
	return out
}

func readOnly(report map[string]any) []ReadOnlyEmail {
	items := report["items"]
	if empty(items) {
		items = report["emails"]
	}
	if nested, ok := items.(map[string]any); ok {
		items = nested["items"]
	}
	out := []ReadOnlyEmail{}
	for _, it := range objects(items) {
		action, _ := it["required_action"].(string)
		category, _ := it["category"].(string)
		if !strings.EqualFold(action, "READ_ONLY") && !strings.EqualFold(category, "YOUTUBE") {
			continue
		}
		out = append(out, ReadOnlyEmail{
			EmailID:  it["email_id"],
			Subject:  it["subject"],
			Sender:   it["sender"],
			Category: it["category"],
			Priority: it["priority"],
		})
	}
	return out
}

func drafts(plan map[string]any) []Draft {
	out := []Draft{}
	for _, it := range objects(plan["items"]) {
		out = append(out, Draft{
			EmailID:         it["email_id"],
			Subject:         it["subject"],
			Recipient:       it["recipient"],
			ResponseSummary: it["response_summary"],
			DraftSaved:      it["draft_saved"],
		})
	}
	return out
}

func empty(v any) bool {
	switch t := v.(type) {
	case nil:
		return true
	case []any:
		return len(t) == 0
	case map[string]any:
		return len(t) == 0
	}
	return false
}

// objects keeps the elements of a JSON array that are objects.
func objects(v any) []map[string]any {
	list, _ := v.([]any)
	out := make([]map[string]any, 0, len(list))
	for _, el := range list {
		if obj, ok := el.(map[string]any); ok {
			out = append(out, obj)
		}
	}
	return out
}
