package pgstore

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/otherjamesbrown/trackable/pkg/tracking"
)

// buildWhere renders f as a WHERE clause with positional arguments. Limit,
// ordering and None are handled by the caller.
func buildWhere(f tracking.Filter) (string, []any) {
	var (
		conds []string
		args  []any
	)
	arg := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}

	if f.Type != "" {
		conds = append(conds, "type = "+arg(f.Type))
	}
	if f.ID != 0 {
		conds = append(conds, "id = "+arg(f.ID))
	}
	if f.HeadOnly {
		conds = append(conds, "is_head")
	}
	if len(f.Statuses) > 0 {
		conds = append(conds, "status = ANY("+arg(statusCodes(f.Statuses))+")")
	}
	if len(f.ExcludeStatuses) > 0 {
		conds = append(conds, "NOT (status = ANY("+arg(statusCodes(f.ExcludeStatuses))+"))")
	}
	if f.SubmittedBy != "" {
		conds = append(conds, "submitted_by = "+arg(f.SubmittedBy))
	}
	if !f.SubmittedSince.IsZero() {
		conds = append(conds, "submitted_time >= "+arg(f.SubmittedSince.UTC()))
	}
	for _, m := range f.Fields {
		if m.Value == nil {
			conds = append(conds, "(fields ->> "+arg(m.Name)+") IS NULL")
			continue
		}
		doc, err := json.Marshal(map[string]any{m.Name: m.Value})
		if err != nil {
			// Unencodable values cannot match anything stored.
			conds = append(conds, "FALSE")
			continue
		}
		conds = append(conds, "fields @> "+arg(string(doc))+"::jsonb")
	}
	if f.MergeEvent != nil {
		conds = append(conds, "merge_event = "+arg(*f.MergeEvent))
	}
	if f.AutoApprove != nil {
		conds = append(conds, "auto_approve = "+arg(*f.AutoApprove))
	}
	if f.VisibleTo != nil {
		live := arg(int16(tracking.StatusLive))
		hidden := arg(int16(tracking.StatusHidden))
		user := arg(*f.VisibleTo)
		conds = append(conds, fmt.Sprintf("(status = %s OR (status = %s AND %s <> '' AND submitted_by = %s))", live, hidden, user, user))
	}
	if len(f.ExcludeIDs) > 0 {
		conds = append(conds, "NOT (id = ANY("+arg(f.ExcludeIDs)+"))")
	}

	if len(conds) == 0 {
		return "", args
	}
	return " WHERE " + strings.Join(conds, " AND "), args
}

func orderBy(f tracking.Filter) string {
	if f.Newest {
		return " ORDER BY id DESC"
	}
	return " ORDER BY id"
}

func statusCodes(statuses []tracking.Status) []int16 {
	out := make([]int16, len(statuses))
	for i, s := range statuses {
		out[i] = int16(s)
	}
	return out
}
