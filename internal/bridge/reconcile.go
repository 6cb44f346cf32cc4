package bridge

import (
	"context"
	"fmt"
	"strings"
)

type ReconcileResult struct {
	Checked int      `json:"checked"`
	Removed []string `json:"removed"`
}

// Reconcile drops message→page entries whose page no longer exists in the
// leads database (archived or deleted by hand in the store UI).
func (e *Engine) Reconcile(ctx context.Context) (ReconcileResult, error) {
	var result ReconcileResult
	if e.databaseID == "" {
		return result, fmt.Errorf("%w: no database configured", ErrInvalidInput)
	}
	pages, err := e.store.QueryAll(ctx, e.databaseID)
	if err != nil {
		return result, fmt.Errorf("query leads database: %w", err)
	}
	live := make(map[string]struct{}, len(pages))
	for _, page := range pages {
		if !page.Archived {
			live[normalizePageID(page.ID)] = struct{}{}
		}
	}
	entries := e.tables.MessagePages.Entries()
	result.Checked = len(entries)
	if len(live) == 0 && len(entries) > 0 {
		e.log.Warn("leads database returned no pages, reconcile skipped", "tracked", len(entries))
		return result, nil
	}
	for _, entry := range entries {
		if _, found := live[normalizePageID(entry.Value)]; found {
			continue
		}
		if _, err := e.tables.MessagePages.Delete(entry.Key); err != nil {
			return result, fmt.Errorf("drop stale mapping %s: %w", entry.Key, err)
		}
		result.Removed = append(result.Removed, entry.Key)
	}
	e.log.Info("message mappings reconciled", "checked", result.Checked, "removed", len(result.Removed))
	return result, nil
}

func normalizePageID(id string) string {
	return strings.ToLower(strings.ReplaceAll(strings.TrimSpace(id), "-", ""))
}
