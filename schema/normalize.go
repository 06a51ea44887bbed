package schema

import "fmt"

// NormalizeTabIDs rejects empty or zero ids and drops duplicates, keeping first occurrence order.
func NormalizeTabIDs(ids []TabID) ([]TabID, error) {
	if len(ids) == 0 {
		return nil, fmt.Errorf("%w: no tab ids", ErrInvalidRequest)
	}
	seen := make(map[TabID]struct{}, len(ids))
	out := make([]TabID, 0, len(ids))
	for _, id := range ids {
		if id == NoTab {
			return nil, fmt.Errorf("%w: zero tab id", ErrInvalidRequest)
		}
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out, nil
}

// ValidateDragPayload checks that a payload names a source window and at least
// one tab, and that pinned and unpinned id lists are disjoint.
func ValidateDragPayload(p DragPayload) error {
	if p.SourceWindowID == NoWindow {
		return fmt.Errorf("%w: missing source window", ErrInvalidRequest)
	}
	if len(p.DraggedTabIDs) == 0 && len(p.DraggedPinnedTabIDs) == 0 {
		return fmt.Errorf("%w: empty drag payload", ErrInvalidRequest)
	}
	pinned := make(map[TabID]struct{}, len(p.DraggedPinnedTabIDs))
	for _, id := range p.DraggedPinnedTabIDs {
		pinned[id] = struct{}{}
	}
	for _, id := range p.DraggedTabIDs {
		if _, ok := pinned[id]; ok {
			return fmt.Errorf("%w: tab %d dragged as pinned and unpinned", ErrInvalidRequest, id)
		}
	}
	return nil
}
