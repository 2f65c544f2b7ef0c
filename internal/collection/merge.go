package collection

import "slices"

type mergePlan struct {
	batch   Batch
	skipped int
}

// planMerge computes the guest items missing from the account. Overlap is
// judged against the first remote snapshot only: a write from another device
// racing the login can still produce a duplicate upsert, which the keyed
// upsert absorbs.
func planMerge(kind Kind, ownerID string, local, remote []Item) mergePlan {
	present := subjectSet(remote)
	var plan mergePlan
	seen := make(map[string]struct{}, len(local))
	for _, it := range local {
		if _, ok := present[it.SubjectID]; ok {
			plan.skipped++
			continue
		}
		if _, dup := seen[it.SubjectID]; dup {
			continue
		}
		seen[it.SubjectID] = struct{}{}
		it.OwnerID = ownerID
		if it.ID == "" {
			it.ID = it.SubjectID
		}
		plan.batch.Upserts = append(plan.batch.Upserts, it)
	}
	if kind.MaxItems <= 0 || len(plan.batch.Upserts) == 0 {
		return plan
	}

	combined := make([]Item, 0, len(remote)+len(plan.batch.Upserts))
	combined = append(combined, remote...)
	combined = append(combined, plan.batch.Upserts...)
	slices.SortStableFunc(combined, func(a, b Item) int { return a.AddedAt.Compare(b.AddedAt) })

	evicted := subjectSet(kind.overflow(combined))
	if len(evicted) == 0 {
		return plan
	}
	plan.batch.Upserts = slices.DeleteFunc(plan.batch.Upserts, func(it Item) bool {
		_, gone := evicted[it.SubjectID]
		return gone
	})
	if len(plan.batch.Upserts) == 0 {
		return plan
	}
	for _, it := range remote {
		if _, gone := evicted[it.SubjectID]; gone {
			plan.batch.Deletes = append(plan.batch.Deletes, it.ID)
		}
	}
	return plan
}
