package land

import "context"

// Reassign moves cell to the owner `to`, keeping both sides of the relation in
// step: the previous concrete owner loses the key, the new concrete owner gains
// it exactly once, and cell.Owner is updated. The caller saves the cell.
func Reassign(ctx context.Context, repo *Repository, cell *Cell, to OwnerRef) error {
	from := cell.Owner
	if from.Assigned() && from != to {
		if _, err := Release(ctx, repo, from, cell.Key); err != nil {
			return err
		}
	}
	if to.Assigned() {
		o, err := repo.GetOrCreateOwner(ctx, to.Key())
		if err != nil {
			return err
		}
		if o.Cells.Add(cell.Key) {
			if err := repo.SaveOwner(ctx, o); err != nil {
				return err
			}
		}
	}
	cell.Owner = to
	return nil
}

// Release removes key from the owner's set. A missing owner record or a key
// that is already absent is not an error; it reports whether anything changed.
func Release(ctx context.Context, repo *Repository, ref OwnerRef, key string) (bool, error) {
	if !ref.Assigned() {
		return false, nil
	}
	o, ok, err := repo.LoadOwner(ctx, ref.Key())
	if err != nil || !ok {
		return false, err
	}
	if !o.Cells.Remove(key) {
		return false, nil
	}
	return true, repo.SaveOwner(ctx, o)
}
