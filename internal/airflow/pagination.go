package airflow

import "context"

// fetchPage retrieves the page starting at offset and reports how many items it
// held and the total_entries the server claims.
type fetchPage func(ctx context.Context, offset int) (n, total int, err error)

// paginate walks an offset-paginated listing. The first page sets both the
// target (total_entries, capped at max when max > 0) and the expected page
// size. Pagination stops at the target, on an empty page, or on a page shorter
// than the first one; the last two are tolerated source inconsistencies, not
// errors. It returns the target.
func paginate(ctx context.Context, max int, fetch fetchPage) (int, error) {
	n, total, err := fetch(ctx, 0)
	if err != nil {
		return 0, err
	}
	if max > 0 && max < total {
		total = max
	}

	pageSize := n
	fetched := n
	for pageSize > 0 && fetched < total {
		n, _, err := fetch(ctx, fetched)
		if err != nil {
			return 0, err
		}
		if n == 0 {
			break
		}
		fetched += n
		if n < pageSize {
			break
		}
	}
	return total, nil
}
