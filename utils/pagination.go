package utils

const (
	defaultPageSize = 20
	maxPageSize     = 100
)

// GetPaginationParams resolves optional offset/limit query values into a
// usable window. Missing or negative offsets start at zero; missing or
// non-positive limits fall back to the default page size, and requested
// limits are clamped so a single task listing cannot pull the whole table.
func GetPaginationParams(offset *int, limit *int) (int, int) {
	resolvedOffset := 0
	if offset != nil && *offset > 0 {
		resolvedOffset = *offset
	}

	resolvedLimit := defaultPageSize
	if limit != nil && *limit > 0 {
		resolvedLimit = min(*limit, maxPageSize)
	}

	return resolvedOffset, resolvedLimit
}
