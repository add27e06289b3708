package orchestrator

import "fmt"

// JoinAll is a barrier over fs. It fails with the first failure in schedule
// order as soon as one is recorded, and otherwise suspends until every future
// has an outcome.
func JoinAll(fs []*Future) error {
	suspended := false
	for _, f := range fs {
		err := f.Err()
		switch {
		case err == nil:
		case IsSuspended(err):
			suspended = true
		default:
			return err
		}
	}
	if suspended {
		return errSuspended
	}
	return nil
}

// DecodeAll joins fs and decodes the results in schedule order, regardless
// of the order in which they completed.
func DecodeAll[T any](fs []*Future) ([]T, error) {
	if err := JoinAll(fs); err != nil {
		return nil, err
	}
	out := make([]T, len(fs))
	for i, f := range fs {
		if err := f.Get(&out[i]); err != nil {
			return nil, fmt.Errorf("join result %d: %w", i, err)
		}
	}
	return out, nil
}

// Batches splits items into consecutive groups of at most size elements.
// A size below one puts everything in a single group.
func Batches[T any](items []T, size int) [][]T {
	if len(items) == 0 {
		return nil
	}
	if size < 1 {
		size = len(items)
	}
	out := make([][]T, 0, (len(items)+size-1)/size)
	for start := 0; start < len(items); start += size {
		end := min(start+size, len(items))
		out = append(out, items[start:end])
	}
	return out
}
