package api

import (
	"errors"
	"iter"

	"google.golang.org/api/iterator"
)

// Iterator is the shape of the generated list iterators. Next returns
// iterator.Done after the last item.
type Iterator[T any] interface {
	Next() (T, error)
}

// Iterate adapts a list iterator to a range-over-func sequence. The iterator
// fetches pages lazily; an error other than iterator.Done is yielded once and
// ends the sequence.
func Iterate[T any](it Iterator[T]) iter.Seq2[T, error] {
	return func(yield func(T, error) bool) {
		for {
			item, err := it.Next()
			if errors.Is(err, iterator.Done) {
				return
			}
			if err != nil {
				var zero T
				yield(zero, err)
				return
			}
			if !yield(item, nil) {
				return
			}
		}
	}
}

// Collect drains seq into a slice, stopping at the first error.
func Collect[T any](seq iter.Seq2[T, error]) ([]T, error) {
	var out []T
	for item, err := range seq {
		if err != nil {
			return out, err
		}
		out = append(out, item)
	}
	return out, nil
}
