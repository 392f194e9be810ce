package utils

import (
	"errors"
	"fmt"
	"io"
)

var ErrTooLarge = errors.New("body too large")

// ReadToEnd reads r until EOF, failing once more than limit bytes arrive.
func ReadToEnd(r io.Reader, limit int64) ([]byte, error) {
	result, err := io.ReadAll(io.LimitReader(r, limit+1))
	if err != nil {
		return nil, err
	}
	if int64(len(result)) > limit {
		return nil, fmt.Errorf("%w: more than %d bytes", ErrTooLarge, limit)
	}
	return result, nil
}
