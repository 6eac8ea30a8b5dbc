package io

import (
	"io"
)

// ReadAllWithEstimate works like io.ReadAll with a size hint. When the hint
// is exact it does one allocation and one final zero-byte read.
func ReadAllWithEstimate(r io.Reader, estimatedBytes int64) ([]byte, error) {
	if estimatedBytes < 0 {
		estimatedBytes = 0
	}

	// if the estimate is correct the +1 forces the final read to return
	// io.EOF without growing the buffer
	b := make([]byte, 0, estimatedBytes+1)

	for {
		if len(b) == cap(b) {
			b = append(b, 0)[:len(b)]
		}
		n, err := r.Read(b[len(b):cap(b)])
		b = b[:len(b)+n]
		if err != nil {
			if err == io.EOF {
				err = nil
			}
			return b, err
		}
	}
}
