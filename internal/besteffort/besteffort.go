// Package besteffort wraps side effects whose failure must not abort
// the operation that triggered them.
package besteffort

import "log"

// Do runs fn and logs its error instead of returning it. Used for
// lifecycle signals, counters and cross-links that ride along a
// primary write.
func Do(label string, fn func() error) {
	if err := fn(); err != nil {
		log.Printf("best-effort %s: %v", label, err)
	}
}
