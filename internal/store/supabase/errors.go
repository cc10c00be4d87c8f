package supabase

import "errors"

// ErrUnexpectedStatus is returned when the REST endpoint answers with a
// non-2xx status after retries are exhausted.
var ErrUnexpectedStatus = errors.New("supabase: unexpected status")
