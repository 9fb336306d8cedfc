package lemmy

import "errors"

// ErrNotFound is the semantic "couldnt_find_object" answer from the
// home server's resolve endpoint. It is not a transport failure: the
// caller reports it and moves on, and the retry layer never retries it
// within a pass.
var ErrNotFound = errors.New("object not found")

// ErrCircuitOpen is returned when the home-server circuit breaker is
// open and requests are being failed fast.
var ErrCircuitOpen = errors.New("circuit breaker is open")

// errMalformed wraps decode failures so the retry layer can classify
// them as transient: federation servers routinely answer with HTML
// error pages or truncated JSON under load.
var errMalformed = errors.New("malformed response")
