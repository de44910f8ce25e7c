package core

import "errors"

// ErrStorageFatal wraps any error returned by a LogStore call made during
// AppendEntries handling. The handler never retries or papers over a
// storage failure: it returns this error and the caller is expected to
// shut the node down, since there is no safe way to keep participating in
// the cluster once durability can no longer be trusted.
var ErrStorageFatal = errors.New("core: storage failure, node must stop")
