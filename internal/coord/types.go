package coord

import "time"

// #region errors

// maxTxnRetries bounds retry attempts for transactions that lose a
// serialization conflict. Badger managed transactions do not retry on
// their own.
const maxTxnRetries = 10

// #endregion

// #region lease

// Lease is an advisory short-lived lock used to fence duplicate concurrent
// processing. Never used to protect long-running work; the caller must
// finish before Expiry.
type Lease struct {
	Key    string
	Token  string
	Expiry time.Time
}

// #endregion

// #region config

// Config controls how the coordination store is opened.
type Config struct {
	Path     string // directory for badger files; ignored when InMemory
	InMemory bool   // no disk persistence, used by tests
}

// DefaultConfig returns production defaults for the given path.
func DefaultConfig(path string) Config {
	return Config{Path: path}
}

// #endregion
