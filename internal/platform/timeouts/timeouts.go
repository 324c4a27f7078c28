// Package timeouts defines shared timing constants used across services.
// Centralizing these values keeps the client and server halves of the
// realtime protocol from drifting apart and makes the durations discoverable.
package timeouts

import "time"

// Heartbeat is the keepalive interval on an open realtime connection.
const Heartbeat = 25 * time.Second

// ReconnectInitial is the first reconnect delay after an unexpected close.
const ReconnectInitial = time.Second

// ReconnectMax caps the exponential reconnect backoff.
const ReconnectMax = 30 * time.Second

// LockLease is how long a task edit lock lives without renewal.
const LockLease = 5 * time.Minute

// LockExtend is the renewal cadence for a held task lock. It must stay
// shorter than LockLease or actively held locks would expire mid-edit.
const LockExtend = 4 * time.Minute

// LockSweep is how often the server scans rooms for expired leases.
const LockSweep = 10 * time.Second

// TypingDebounce is the minimum spacing between repeated typing_start intents.
const TypingDebounce = time.Second

// TypingIdleStop is how long after the last input change a typing_stop
// intent is sent automatically.
const TypingIdleStop = 3 * time.Second

// TypingExpiry is how long a remote typing signal is displayed without a
// refresh. It exceeds TypingIdleStop to leave slack for a dropped stop.
const TypingExpiry = 5 * time.Second

// NotificationPoll is the cadence of the authoritative notification poll.
const NotificationPoll = 30 * time.Second

// ReadHeader limits how long an HTTP server waits for request headers.
const ReadHeader = 5 * time.Second

// Shutdown limits how long an HTTP server waits for in-flight requests
// during graceful shutdown.
const Shutdown = 5 * time.Second
