/*
Copyright © 2025 Acronis International GmbH.

Released under MIT license.
*/

// Package poollimit bounds the number of in-flight backend pipeline calls
// against one store and turns pool saturation past a configured wait limit
// into a typed error, rather than blocking a caller indefinitely. It adapts
// the channel-based semaphore used by internal/inflightlimit to the backend
// pool's connection-acquisition suspension point.
package poollimit
