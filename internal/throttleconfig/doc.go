/*
Copyright © 2025 Acronis International GmbH.

Released under MIT license.
*/

// Package throttleconfig provides common configuration types and functionality for request throttling
// that is shared between HTTP middleware and gRPC interceptors.
package throttleconfig
