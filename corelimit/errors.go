/*
Copyright © 2025 Acronis International GmbH.

Released under MIT license.
*/

package corelimit

import (
	"github.com/acronis/go-ratelimit/corelimit/configcompile"
)

// ConfigError is returned by LoadConfig/Reload when a configuration source
// fails to parse or validate. No partial state is ever applied: the
// previously loaded configuration, if any, remains active.
type ConfigError = configcompile.ConfigError
