/*
Copyright © 2025 Acronis International GmbH.

Released under MIT license.
*/

package cache

import (
	"strconv"
	"strings"

	"github.com/acronis/go-ratelimit/corelimit/configcompile"
)

// buildCounterKey builds the cross-instance counter key format:
// "{prefix}_{domain}_{k1}_{v1}_{k2}_{v2}..._{unit_start_epoch}".
func buildCounterKey(prefix, domain string, chain configcompile.Descriptor, unitStartEpoch int64) string {
	var b strings.Builder
	b.WriteString(prefix)
	b.WriteByte('_')
	b.WriteString(domain)
	for _, entry := range chain {
		b.WriteByte('_')
		b.WriteString(entry.Key)
		b.WriteByte('_')
		b.WriteString(entry.Value)
	}
	b.WriteByte('_')
	b.WriteString(strconv.FormatInt(unitStartEpoch, 10))
	return b.String()
}
