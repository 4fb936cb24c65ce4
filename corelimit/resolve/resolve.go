/*
Copyright © 2025 Acronis International GmbH.

Released under MIT license.
*/

// Package resolve implements the limit resolver: given a request's
// descriptor chain, it walks the compiled trie to find which limit (if any)
// applies at each position, following longest-specific-match semantics.
package resolve

import "github.com/acronis/go-ratelimit/corelimit/configcompile"

// Resolve walks chain against domain's compiled root, returning one entry
// per input descriptor. If domain is unknown, every entry is nil. Once a
// position fails to match any child (exact or wildcard), that position and
// every position after it are nil; matching never resumes.
func Resolve(cc *configcompile.CompiledConfig, domain string, chain configcompile.Descriptor) []*configcompile.Limit {
	results := make([]*configcompile.Limit, len(chain))

	root, ok := cc.Root(domain)
	if !ok {
		return results
	}

	current := root
	for i, entry := range chain {
		child, matched := current.Child(entry.Key, entry.Value)
		if !matched {
			break
		}
		results[i] = child.RateLimit
		current = child
	}
	return results
}
