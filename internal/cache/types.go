package cache

import "encoding/json"

// Cache stores raw result rows of keyed resolvers. Rows are kept encoded so
// the resolver decodes them again with its own codec on every hit.
type Cache interface {
	// Get returns the row stored under key
	Get(key string) (json.RawMessage, bool)

	// Set stores row under key. The cache keeps its own copy.
	Set(key string, row json.RawMessage)

	// Close releases any resources held by the cache
	Close()
}

// Key scopes an encoded resolver key to its resolver tag, so two resolvers
// sharing one cache never serve each other's rows
func Key(tag string, key json.RawMessage) string {
	return tag + ":" + string(key)
}
