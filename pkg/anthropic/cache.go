package anthropic

// BuildCachedSystemBlocks constructs a single system block with a cache
// breakpoint. An empty ttl uses the API default of five minutes.
func BuildCachedSystemBlocks(text, ttl string) []SystemBlock {
	return []SystemBlock{
		{
			Text:         text,
			CacheControl: &CacheControl{TTL: ttl},
		},
	}
}
