package anthropic

// BuildCachedSystemBlocks constructs a system content block with an ephemeral
// cache breakpoint. Per-lot extraction calls within one session share the
// same system prompt, so later calls read it from the warm cache.
func BuildCachedSystemBlocks(text, ttl string) []SystemBlock {
	if text == "" {
		return nil
	}
	if ttl == "" {
		ttl = "5m"
	}
	return []SystemBlock{
		{
			Text: text,
			CacheControl: &CacheControl{
				TTL: ttl,
			},
		},
	}
}
