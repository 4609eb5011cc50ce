package anthropic

// BuildCachedSystemBlocks constructs a system block with a cache breakpoint.
// The column-mapping instructions are identical for every document, so
// consecutive mapping calls read them from the prompt cache.
func BuildCachedSystemBlocks(text string) []SystemBlock {
	return []SystemBlock{
		{
			Text: text,
			CacheControl: &CacheControl{
				TTL: "5m",
			},
		},
	}
}
