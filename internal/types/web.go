package types

// WebSearchRequest is the body of POST /api/web_search.
type WebSearchRequest struct {
	Query      string `json:"query"`
	MaxResults int    `json:"max_results,omitempty"`
}

// WebSearchResponse is the body returned by /api/web_search.
type WebSearchResponse struct {
	Results []WebSearchResult `json:"results"`
}

// WebSearchResult is one search hit.
type WebSearchResult struct {
	Title   string `json:"title"`
	URL     string `json:"url"`
	Content string `json:"content"`
}

// WebFetchRequest is the body of POST /api/web_fetch.
type WebFetchRequest struct {
	URL string `json:"url"`
}

// WebFetchResponse is the body returned by /api/web_fetch.
type WebFetchResponse struct {
	Title   string   `json:"title"`
	Content string   `json:"content"`
	Links   []string `json:"links,omitempty"`
}
