package crawlworker

import (
	"encoding/json"
	"fmt"

	"github.com/crawlmesh/core/internal/domain"
)

// Encode serializes a CrawlURL into a queue record payload.
func Encode(cu *domain.CrawlURL) ([]byte, error) {
	b, err := json.Marshal(cu)
	if err != nil {
		return nil, fmt.Errorf("crawlworker: encode record: %w", err)
	}
	return b, nil
}

// Decode parses a queue record payload back into a CrawlURL.
func Decode(payload []byte) (*domain.CrawlURL, error) {
	var cu domain.CrawlURL
	if err := json.Unmarshal(payload, &cu); err != nil {
		return nil, fmt.Errorf("crawlworker: decode record: %w", err)
	}
	return &cu, nil
}

// EncodeParseItem serializes a ParseItem into a queue record payload.
func EncodeParseItem(item *domain.ParseItem) ([]byte, error) {
	b, err := json.Marshal(item)
	if err != nil {
		return nil, fmt.Errorf("crawlworker: encode parse item: %w", err)
	}
	return b, nil
}
