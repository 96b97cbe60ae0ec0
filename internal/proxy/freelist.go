package proxy

import (
	"bufio"
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"
)

// freeListEndpoint serves plaintext host:port lines of public HTTP proxies
const freeListEndpoint = "https://api.proxyscrape.com/v2/?request=displayproxies&protocol=http&timeout=10000&country=all&ssl=all&anonymity=all"

const freeListCap = 50

// fetchFreeList pulls candidate proxies from the public aggregator.
// The result is capped; validation rejects most free proxies anyway.
func fetchFreeList(ctx context.Context) ([]string, error) {
	client := &http.Client{Timeout: 20 * time.Second}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, freeListEndpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to build free-list request: %w", err)
	}

	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("free-list fetch failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("free-list endpoint returned status %d", resp.StatusCode)
	}

	var urls []string
	scanner := bufio.NewScanner(resp.Body)
	for scanner.Scan() && len(urls) < freeListCap {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || !strings.Contains(line, ":") {
			continue
		}
		urls = append(urls, line)
	}
	return urls, scanner.Err()
}
