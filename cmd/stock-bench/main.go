package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
)

var (
	target      = flag.String("target", "http://127.0.0.1:8080", "Base URL of a stockd instance")
	endpoint    = flag.String("endpoint", "buyProduct3", "Buy endpoint to hit (buyProduct1, buyProduct2, buyProduct3, buyProductNaive)")
	sku         = flag.String("sku", "default", "SKU to buy")
	stock       = flag.Int64("stock", 100, "Initial stock; negative skips initialisation")
	requests    = flag.Int("requests", 500, "Total number of buy requests")
	concurrency = flag.Int("concurrency", 50, "Requests in flight at once")
	timeout     = flag.Duration("timeout", 60*time.Second, "Per-request timeout")
)

func main() {
	flag.Parse()

	client := &http.Client{Timeout: *timeout}
	ctx := context.Background()

	initial := *stock
	if initial >= 0 {
		if _, err := get(ctx, client, fmt.Sprintf("%s/web/initStockNum?sku=%s&n=%d", *target, *sku, initial)); err != nil {
			log.Fatalf("init stock: %v", err)
		}
	} else {
		n, err := currentStock(ctx, client)
		if err != nil {
			log.Fatalf("read stock: %v", err)
		}
		initial = n
	}

	var mu sync.Mutex
	tally := make(map[int]int)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(*concurrency)
	url := fmt.Sprintf("%s/web/%s?sku=%s", *target, *endpoint, *sku)

	start := time.Now()
	for i := 0; i < *requests; i++ {
		g.Go(func() error {
			req, err := http.NewRequestWithContext(gctx, http.MethodPost, url, nil)
			if err != nil {
				return err
			}
			resp, err := client.Do(req)
			if err != nil {
				return err
			}
			_, _ = io.Copy(io.Discard, resp.Body)
			resp.Body.Close()
			mu.Lock()
			tally[resp.StatusCode]++
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		log.Fatalf("load run aborted: %v", err)
	}
	elapsed := time.Since(start)

	final, err := currentStock(ctx, client)
	if err != nil {
		log.Fatalf("read stock: %v", err)
	}

	codes := make([]int, 0, len(tally))
	for c := range tally {
		codes = append(codes, c)
	}
	sort.Ints(codes)
	fmt.Printf("%d requests against /web/%s in %s (%.0f req/s)\n", *requests, *endpoint, elapsed, float64(*requests)/elapsed.Seconds())
	for _, c := range codes {
		fmt.Printf("  %d %-20s %d\n", c, http.StatusText(c), tally[c])
	}
	sold := int64(tally[http.StatusOK])
	fmt.Printf("stock %d -> %d, %d successful purchases\n", initial, final, sold)

	if final < 0 || sold != initial-final {
		log.Fatalf("OVERSELL: %d purchases succeeded but stock only moved by %d", sold, initial-final)
	}
	fmt.Println("no oversell detected")
}

func get(ctx context.Context, client *http.Client, url string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return "", err
	}
	resp, err := client.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	b, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", err
	}
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("%s: %s", resp.Status, strings.TrimSpace(string(b)))
	}
	return strings.TrimSpace(string(b)), nil
}

func currentStock(ctx context.Context, client *http.Client) (int64, error) {
	body, err := get(ctx, client, fmt.Sprintf("%s/web/stock?sku=%s", *target, *sku))
	if err != nil {
		return 0, err
	}
	return strconv.ParseInt(body, 10, 64)
}
