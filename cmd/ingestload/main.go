package main

import (
	"bytes"
	"crypto/tls"
	"flag"
	"fmt"
	"io"
	"log"
	"math/rand"
	"net/http"
	"sort"
	"sync"
	"time"
)

type options struct {
	url         string
	count       int
	concurrency int
	size        int
	chunked     bool
	interval    time.Duration
}

type report struct {
	statuses map[int]int
	failures int
	took     time.Duration
}

// ingestload posts synthetic payloads at an ingest endpoint and reports the status codes it got back.
func main() {
	var o options
	flag.StringVar(&o.url, "url", "http://127.0.0.1:8080/ingest", "Ingest endpoint")
	insecure := flag.Bool("insecure", true, "Skip TLS cert verification")
	flag.IntVar(&o.count, "count", 1000, "Number of messages to send")
	flag.IntVar(&o.concurrency, "concurrency", 8, "Parallel senders (at least 1)")
	flag.IntVar(&o.size, "size", 1024, "Payload size in bytes")
	flag.BoolVar(&o.chunked, "chunked", false, "Send bodies without a content length")
	flag.DurationVar(&o.interval, "interval", 0, "Pause between messages per sender")
	flag.Parse()

	client := &http.Client{
		Timeout:   30 * time.Second,
		Transport: &http.Transport{TLSClientConfig: &tls.Config{InsecureSkipVerify: *insecure}},
	}
	rep, err := run(client, o)
	if err != nil {
		log.Fatalf("%v", err)
	}

	codes := make([]int, 0, len(rep.statuses))
	for c := range rep.statuses {
		codes = append(codes, c)
	}
	sort.Ints(codes)
	fmt.Printf("sent %d messages of %d bytes in %s (%.0f msg/s)\n", o.count, o.size, rep.took.Round(time.Millisecond), float64(o.count)/rep.took.Seconds())
	for _, c := range codes {
		fmt.Printf("  %d %s: %d\n", c, http.StatusText(c), rep.statuses[c])
	}
	if rep.failures > 0 {
		fmt.Printf("  transport errors: %d\n", rep.failures)
	}
}

func run(client *http.Client, o options) (report, error) {
	if o.concurrency < 1 {
		o.concurrency = 1
	}
	if _, err := http.NewRequest(http.MethodPost, o.url, nil); err != nil {
		return report{}, fmt.Errorf("request: %w", err)
	}

	r := rand.New(rand.NewSource(time.Now().UnixNano()))
	payload := make([]byte, o.size)
	for i := range payload {
		payload[i] = byte('a' + r.Intn(26))
	}

	rep := report{statuses: map[int]int{}}
	jobs := make(chan int)
	var mu sync.Mutex
	var wg sync.WaitGroup
	start := time.Now()
	for w := 0; w < o.concurrency; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for range jobs {
				var body io.Reader = bytes.NewReader(payload)
				if o.chunked {
					// hides the length from net/http so it falls back to chunked encoding
					body = io.MultiReader(body)
				}
				req, _ := http.NewRequest(http.MethodPost, o.url, body)
				req.Header.Set("Content-Type", "application/octet-stream")
				resp, err := client.Do(req)
				mu.Lock()
				if err != nil {
					rep.failures++
				} else {
					rep.statuses[resp.StatusCode]++
				}
				mu.Unlock()
				if resp != nil {
					_, _ = io.Copy(io.Discard, resp.Body)
					resp.Body.Close()
				}
				if o.interval > 0 {
					time.Sleep(o.interval)
				}
			}
		}()
	}
	for i := 0; i < o.count; i++ {
		jobs <- i
	}
	close(jobs)
	wg.Wait()
	rep.took = time.Since(start)
	return rep, nil
}
