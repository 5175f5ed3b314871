// Command loadgen simulates panning viewports against a running gridcache
// HTTP adapter and writes latency samples and a summary.
package main

import (
	"context"
	"encoding/csv"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"log"
	"math"
	"math/rand"
	"net"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"
)

type Config struct {
	BaseURL        string
	Viewers        int
	Duration       time.Duration
	ViewWidth      int
	ViewHeight     int
	Speed          float64
	PauseEvery     time.Duration
	PauseFor       time.Duration
	Tick           time.Duration
	Span           int64
	OutputPrefix   string
	RequestTimeout time.Duration
}

func loadConfig() Config {
	var cfg Config
	flag.StringVar(&cfg.BaseURL, "target", "http://localhost:8090", "gridcache base URL")
	flag.IntVar(&cfg.Viewers, "viewers", 4, "Concurrent simulated viewports")
	flag.DurationVar(&cfg.Duration, "duration", 60*time.Second, "Test duration")
	flag.IntVar(&cfg.ViewWidth, "view-w", 8, "Viewport width in cells")
	flag.IntVar(&cfg.ViewHeight, "view-h", 6, "Viewport height in cells")
	flag.Float64Var(&cfg.Speed, "speed", 60, "Pan speed in cells per second")
	flag.DurationVar(&cfg.PauseEvery, "pause-every", 3*time.Second, "Pan for this long before pausing")
	flag.DurationVar(&cfg.PauseFor, "pause-for", 2*time.Second, "Pause length")
	flag.DurationVar(&cfg.Tick, "tick", 100*time.Millisecond, "Viewport sample interval")
	flag.Int64Var(&cfg.Span, "span", 200, "Viewports wander within [-span, span] on both axes")
	flag.StringVar(&cfg.OutputPrefix, "out", "results/loadgen", "Output file prefix (JSON/CSV)")
	flag.DurationVar(&cfg.RequestTimeout, "timeout", 15*time.Second, "Per-request timeout")
	flag.Parse()
	return cfg
}

// viewport is the visible rectangle of cells centred on (cx, cy).
type viewport struct {
	cx, cy float64
	w, h   int
}

func (v viewport) cells() [][2]int64 {
	x0 := int64(math.Floor(v.cx)) - int64(v.w/2)
	y0 := int64(math.Floor(v.cy)) - int64(v.h/2)
	out := make([][2]int64, 0, v.w*v.h)
	for dy := range v.h {
		for dx := range v.w {
			out = append(out, [2]int64{x0 + int64(dx), y0 + int64(dy)})
		}
	}
	return out
}

// step moves the viewport by dist cells along heading, bouncing off the
// span boundary.
func (v *viewport) step(heading, dist float64, span int64) float64 {
	nx := v.cx + math.Cos(heading)*dist
	ny := v.cy + math.Sin(heading)*dist
	lim := float64(span)
	if nx < -lim || nx > lim {
		heading = math.Pi - heading
		nx = math.Max(-lim, math.Min(lim, nx))
	}
	if ny < -lim || ny > lim {
		heading = -heading
		ny = math.Max(-lim, math.Min(lim, ny))
	}
	v.cx, v.cy = nx, ny
	return heading
}

type sample struct {
	Timestamp time.Time
	Latency   time.Duration
	Status    int
	ErrorMsg  string
	X, Y      int64
}

type summary struct {
	StartTime     time.Time      `json:"start"`
	EndTime       time.Time      `json:"end"`
	DurationSec   float64        `json:"duration_sec"`
	TotalRequests int64          `json:"total"`
	Present       int64          `json:"present"`
	Absent        int64          `json:"absent"`
	ErrorCount    int64          `json:"errors"`
	ByStatus      map[string]int `json:"by_status"`
	ThroughputRPS float64        `json:"throughput_rps"`
	P50Ms         float64        `json:"p50_ms"`
	P95Ms         float64        `json:"p95_ms"`
	P99Ms         float64        `json:"p99_ms"`
	Viewers       int            `json:"viewers"`
	Speed         float64        `json:"speed"`
	TargetURL     string         `json:"target"`
}

type aggregatedResult struct {
	total    int64
	present  int64
	absent   int64
	errors   int64
	byStatus map[string]int
	latMs    []float64
}

func main() {
	cfg := loadConfig()
	if err := os.MkdirAll(filepath.Dir(cfg.OutputPrefix), 0o750); err != nil {
		log.Fatalf("mkdir results: %v", err)
	}
	prefix := fmt.Sprintf("%s_%s", cfg.OutputPrefix, time.Now().UTC().Format("20060102_150405Z"))
	base := strings.TrimRight(cfg.BaseURL, "/")

	httpClient := &http.Client{
		Transport: &http.Transport{
			Proxy:                 http.ProxyFromEnvironment,
			DialContext:           (&net.Dialer{Timeout: 4 * time.Second, KeepAlive: 30 * time.Second}).DialContext,
			MaxIdleConns:          1024,
			MaxIdleConnsPerHost:   256,
			IdleConnTimeout:       90 * time.Second,
			TLSHandshakeTimeout:   4 * time.Second,
			ExpectContinueTimeout: 1 * time.Second,
		},
		Timeout: cfg.RequestTimeout,
	}

	ctx, cancel := context.WithTimeout(context.Background(), cfg.Duration)
	defer cancel()

	csvPath := prefix + "_samples.csv"
	jsonPath := prefix + "_summary.json"
	csvFile, err := os.Create(filepath.Clean(csvPath))
	if err != nil {
		log.Printf("open csv: %v", err)
		return
	}
	defer func() { _ = csvFile.Close() }()
	csvWriter := csv.NewWriter(csvFile)

	samplesChan := make(chan sample, 4096)
	resultsChan := make(chan aggregatedResult, 1)
	go func() {
		_ = csvWriter.Write([]string{"timestamp", "latency_ms", "status", "error", "x", "y"})
		agg := aggregatedResult{byStatus: map[string]int{}, latMs: make([]float64, 0, 1<<16)}
		for s := range samplesChan {
			agg.total++
			agg.byStatus[fmt.Sprintf("%d", s.Status)]++
			switch {
			case s.ErrorMsg != "":
				agg.errors++
			case s.Status == http.StatusNoContent:
				agg.absent++
				agg.latMs = append(agg.latMs, float64(s.Latency.Microseconds())/1000.0)
			default:
				agg.present++
				agg.latMs = append(agg.latMs, float64(s.Latency.Microseconds())/1000.0)
			}
			_ = csvWriter.Write([]string{
				s.Timestamp.UTC().Format(time.RFC3339Nano),
				fmt.Sprintf("%.3f", float64(s.Latency.Microseconds())/1000.0),
				fmt.Sprintf("%d", s.Status),
				s.ErrorMsg,
				fmt.Sprintf("%d", s.X),
				fmt.Sprintf("%d", s.Y),
			})
		}
		csvWriter.Flush()
		if err := csvWriter.Error(); err != nil {
			log.Printf("csv flush error: %v", err)
		}
		resultsChan <- agg
	}()

	startTime := time.Now()
	log.Printf("loadgen start target=%s dur=%s viewers=%d view=%dx%d speed=%.1f",
		base, cfg.Duration, cfg.Viewers, cfg.ViewWidth, cfg.ViewHeight, cfg.Speed)

	seed := time.Now().UnixNano()
	var wg sync.WaitGroup
	for id := range cfg.Viewers {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			runViewer(ctx, cfg, httpClient, base, rand.New(rand.NewSource(seed+int64(id))), samplesChan)
		}(id)
	}

	go func() {
		wg.Wait()
		close(samplesChan)
	}()

	agg := <-resultsChan
	endTime := time.Now()
	elapsed := endTime.Sub(startTime).Seconds()

	sort.Float64s(agg.latMs)
	runSummary := summary{
		StartTime:     startTime.UTC(),
		EndTime:       endTime.UTC(),
		DurationSec:   elapsed,
		TotalRequests: agg.total,
		Present:       agg.present,
		Absent:        agg.absent,
		ErrorCount:    agg.errors,
		ByStatus:      agg.byStatus,
		ThroughputRPS: float64(agg.total) / elapsed,
		P50Ms:         percentile(agg.latMs, 50),
		P95Ms:         percentile(agg.latMs, 95),
		P99Ms:         percentile(agg.latMs, 99),
		Viewers:       cfg.Viewers,
		Speed:         cfg.Speed,
		TargetURL:     base,
	}

	jsonFile, err := os.Create(filepath.Clean(jsonPath))
	if err == nil {
		enc := json.NewEncoder(jsonFile)
		enc.SetIndent("", "  ")
		_ = enc.Encode(runSummary)
		_ = jsonFile.Close()
	}

	log.Printf("done: total=%d present=%d absent=%d err=%d thr=%.2f rps p50=%.1fms p95=%.1fms p99=%.1fms",
		agg.total, agg.present, agg.absent, agg.errors, runSummary.ThroughputRPS,
		runSummary.P50Ms, runSummary.P95Ms, runSummary.P99Ms)
	log.Printf("wrote %s and %s", jsonPath, csvPath)
}

// runViewer alternates panning and pausing. Every tick it reports the
// viewport centre and requests each newly visible cell.
func runViewer(ctx context.Context, cfg Config, c *http.Client, base string, r *rand.Rand, out chan<- sample) {
	v := viewport{
		cx: float64(r.Int63n(2*cfg.Span+1) - cfg.Span),
		cy: float64(r.Int63n(2*cfg.Span+1) - cfg.Span),
		w:  cfg.ViewWidth,
		h:  cfg.ViewHeight,
	}
	heading := r.Float64() * 2 * math.Pi
	seen := map[[2]int64]struct{}{}
	phaseStart := time.Now()
	moving := true

	tick := time.NewTicker(cfg.Tick)
	defer tick.Stop()
	var inflight sync.WaitGroup
	defer inflight.Wait()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-tick.C:
			switch {
			case moving && now.Sub(phaseStart) >= cfg.PauseEvery:
				moving, phaseStart = false, now
			case !moving && now.Sub(phaseStart) >= cfg.PauseFor:
				moving, phaseStart = true, now
				heading = r.Float64() * 2 * math.Pi
			}
			if moving {
				heading = v.step(heading, cfg.Speed*cfg.Tick.Seconds(), cfg.Span)
			}
			postViewport(ctx, c, base, now, v)

			for _, cell := range v.cells() {
				if _, ok := seen[cell]; ok {
					continue
				}
				seen[cell] = struct{}{}
				inflight.Add(1)
				go func(x, y int64) {
					defer inflight.Done()
					s := getCell(ctx, c, base, x, y)
					select {
					case out <- s:
					case <-ctx.Done():
					}
				}(cell[0], cell[1])
			}
			if len(seen) > 4*cfg.ViewWidth*cfg.ViewHeight {
				seen = map[[2]int64]struct{}{}
			}
		}
	}
}

func postViewport(ctx context.Context, c *http.Client, base string, at time.Time, v viewport) {
	body := fmt.Sprintf(`{"t":%d,"x":%.3f,"y":%.3f}`, at.UnixMilli(), v.cx, v.cy)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, base+"/viewport", strings.NewReader(body))
	if err != nil {
		return
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := c.Do(req)
	if err != nil {
		return
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	_ = resp.Body.Close()
}

func getCell(ctx context.Context, c *http.Client, base string, x, y int64) sample {
	q := url.Values{}
	q.Set("x", fmt.Sprintf("%d", x))
	q.Set("y", fmt.Sprintf("%d", y))

	start := time.Now()
	s := sample{Timestamp: start, X: x, Y: y}
	req, _ := http.NewRequestWithContext(ctx, http.MethodGet, base+"/cell?"+q.Encode(), nil)
	req.Header.Set("Accept", "application/json")
	resp, err := c.Do(req)
	s.Latency = time.Since(start)
	if err != nil {
		s.ErrorMsg = err.Error()
		return s
	}
	s.Status = resp.StatusCode
	_, _ = io.Copy(io.Discard, resp.Body)
	_ = resp.Body.Close()
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusNoContent {
		s.ErrorMsg = fmt.Sprintf("status=%d", resp.StatusCode)
	}
	return s
}

func percentile(sortedValues []float64, p float64) float64 {
	if len(sortedValues) == 0 {
		return 0
	}
	if p <= 0 {
		return sortedValues[0]
	}
	if p >= 100 {
		return sortedValues[len(sortedValues)-1]
	}
	k := (p / 100.0) * float64(len(sortedValues)-1)
	f := math.Floor(k)
	i := int(f)
	if i >= len(sortedValues)-1 {
		return sortedValues[len(sortedValues)-1]
	}
	d := k - f
	return sortedValues[i]*(1-d) + sortedValues[i+1]*d
}
