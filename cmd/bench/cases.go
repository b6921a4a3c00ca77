// README: Bench cases: environment checks, request lifecycle, the accept race and throughput.
package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
)

type Runner struct {
	cfg   Config
	httpc *http.Client
	db    *pgxpool.Pool
	redis *redis.Client

	runID     string
	requester string
	providers []string
	requestID string
	winner    string
}

type Result struct {
	Name    string
	Status  string
	Latency time.Duration
	Note    string
}

type TestCase struct {
	Name string
	Run  func(ctx context.Context, r *Runner) Result
}

func NewRunner(cfg Config) *Runner {
	runID := fmt.Sprintf("%d", time.Now().UnixNano())
	r := &Runner{
		cfg:       cfg,
		httpc:     &http.Client{Timeout: 10 * time.Second},
		runID:     runID,
		requester: "bench-req-" + runID,
	}
	for i := 0; i < cfg.Providers; i++ {
		r.providers = append(r.providers, fmt.Sprintf("bench-p%d-%s", i, runID))
	}
	return r
}

func (r *Runner) RunAll(ctx context.Context) []Result {
	if r.cfg.DSN != "" {
		if db, err := pgxpool.New(ctx, r.cfg.DSN); err == nil {
			r.db = db
		}
	}
	if r.cfg.RedisAddr != "" {
		r.redis = redis.NewClient(&redis.Options{Addr: r.cfg.RedisAddr})
	}

	tests := r.cases()
	results := make([]Result, 0, len(tests))

	for _, tc := range tests {
		res := tc.Run(ctx, r)
		res.Name = tc.Name
		results = append(results, res)
		fmt.Printf("%-7s %s", res.Status, tc.Name)
		if res.Latency > 0 {
			fmt.Printf(" (%s)", res.Latency)
		}
		if res.Note != "" {
			fmt.Printf(" - %s", res.Note)
		}
		fmt.Println()
	}

	if r.db != nil {
		r.db.Close()
	}
	if r.redis != nil {
		_ = r.redis.Close()
	}

	return results
}

func (r *Runner) cases() []TestCase {
	return []TestCase{
		{Name: "Env: Postgres connect", Run: checkDB},
		{Name: "Env: Redis connect", Run: checkRedis},
		{Name: "Migration: apply (optional)", Run: applyMigration},
		{Name: "Migration: tables exist", Run: checkTables},
		{Name: "API: health", Run: func(ctx context.Context, r *Runner) Result {
			res := r.expect(ctx, http.MethodGet, "/health", "", nil, nil, http.StatusOK)
			return res.Result
		}},
		{Name: "Providers: register", Run: registerProviders},
		{Name: "Intake: missing location -> 400", Run: func(ctx context.Context, r *Runner) Result {
			body := submitBody()
			delete(body, "location")
			return r.expect(ctx, http.MethodPost, "/requests", r.requester, body, nil, http.StatusBadRequest).Result
		}},
		{Name: "Intake: submit", Run: submitRequest},
		{Name: "Intake: second active request -> 409", Run: func(ctx context.Context, r *Runner) Result {
			return r.expect(ctx, http.MethodPost, "/requests", r.requester, submitBody(), nil, http.StatusConflict).Result
		}},
		{Name: "Status: requester view", Run: func(ctx context.Context, r *Runner) Result {
			if r.requestID == "" {
				return Result{Status: "SKIP", Note: "no request"}
			}
			return r.expect(ctx, http.MethodGet, "/requests/"+r.requestID, r.requester, nil, nil, http.StatusOK).Result
		}},
		{Name: "Concurrency: many providers accept the same request", Run: acceptRace},
		{Name: "Lifecycle: winner on the way and arrived", Run: func(ctx context.Context, r *Runner) Result {
			if r.winner == "" {
				return Result{Status: "SKIP", Note: "no winner"}
			}
			for _, ev := range []string{"on_the_way", "arrived"} {
				res := r.expect(ctx, http.MethodPost, "/requests/"+r.requestID+"/advance", r.winner, map[string]any{"event": ev}, providerRole, http.StatusOK)
				if res.Status != "PASS" {
					return res.Result
				}
			}
			return Result{Status: "PASS"}
		}},
		{Name: "Cancel: after arrival -> 409", Run: func(ctx context.Context, r *Runner) Result {
			if r.winner == "" {
				return Result{Status: "SKIP", Note: "no winner"}
			}
			return r.expect(ctx, http.MethodPost, "/requests/"+r.requestID+"/cancel", r.requester, nil, nil, http.StatusConflict).Result
		}},
		{Name: "Lifecycle: complete", Run: func(ctx context.Context, r *Runner) Result {
			if r.winner == "" {
				return Result{Status: "SKIP", Note: "no winner"}
			}
			return r.expect(ctx, http.MethodPost, "/requests/"+r.requestID+"/advance", r.winner, map[string]any{"event": "completed"}, providerRole, http.StatusOK).Result
		}},
		{Name: "Cancel: pending request, then accept -> 400", Run: cancelThenAccept},
		{Name: "Consistency: status_version matches event count", Run: checkEventLog},
		{Name: "Perf: provider location throughput", Run: func(ctx context.Context, r *Runner) Result {
			if len(r.providers) == 0 {
				return Result{Status: "SKIP", Note: "no providers"}
			}
			id := r.providers[0]
			return perfLoad(ctx, r, http.MethodPut, "/providers/"+id+"/location", id, providerRole, map[string]any{
				"latitude": 41.0082, "longitude": 28.9784,
			})
		}},
	}
}

var providerRole = map[string]string{"X-Actor-Role": "provider"}

func submitBody() map[string]any {
	return map[string]any{
		"category": "towing",
		"urgency":  "high",
		"location": map[string]any{"latitude": 41.0082, "longitude": 28.9784},
		"vehicle_info": map[string]any{
			"brand": "Renault", "model": "Clio", "plate": "34BNC01",
		},
		"description": "bench run",
	}
}

type httpResult struct {
	Result
	code int
	body []byte
}

func (r *Runner) do(ctx context.Context, method, path, actor string, body any, headers map[string]string) (int, []byte, time.Duration, error) {
	var reader io.Reader
	if body != nil {
		b, _ := json.Marshal(body)
		reader = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, r.cfg.BaseURL+path, reader)
	if err != nil {
		return 0, nil, 0, err
	}
	req.Header.Set("Content-Type", "application/json")
	if actor != "" {
		req.Header.Set("X-Actor-ID", actor)
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	start := time.Now()
	resp, err := r.httpc.Do(req)
	if err != nil {
		return 0, nil, 0, err
	}
	defer resp.Body.Close()
	data, _ := io.ReadAll(resp.Body)
	return resp.StatusCode, data, time.Since(start), nil
}

func (r *Runner) expect(ctx context.Context, method, path, actor string, body any, headers map[string]string, want int) httpResult {
	code, data, latency, err := r.do(ctx, method, path, actor, body, headers)
	if err != nil {
		return httpResult{Result: Result{Status: "FAIL", Note: err.Error()}}
	}
	res := httpResult{code: code, body: data, Result: Result{Latency: latency, Note: fmt.Sprintf("status=%d", code)}}
	if code == want {
		res.Status = "PASS"
	} else {
		res.Status = "FAIL"
		res.Note = fmt.Sprintf("status=%d want=%d body=%s", code, want, truncate(data))
	}
	return res
}

func checkDB(ctx context.Context, r *Runner) Result {
	if r.db == nil {
		return Result{Status: "SKIP", Note: "db not configured"}
	}
	ctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	if err := r.db.Ping(ctx); err != nil {
		return Result{Status: "FAIL", Note: err.Error()}
	}
	return Result{Status: "PASS"}
}

func checkRedis(ctx context.Context, r *Runner) Result {
	if r.redis == nil {
		return Result{Status: "SKIP", Note: "redis not configured"}
	}
	ctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	if err := r.redis.Ping(ctx).Err(); err != nil {
		return Result{Status: "FAIL", Note: err.Error()}
	}
	return Result{Status: "PASS"}
}

func applyMigration(ctx context.Context, r *Runner) Result {
	if !r.cfg.ApplyMigration {
		return Result{Status: "SKIP", Note: "apply-migration=false"}
	}
	if r.db == nil {
		return Result{Status: "FAIL", Note: "db not configured"}
	}
	sql, err := os.ReadFile(r.cfg.MigrationPath)
	if err != nil {
		return Result{Status: "FAIL", Note: err.Error()}
	}
	for _, s := range splitSQL(string(sql)) {
		if _, err := r.db.Exec(ctx, s); err != nil {
			return Result{Status: "FAIL", Note: err.Error()}
		}
	}
	return Result{Status: "PASS"}
}

func checkTables(ctx context.Context, r *Runner) Result {
	if r.db == nil {
		return Result{Status: "SKIP", Note: "db not configured"}
	}
	tables, err := extractTables(r.cfg.MigrationPath)
	if err != nil {
		return Result{Status: "FAIL", Note: err.Error()}
	}
	for _, t := range tables {
		var exists bool
		err := r.db.QueryRow(ctx,
			"SELECT EXISTS (SELECT 1 FROM information_schema.tables WHERE table_name=$1)",
			t,
		).Scan(&exists)
		if err != nil {
			return Result{Status: "FAIL", Note: err.Error()}
		}
		if !exists {
			return Result{Status: "FAIL", Note: "missing table: " + t}
		}
	}
	return Result{Status: "PASS", Note: fmt.Sprintf("tables=%d", len(tables))}
}

// registerProviders places providers on a small ring around the request location.
func registerProviders(ctx context.Context, r *Runner) Result {
	start := time.Now()
	for i, id := range r.providers {
		res := r.expect(ctx, http.MethodPut, "/providers/"+id, id, map[string]any{
			"categories":       []string{"towing"},
			"location":         map[string]any{"latitude": 41.0082 + float64(i)*0.002, "longitude": 28.9784},
			"is_available":     true,
			"rating":           4.0 + float64(i%10)/10,
			"experience_years": i,
		}, providerRole, http.StatusOK)
		if res.Status != "PASS" {
			return res.Result
		}
	}
	return Result{Status: "PASS", Latency: time.Since(start), Note: fmt.Sprintf("providers=%d", len(r.providers))}
}

func submitRequest(ctx context.Context, r *Runner) Result {
	res := r.expect(ctx, http.MethodPost, "/requests", r.requester, submitBody(), nil, http.StatusCreated)
	if res.Status != "PASS" {
		return res.Result
	}
	var view struct {
		ID     string `json:"id"`
		Status string `json:"status"`
		Offers []struct {
			ProviderID string `json:"provider_id"`
		} `json:"offers"`
	}
	if err := json.Unmarshal(res.body, &view); err != nil {
		return Result{Status: "FAIL", Note: err.Error()}
	}
	r.requestID = view.ID
	if view.Status != "pending" {
		return Result{Status: "FAIL", Note: "status=" + view.Status}
	}
	res.Note = fmt.Sprintf("id=%s offers=%d", view.ID, len(view.Offers))
	return res.Result
}

// acceptRace fires every provider's accept at once; at most one may be granted.
func acceptRace(ctx context.Context, r *Runner) Result {
	if r.requestID == "" {
		return Result{Status: "SKIP", Note: "no request"}
	}
	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		granted []string
		counts  = map[int]int{}
	)
	start := time.Now()
	for _, id := range r.providers {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			code, _, _, err := r.do(ctx, http.MethodPost, "/requests/"+r.requestID+"/accept", id, nil, providerRole)
			if err != nil {
				return
			}
			mu.Lock()
			defer mu.Unlock()
			counts[code]++
			if code == http.StatusOK {
				granted = append(granted, id)
			}
		}(id)
	}
	wg.Wait()

	note := fmt.Sprintf("granted=%d codes=%v", len(granted), counts)
	if len(granted) != 1 {
		return Result{Status: "FAIL", Latency: time.Since(start), Note: note}
	}
	r.winner = granted[0]
	return Result{Status: "PASS", Latency: time.Since(start), Note: note}
}

func cancelThenAccept(ctx context.Context, r *Runner) Result {
	requester := r.requester + "-cancel"
	res := r.expect(ctx, http.MethodPost, "/requests", requester, submitBody(), nil, http.StatusCreated)
	if res.Status != "PASS" {
		return res.Result
	}
	var view struct {
		ID     string `json:"id"`
		Offers []struct {
			ProviderID string `json:"provider_id"`
		} `json:"offers"`
	}
	if err := json.Unmarshal(res.body, &view); err != nil {
		return Result{Status: "FAIL", Note: err.Error()}
	}
	if len(view.Offers) == 0 {
		return Result{Status: "SKIP", Note: "no offer issued"}
	}
	if res := r.expect(ctx, http.MethodPost, "/requests/"+view.ID+"/cancel", requester, nil, nil, http.StatusOK); res.Status != "PASS" {
		return res.Result
	}
	return r.expect(ctx, http.MethodPost, "/requests/"+view.ID+"/accept", view.Offers[0].ProviderID, nil, providerRole, http.StatusBadRequest).Result
}

func checkEventLog(ctx context.Context, r *Runner) Result {
	if r.db == nil || r.requestID == "" {
		return Result{Status: "SKIP", Note: "db or request missing"}
	}
	var version, events int
	err := r.db.QueryRow(ctx, "SELECT status_version FROM service_requests WHERE id=$1", r.requestID).Scan(&version)
	if err != nil {
		return Result{Status: "FAIL", Note: err.Error()}
	}
	err = r.db.QueryRow(ctx, "SELECT count(*) FROM service_request_events WHERE request_id=$1", r.requestID).Scan(&events)
	if err != nil {
		return Result{Status: "FAIL", Note: err.Error()}
	}
	note := fmt.Sprintf("version=%d events=%d", version, events)
	if events == 0 || events > version {
		return Result{Status: "FAIL", Note: note}
	}
	return Result{Status: "PASS", Note: note}
}

func perfLoad(ctx context.Context, r *Runner, method, path, actor string, headers map[string]string, payload any) Result {
	end := time.Now().Add(r.cfg.Duration)
	var count, errCount int64
	var mu sync.Mutex
	wg := sync.WaitGroup{}

	for i := 0; i < r.cfg.Concurrency; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for time.Now().Before(end) && ctx.Err() == nil {
				code, _, _, err := r.do(ctx, method, path, actor, payload, headers)
				mu.Lock()
				if err != nil || code >= 400 {
					errCount++
				} else {
					count++
				}
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if count == 0 {
		return Result{Status: "FAIL", Note: fmt.Sprintf("no requests completed, errors=%d", errCount)}
	}
	rps := float64(count) / r.cfg.Duration.Seconds()
	return Result{Status: "PASS", Note: fmt.Sprintf("rps=%.1f errors=%d", rps, errCount)}
}

func truncate(b []byte) string {
	s := strings.TrimSpace(string(b))
	if len(s) > 160 {
		return s[:160] + "..."
	}
	return s
}

func extractTables(path string) ([]string, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	re := regexp.MustCompile(`(?i)create\s+table\s+if\s+not\s+exists\s+([a-zA-Z0-9_]+)`)
	matches := re.FindAllStringSubmatch(string(b), -1)
	tables := make([]string, 0, len(matches))
	for _, m := range matches {
		tables = append(tables, m[1])
	}
	return tables, nil
}

func splitSQL(sql string) []string {
	lines := strings.Split(sql, "\n")
	filtered := make([]string, 0, len(lines))
	for _, line := range lines {
		l := strings.TrimSpace(line)
		if strings.HasPrefix(l, "--") || l == "" {
			continue
		}
		filtered = append(filtered, line)
	}
	parts := strings.Split(strings.Join(filtered, "\n"), ";")
	stmts := make([]string, 0, len(parts))
	for _, p := range parts {
		if s := strings.TrimSpace(p); s != "" {
			stmts = append(stmts, s)
		}
	}
	return stmts
}
