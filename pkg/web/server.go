package web

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/gorilla/mux"
	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/ritzau/aspect-graph/pkg/bazel"
	"github.com/ritzau/aspect-graph/pkg/cycles"
	"github.com/ritzau/aspect-graph/pkg/graph"
	"github.com/ritzau/aspect-graph/pkg/label"
	"github.com/ritzau/aspect-graph/pkg/logging"
	"github.com/ritzau/aspect-graph/pkg/model"
	"github.com/ritzau/aspect-graph/pkg/output"
	"github.com/ritzau/aspect-graph/pkg/pubsub"
)

// RuleDeps is the dependency view of a single rule
type RuleDeps struct {
	Label      string   `json:"label"`
	Direct     []string `json:"direct"`     // Declared dependencies, resolved or not
	Unresolved []string `json:"unresolved"` // Subset of Direct without an entry
	Transitive []string `json:"transitive"` // Every rule reachable through resolved edges
	Dependents []string `json:"dependents"` // Rules that directly depend on this one
}

// Summary describes the served extraction
type Summary struct {
	Workspace     string         `json:"workspace"`
	Rules         int            `json:"rules"`
	RulesByType   map[string]int `json:"rulesByType"`
	Unresolved    int            `json:"unresolved"`
	Diagnostics   int            `json:"diagnostics"`
	Cycles        int            `json:"cycles"`
	InvocationIDs []string       `json:"invocationIds"`
	DurationMs    int64          `json:"durationMs"`
}

// Server exposes an extraction result read-only over HTTP. The server can
// start before the result exists; until SetResult is called the result
// endpoints answer 503 and progress is streamed on the extraction_status topic.
type Server struct {
	router    *mux.Router
	publisher *pubsub.SSEPublisher

	mu      sync.RWMutex
	current *extraction
	failure error
}

// depsCacheSize bounds the number of dependency views kept per extraction
const depsCacheSize = 1024

// extraction is a served result together with the indexes derived from it
type extraction struct {
	workspace string
	result    *bazel.Result
	graph     *graph.RuleGraph
	deps      *lru.Cache[label.Label, RuleDeps]
}

// NewServer creates a new web server
func NewServer() *Server {
	publisher := pubsub.NewSSEPublisher()

	// Buffer the last 10 statuses, replay only the latest to new subscribers
	publisher.ConfigureTopic(pubsub.TopicExtractionStatus, pubsub.TopicConfig{
		BufferSize: 10,
		ReplayAll:  false,
	})

	s := &Server{
		router:    mux.NewRouter(),
		publisher: publisher,
	}
	s.setupRoutes()
	s.publishStatus(pubsub.ExtractionStatus{
		State:   pubsub.StateStarting,
		Message: "starting extraction",
	})
	return s
}

// SetResult makes the result extracted from workspace available to the API
// and publishes the ready status
func (s *Server) SetResult(workspace string, result *bazel.Result) {
	deps, err := lru.New[label.Label, RuleDeps](depsCacheSize)
	if err != nil {
		// Only returned for a non-positive size
		panic(err)
	}
	current := &extraction{
		workspace: workspace,
		result:    result,
		graph:     graph.NewRuleGraph(result.Rules),
		deps:      deps,
	}

	s.mu.Lock()
	s.current = current
	s.failure = nil
	s.mu.Unlock()

	s.publishStatus(pubsub.ExtractionStatus{
		State:       pubsub.StateReady,
		Message:     fmt.Sprintf("extracted %d rules", len(result.Rules)),
		Rules:       len(result.Rules),
		Diagnostics: len(result.Diagnostics),
	})
}

// SetFailure records that the extraction failed. The API keeps answering
// with the error.
func (s *Server) SetFailure(err error) {
	s.mu.Lock()
	s.failure = err
	s.mu.Unlock()

	s.publishStatus(pubsub.ExtractionStatus{
		State:   pubsub.StateFailed,
		Message: err.Error(),
	})
}

// PublishProgress publishes an extractor progress report on the
// extraction_status topic
func (s *Server) PublishProgress(p bazel.Progress) {
	s.publishStatus(pubsub.ExtractionStatus{
		State:   string(p.Stage),
		Message: p.Message,
		Step:    p.Step,
		Total:   p.Total,
	})
}

func (s *Server) publishStatus(status pubsub.ExtractionStatus) {
	if err := s.publisher.Publish(pubsub.TopicExtractionStatus, status.State, status); err != nil {
		logging.New("web").Warn("failed to publish extraction status", "state", status.State, "error", err)
	}
}

// Close ends all subscriptions
func (s *Server) Close() error {
	return s.publisher.Close()
}

func (s *Server) setupRoutes() {
	// Labels keep their double slashes ("@pods//AFNetworking:AFNetworking")
	s.router.SkipClean(true)
	s.router.Use(logging.RequestIDMiddleware)

	// SSE subscription endpoint
	s.router.HandleFunc("/api/subscribe/extraction_status", s.handleSubscribeExtractionStatus).Methods("GET")
	s.router.HandleFunc("/api/status", s.handleStatus).Methods("GET")

	// More specific routes must come first
	s.router.HandleFunc("/api/summary", s.handleSummary).Methods("GET")
	s.router.HandleFunc("/api/report", s.handleReport).Methods("GET")
	s.router.HandleFunc("/api/diagnostics", s.handleDiagnostics).Methods("GET")
	s.router.HandleFunc("/api/cycles", s.handleCycles).Methods("GET")
	s.router.HandleFunc("/api/rules", s.handleRules).Methods("GET")
	s.router.HandleFunc("/api/rules/{label:.+}/deps", s.handleRuleDeps).Methods("GET")
	s.router.HandleFunc("/api/rules/{label:.+}", s.handleRule).Methods("GET")

	s.router.NotFoundHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusNotFound, "not found")
	})
}

// Handler returns the HTTP handler serving the API
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start serves on the given port until ctx is done
func (s *Server) Start(ctx context.Context, port int) error {
	log := logging.New("web")

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", port),
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info("starting web server", "url", fmt.Sprintf("http://localhost:%d", port))
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		log.Info("shutting down web server")
		// Closing the publisher ends open SSE streams so Shutdown does not wait on them
		s.Close()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return err
		}
		if err := <-errCh; !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	}
}

func (s *Server) handleSubscribeExtractionStatus(w http.ResponseWriter, r *http.Request) {
	// The subscription, and with it the event channel, ends with the request
	sub, err := s.publisher.Subscribe(r.Context(), pubsub.TopicExtractionStatus)
	if err != nil {
		writeError(w, http.StatusServiceUnavailable, err.Error())
		return
	}
	defer sub.Close()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("Access-Control-Allow-Origin", "*")

	// Send initial comment to establish connection (Safari compatibility)
	fmt.Fprintf(w, ": connected\n\n")
	flush(w)

	for event := range sub.Events() {
		if err := pubsub.WriteSSE(w, event); err != nil {
			logging.New("web").WarnContext(r.Context(), "error writing SSE event", "error", err)
			return
		}
		flush(w)
	}
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	event, ok := s.publisher.Latest(pubsub.TopicExtractionStatus)
	if !ok {
		writeError(w, http.StatusNotFound, "no extraction status")
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.Write(event.Data)
}

// snapshot returns the served result, or answers the request itself while
// the extraction is running or after it failed
func (s *Server) snapshot(w http.ResponseWriter) (*extraction, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	switch {
	case s.failure != nil:
		writeError(w, http.StatusInternalServerError, "extraction failed: "+s.failure.Error())
		return nil, false
	case s.current == nil:
		w.Header().Set("Retry-After", "1")
		writeError(w, http.StatusServiceUnavailable, "extraction in progress")
		return nil, false
	}
	return s.current, true
}

func (s *Server) handleSummary(w http.ResponseWriter, r *http.Request) {
	x, ok := s.snapshot(w)
	if !ok {
		return
	}
	result := x.result

	byType := make(map[string]int)
	for _, entry := range result.Rules {
		byType[entry.Type]++
	}

	ids := result.InvocationIDs
	if ids == nil {
		ids = []string{}
	}

	writeJSON(w, Summary{
		Workspace:     x.workspace,
		Rules:         len(result.Rules),
		RulesByType:   byType,
		Unresolved:    result.Rules.UnresolvedCount(),
		Diagnostics:   len(result.Diagnostics),
		Cycles:        len(result.Cycles),
		InvocationIDs: ids,
		DurationMs:    result.Duration.Milliseconds(),
	})
}

func (s *Server) handleReport(w http.ResponseWriter, r *http.Request) {
	x, ok := s.snapshot(w)
	if !ok {
		return
	}
	writeJSON(w, output.NewReport(x.result))
}

// handleRules lists all rules, optionally filtered by ?type= and by a label
// glob in ?match= (e.g. "//tulsi_test/**")
func (s *Server) handleRules(w http.ResponseWriter, r *http.Request) {
	x, ok := s.snapshot(w)
	if !ok {
		return
	}
	ruleType := r.URL.Query().Get("type")
	pattern := r.URL.Query().Get("match")
	if pattern != "" && !doublestar.ValidatePattern(pattern) {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid match pattern %q", pattern))
		return
	}

	entries := make([]*model.RuleEntry, 0, len(x.result.Rules))
	for _, entry := range x.result.Rules.Entries() {
		if ruleType != "" && entry.Type != ruleType {
			continue
		}
		if pattern != "" {
			if matched, _ := doublestar.Match(pattern, entry.Label.String()); !matched {
				continue
			}
		}
		entries = append(entries, entry)
	}
	writeJSON(w, entries)
}

func (s *Server) handleRule(w http.ResponseWriter, r *http.Request) {
	x, ok := s.snapshot(w)
	if !ok {
		return
	}
	entry, ok := lookup(w, r, x.result.Rules)
	if !ok {
		return
	}
	writeJSON(w, entry)
}

func (s *Server) handleRuleDeps(w http.ResponseWriter, r *http.Request) {
	x, ok := s.snapshot(w)
	if !ok {
		return
	}
	entry, ok := lookup(w, r, x.result.Rules)
	if !ok {
		return
	}

	if deps, ok := x.deps.Get(entry.Label); ok {
		writeJSON(w, deps)
		return
	}

	deps := RuleDeps{
		Label:      entry.Label.String(),
		Direct:     nonNil(entry.Dependencies()),
		Unresolved: nonNil(entry.UnresolvedDependencies()),
		Transitive: labelStrings(x.graph.TransitiveDependencies(entry.Label)),
		Dependents: labelStrings(x.graph.Dependents(entry.Label)),
	}
	x.deps.Add(entry.Label, deps)
	writeJSON(w, deps)
}

func (s *Server) handleDiagnostics(w http.ResponseWriter, r *http.Request) {
	x, ok := s.snapshot(w)
	if !ok {
		return
	}

	diags := x.result.Diagnostics
	if kind := r.URL.Query().Get("kind"); kind != "" {
		diags = nil
		for _, d := range x.result.Diagnostics {
			if string(d.Kind) == kind {
				diags = append(diags, d)
			}
		}
	}
	if diags == nil {
		diags = []model.Diagnostic{}
	}
	writeJSON(w, diags)
}

func (s *Server) handleCycles(w http.ResponseWriter, r *http.Request) {
	x, ok := s.snapshot(w)
	if !ok {
		return
	}

	found := x.result.Cycles
	if found == nil {
		found = []cycles.Cycle{}
	}
	writeJSON(w, found)
}

// lookup resolves the {label} route variable. The leading "//" may be
// omitted: "/api/rules/tulsi_test:Application".
func lookup(w http.ResponseWriter, r *http.Request, rules model.RuleMap) (*model.RuleEntry, bool) {
	raw := mux.Vars(r)["label"]
	targetLabel := strings.TrimLeft(raw, "/")
	if !strings.HasPrefix(targetLabel, "@") {
		targetLabel = "//" + targetLabel
	}

	l, err := label.Parse(targetLabel)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return nil, false
	}

	entry, ok := rules[l]
	if !ok {
		writeError(w, http.StatusNotFound, fmt.Sprintf("rule %s not found", l))
		return nil, false
	}
	return entry, true
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logging.Error("failed to encode response", "error", err)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": msg})
}

func flush(w http.ResponseWriter) {
	if flusher, ok := w.(http.Flusher); ok {
		flusher.Flush()
	}
}

func labelStrings(labels []label.Label) []string {
	out := make([]string, 0, len(labels))
	for _, l := range labels {
		out = append(out, l.String())
	}
	return out
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
