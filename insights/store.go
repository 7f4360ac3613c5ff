package insights

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"
)

const (
	insightsFileName = "insights.jsonl"
	contextFileName  = "user_context.json"

	// contextSnippetLength bounds the context quoted alongside an insight
	contextSnippetLength = 200
)

// Insight is one observation extracted from a conversation turn. Records
// are appended to insights.jsonl, one JSON object per line.
type Insight struct {
	ID          string    `json:"id"`
	Timestamp   time.Time `json:"timestamp"`
	InsightType string    `json:"insight_type"`
	Content     string    `json:"content"`
	Context     string    `json:"context"`
	Confidence  float64   `json:"confidence"`
}

// UserContext is the accumulated profile of the observed user, persisted
// as user_context.json.
type UserContext struct {
	Interests         []string  `json:"interests"`
	Skills            []string  `json:"skills"`
	CurrentProjects   []string  `json:"current_projects"`
	Goals             []string  `json:"goals"`
	ConversationCount int       `json:"conversation_count"`
	LastUpdated       time.Time `json:"last_updated"`
}

// Store persists insights and the user context under a data directory.
// A single mutex serializes all file access; the JSONL log is append-only
// and the context file is rewritten whole on every update.
type Store struct {
	mu      sync.Mutex
	dataDir string
}

// NewStore creates the data directory if needed and returns a store
// rooted there.
func NewStore(dataDir string) (*Store, error) {
	if dataDir == "" {
		return nil, fmt.Errorf("data directory is required")
	}
	if err := os.MkdirAll(dataDir, 0o700); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}
	return &Store{dataDir: dataDir}, nil
}

func (s *Store) insightsPath() string {
	return filepath.Join(s.dataDir, insightsFileName)
}

func (s *Store) contextPath() string {
	return filepath.Join(s.dataDir, contextFileName)
}

// AppendInsight appends one record to the JSONL log.
func (s *Store) AppendInsight(insight Insight) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := json.Marshal(insight)
	if err != nil {
		return fmt.Errorf("failed to encode insight: %w", err)
	}

	f, err := os.OpenFile(s.insightsPath(), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o600)
	if err != nil {
		return fmt.Errorf("failed to open insights log: %w", err)
	}
	defer f.Close()

	if _, err := f.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("failed to append insight: %w", err)
	}
	return nil
}

// RecentInsights returns up to limit insights, newest first. Malformed
// lines are skipped rather than failing the whole read.
func (s *Store) RecentInsights(limit int) ([]Insight, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	f, err := os.Open(s.insightsPath())
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to open insights log: %w", err)
	}
	defer f.Close()

	var insights []Insight
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		var insight Insight
		if err := json.Unmarshal(scanner.Bytes(), &insight); err != nil {
			continue
		}
		insights = append(insights, insight)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to read insights log: %w", err)
	}

	sort.Slice(insights, func(i, j int) bool {
		return insights[i].Timestamp.After(insights[j].Timestamp)
	})
	if limit > 0 && len(insights) > limit {
		insights = insights[:limit]
	}
	return insights, nil
}

// LoadContext returns the stored user context, or a zero-valued profile
// when none has been written yet.
func (s *Store) LoadContext() (UserContext, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.loadContextLocked()
}

func (s *Store) loadContextLocked() (UserContext, error) {
	data, err := os.ReadFile(s.contextPath())
	if err != nil {
		if os.IsNotExist(err) {
			return UserContext{LastUpdated: time.Now()}, nil
		}
		return UserContext{}, fmt.Errorf("failed to read user context: %w", err)
	}

	var ctx UserContext
	if err := json.Unmarshal(data, &ctx); err != nil {
		return UserContext{}, fmt.Errorf("failed to decode user context: %w", err)
	}
	return ctx, nil
}

func (s *Store) saveContextLocked(ctx UserContext) error {
	ctx.LastUpdated = time.Now()

	data, err := json.MarshalIndent(ctx, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode user context: %w", err)
	}
	if err := os.WriteFile(s.contextPath(), data, 0o600); err != nil {
		return fmt.Errorf("failed to write user context: %w", err)
	}
	return nil
}

// UpdateContext loads the context, applies fn, and writes the result back,
// all under the store lock.
func (s *Store) UpdateContext(fn func(*UserContext)) (UserContext, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ctx, err := s.loadContextLocked()
	if err != nil {
		return UserContext{}, err
	}
	fn(&ctx)
	if err := s.saveContextLocked(ctx); err != nil {
		return UserContext{}, err
	}
	return ctx, nil
}
