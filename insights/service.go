package insights

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
)

// Insight type names used in the JSONL log
const (
	InsightTypeLearningMoment = "learning_moment"
	InsightTypeProblemSolving = "problem_solving"
)

// Confidence values assigned per insight type
const (
	learningConfidence = 0.7
	problemConfidence  = 0.8
)

// Service ties the detector to the store and implements the operations
// behind the MCP tools.
type Service struct {
	detector *Detector
	store    *Store
	logger   *slog.Logger
}

// NewService creates an insights service persisting under dataDir.
func NewService(dataDir string, logger *slog.Logger) (*Service, error) {
	if logger == nil {
		logger = slog.Default()
	}
	store, err := NewStore(dataDir)
	if err != nil {
		return nil, err
	}
	return &Service{
		detector: NewDetector(),
		store:    store,
		logger:   logger,
	}, nil
}

// AnalyzeTurn inspects one conversation turn, persists any detected
// insights, and folds interest and project signals into the user context.
// The assistant response is accepted for symmetry but only the user
// message drives detection.
func (s *Service) AnalyzeTurn(userMessage, assistantResponse string) error {
	now := time.Now()

	_, err := s.store.UpdateContext(func(ctx *UserContext) {
		for _, interest := range s.detector.ExtractInterests(userMessage) {
			if !contains(ctx.Interests, interest) {
				ctx.Interests = append(ctx.Interests, interest)
			}
		}
		for _, project := range s.detector.ExtractProjects(userMessage) {
			if !contains(ctx.CurrentProjects, project) {
				ctx.CurrentProjects = append(ctx.CurrentProjects, project)
			}
		}
		ctx.ConversationCount++
	})
	if err != nil {
		return fmt.Errorf("failed to update user context: %w", err)
	}

	if content, ok := s.detector.DetectLearningMoment(userMessage); ok {
		if err := s.appendInsight(InsightTypeLearningMoment, content, userMessage, learningConfidence, now); err != nil {
			return err
		}
	}
	if content, ok := s.detector.DetectProblemSolving(userMessage); ok {
		if err := s.appendInsight(InsightTypeProblemSolving, content, userMessage, problemConfidence, now); err != nil {
			return err
		}
	}
	return nil
}

func (s *Service) appendInsight(insightType, content, source string, confidence float64, at time.Time) error {
	insight := Insight{
		ID:          uuid.NewString(),
		Timestamp:   at,
		InsightType: insightType,
		Content:     content,
		Context:     truncate(source, contextSnippetLength),
		Confidence:  confidence,
	}
	if err := s.store.AppendInsight(insight); err != nil {
		return fmt.Errorf("failed to save insight: %w", err)
	}
	s.logger.Info("Saved insight", "type", insightType, "id", insight.ID)
	return nil
}

// UserContext returns the current accumulated profile.
func (s *Service) UserContext() (UserContext, error) {
	return s.store.LoadContext()
}

// RecentInsights returns up to limit insights, newest first.
func (s *Service) RecentInsights(limit int) ([]Insight, error) {
	return s.store.RecentInsights(limit)
}

// AddInterest records an interest explicitly. Reports whether the
// interest was new.
func (s *Service) AddInterest(interest string) (bool, error) {
	if interest == "" {
		return false, fmt.Errorf("interest must not be empty")
	}
	added := false
	_, err := s.store.UpdateContext(func(ctx *UserContext) {
		if !contains(ctx.Interests, interest) {
			ctx.Interests = append(ctx.Interests, interest)
			added = true
		}
	})
	return added, err
}

// SetGoal records a goal. Reports whether the goal was new.
func (s *Service) SetGoal(goal string) (bool, error) {
	if goal == "" {
		return false, fmt.Errorf("goal must not be empty")
	}
	added := false
	_, err := s.store.UpdateContext(func(ctx *UserContext) {
		if !contains(ctx.Goals, goal) {
			ctx.Goals = append(ctx.Goals, goal)
			added = true
		}
	})
	return added, err
}

func contains(list []string, s string) bool {
	for _, item := range list {
		if item == s {
			return true
		}
	}
	return false
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
