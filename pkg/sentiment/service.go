package sentiment

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"github.com/theaigrid/aigrid/pkg/aigrid"
)

const (
	reportCacheKey    = "sentiment:report"
	defaultCacheTTL   = 5 * time.Minute
	defaultQueryLimit = 8
)

// ErrNoResults is returned when every query of every topic failed.
var ErrNoResults = errors.New("no sentiment results available")

// Topic is a subject and the sample texts scored for it.
type Topic struct {
	Name    string   `json:"name" mapstructure:"name"`
	Queries []string `json:"queries" mapstructure:"queries"`
}

// DefaultTopics are the topics reported when none are configured.
func DefaultTopics() []Topic {
	return []Topic{
		{Name: "ChatGPT", Queries: []string{"ChatGPT is amazing", "ChatGPT helps productivity", "ChatGPT limitations frustrating"}},
		{Name: "Claude AI", Queries: []string{"Claude AI is helpful", "Claude responses are thoughtful", "Claude AI needs improvement"}},
		{Name: "Gemini", Queries: []string{"Google Gemini impressive", "Gemini AI capabilities", "Gemini multimodal excellent"}},
		{Name: "Midjourney", Queries: []string{"Midjourney art stunning", "Midjourney creative tool", "Midjourney subscription expensive"}},
		{Name: "Stable Diffusion", Queries: []string{"Stable Diffusion open source great", "SD image quality improving", "Stable Diffusion community"}},
		{Name: "GPT-5", Queries: []string{"GPT-5 expectations high", "Waiting for GPT-5", "GPT-5 will be revolutionary"}},
		{Name: "AI Agents", Queries: []string{"AI agents transforming work", "Autonomous AI agents promising", "AI agents automation"}},
		{Name: "Open Source AI", Queries: []string{"Open source AI democratizing", "Llama models excellent", "Open weights important"}},
	}
}

// TopicResult is the sentiment of one topic.
type TopicResult struct {
	Name string `json:"name"`
	Breakdown
	Overall string `json:"overall"`
	// Score is positive minus negative.
	Score int `json:"score"`
}

// Summary averages the topic breakdowns.
type Summary struct {
	Breakdown
	TotalAnalyzed int `json:"totalAnalyzed"`
}

// Report is the sentiment feed.
type Report struct {
	Topics    []TopicResult `json:"topics"`
	Overall   Summary       `json:"overall"`
	Timestamp time.Time     `json:"timestamp"`
}

// ServiceConfig configures the report service.
type ServiceConfig struct {
	// Analyzer scores texts (required).
	Analyzer Analyzer

	// Topics defaults to DefaultTopics().
	Topics []Topic

	// Cache keeps the last report for CacheTTL. Reports are not cached
	// when nil.
	Cache Cache

	// CacheTTL defaults to 5 minutes.
	CacheTTL time.Duration

	// QueryLimit caps concurrent inference calls. Defaults to 8.
	QueryLimit int

	Logger aigrid.Logger
	Now    func() time.Time
}

// Service produces sentiment reports.
type Service struct {
	analyzer   Analyzer
	topics     []Topic
	cache      Cache
	cacheTTL   time.Duration
	queryLimit int
	group      singleflight.Group
	logger     aigrid.Logger
	now        func() time.Time
}

// NewService creates a report service.
func NewService(config ServiceConfig) (*Service, error) {
	if config.Analyzer == nil {
		return nil, fmt.Errorf("sentiment analyzer is required")
	}
	if len(config.Topics) == 0 {
		config.Topics = DefaultTopics()
	}
	if config.CacheTTL <= 0 {
		config.CacheTTL = defaultCacheTTL
	}
	if config.QueryLimit <= 0 {
		config.QueryLimit = defaultQueryLimit
	}
	if config.Logger == nil {
		config.Logger = &aigrid.NoopLogger{}
	}
	if config.Now == nil {
		config.Now = func() time.Time { return time.Now().UTC() }
	}
	return &Service{
		analyzer:   config.Analyzer,
		topics:     config.Topics,
		cache:      config.Cache,
		cacheTTL:   config.CacheTTL,
		queryLimit: config.QueryLimit,
		logger:     config.Logger,
		now:        config.Now,
	}, nil
}

// Report returns the cached report or computes a fresh one. Concurrent
// callers share a single computation.
func (s *Service) Report(ctx context.Context) (*Report, error) {
	if report, ok := s.cached(ctx); ok {
		return report, nil
	}

	v, err, _ := s.group.Do(reportCacheKey, func() (interface{}, error) {
		report, err := s.compute(context.WithoutCancel(ctx))
		if err != nil {
			return nil, err
		}
		s.store(ctx, report)
		return report, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*Report), nil
}

func (s *Service) cached(ctx context.Context) (*Report, bool) {
	if s.cache == nil {
		return nil, false
	}
	raw, err := s.cache.Get(ctx, reportCacheKey)
	if err != nil {
		if !errors.Is(err, ErrCacheMiss) {
			s.logger.Warn("sentiment cache read failed", aigrid.F("error", err.Error()))
		}
		return nil, false
	}
	var report Report
	if err := json.Unmarshal(raw, &report); err != nil {
		s.logger.Warn("sentiment cache entry unreadable", aigrid.F("error", err.Error()))
		return nil, false
	}
	return &report, true
}

func (s *Service) store(ctx context.Context, report *Report) {
	if s.cache == nil {
		return
	}
	raw, err := json.Marshal(report)
	if err != nil {
		return
	}
	if err := s.cache.Set(ctx, reportCacheKey, raw, s.cacheTTL); err != nil {
		s.logger.Warn("sentiment cache write failed", aigrid.F("error", err.Error()))
	}
}

// compute scores every query concurrently. Failed queries are skipped; a
// topic with no successful query is left out of the report.
func (s *Service) compute(ctx context.Context) (*Report, error) {
	results := make([][][]Score, len(s.topics))
	for i, topic := range s.topics {
		results[i] = make([][]Score, len(topic.Queries))
	}

	var (
		mu     sync.Mutex
		failed int
	)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.queryLimit)
	for i, topic := range s.topics {
		for j, query := range topic.Queries {
			g.Go(func() error {
				scores, err := s.analyzer.Analyze(gctx, query)
				if err != nil {
					s.logger.Warn("sentiment query failed",
						aigrid.F("topic", topic.Name), aigrid.F("query", query), aigrid.F("error", err.Error()))
					mu.Lock()
					failed++
					mu.Unlock()
					return nil
				}
				results[i][j] = scores
				return nil
			})
		}
	}
	_ = g.Wait()

	report := &Report{Timestamp: s.now()}
	var sumPositive, sumNeutral, sumNegative int
	for i, topic := range s.topics {
		var ok [][]Score
		for _, r := range results[i] {
			if r != nil {
				ok = append(ok, r)
			}
		}
		if len(ok) == 0 {
			continue
		}
		b := Aggregate(ok)
		report.Topics = append(report.Topics, TopicResult{
			Name:      topic.Name,
			Breakdown: b,
			Overall:   b.Dominant(),
			Score:     b.Positive - b.Negative,
		})
		report.Overall.TotalAnalyzed += len(ok)
		sumPositive += b.Positive
		sumNeutral += b.Neutral
		sumNegative += b.Negative
	}

	if len(report.Topics) == 0 {
		return nil, ErrNoResults
	}

	sort.SliceStable(report.Topics, func(i, j int) bool {
		return report.Topics[i].Score > report.Topics[j].Score
	})
	n := float64(len(report.Topics))
	report.Overall.Breakdown = Breakdown{
		Positive: int(math.Round(float64(sumPositive) / n)),
		Neutral:  int(math.Round(float64(sumNeutral) / n)),
		Negative: int(math.Round(float64(sumNegative) / n)),
	}

	if failed > 0 {
		s.logger.Info("sentiment report built with failed queries", aigrid.F("failed", failed))
	}
	return report, nil
}
