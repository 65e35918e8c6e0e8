package scan

import (
	"context"
	"errors"
	"fmt"

	"github.com/vdavid/mailguard/internal/models"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// Signal weights added to the risk score.
const (
	weightVeryHighProbability = 30
	weightHighProbability     = 20
	weightMediumProbability   = 10
	weightLowProbability      = 5
	weightFlaggedURL          = 30
)

const defaultMaxConcurrentChecks = 8

// Result is the aggregate verdict for one message.
type Result struct {
	Score   int
	Level   models.RiskLevel
	Threats []string
}

// RiskScanner produces a verdict for extracted content.
type RiskScanner interface {
	Scan(ctx context.Context, msg models.ExtractedMessage) (Result, error)
}

// Scanner runs the classifier and every URL checker concurrently and merges their
// findings in a fixed order: classifier first, then per link each checker in turn.
// A provider failure adds a threat line and nothing to the score.
type Scanner struct {
	classifier    ContentClassifier
	urlCheckers   []URLChecker
	maxConcurrent int
	logger        *zap.Logger
}

// NewScanner creates a Scanner. classifier may be nil and urlCheckers empty.
func NewScanner(classifier ContentClassifier, urlCheckers []URLChecker, maxConcurrent int, logger *zap.Logger) *Scanner {
	if maxConcurrent <= 0 {
		maxConcurrent = defaultMaxConcurrentChecks
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Scanner{
		classifier:    classifier,
		urlCheckers:   urlCheckers,
		maxConcurrent: maxConcurrent,
		logger:        logger,
	}
}

// finding is the contribution of a single check.
type finding struct {
	score  int
	threat string
}

// Scan implements RiskScanner. It only fails when ctx ends before the checks finish.
func (s *Scanner) Scan(ctx context.Context, msg models.ExtractedMessage) (Result, error) {
	slots := 0
	if s.classifier != nil {
		slots++
	}
	slots += len(msg.Links) * len(s.urlCheckers)
	findings := make([]finding, slots)

	g := new(errgroup.Group)
	g.SetLimit(s.maxConcurrent)

	slot := 0
	if s.classifier != nil {
		i := slot
		g.Go(func() error {
			findings[i] = s.classify(ctx, msg)
			return nil
		})
		slot++
	}
	for _, link := range msg.Links {
		for _, checker := range s.urlCheckers {
			i, link, checker := slot, link, checker
			g.Go(func() error {
				findings[i] = s.checkURL(ctx, checker, link, msg.Identity)
				return nil
			})
			slot++
		}
	}
	_ = g.Wait()

	if err := ctx.Err(); err != nil {
		return Result{}, fmt.Errorf("scan interrupted: %w", err)
	}

	result := Result{Threats: []string{}}
	for _, f := range findings {
		result.Score += f.score
		if f.threat != "" {
			result.Threats = append(result.Threats, f.threat)
		}
	}
	result.Level = models.RiskLevelForScore(result.Score)
	return result, nil
}

func (s *Scanner) classify(ctx context.Context, msg models.ExtractedMessage) finding {
	probability, err := s.classifier.Classify(ctx, msg.ScanText())
	if err != nil {
		s.logger.Warn("Content classification failed",
			zap.String("identity", msg.Identity),
			zap.Error(err),
		)
		var perr *ProviderError
		if errors.As(err, &perr) && perr.StatusCode != 0 {
			return finding{threat: "AI model check failed"}
		}
		return finding{threat: "AI content analysis failed"}
	}
	return classifierFinding(probability)
}

// classifierFinding maps a probability to its weight and threat line.
func classifierFinding(probability float64) finding {
	switch {
	case probability > 0.9:
		return finding{score: weightVeryHighProbability, threat: "Very high probability of phishing or spam content"}
	case probability > 0.7:
		return finding{score: weightHighProbability, threat: "High probability of phishing or spam content"}
	case probability > 0.5:
		return finding{score: weightMediumProbability, threat: "Medium probability of phishing or spam content"}
	case probability > 0.3:
		return finding{score: weightLowProbability, threat: "Low probability of phishing or spam content"}
	default:
		return finding{}
	}
}

func (s *Scanner) checkURL(ctx context.Context, checker URLChecker, link models.Link, identity string) finding {
	flagged, err := checker.Check(ctx, link.Probe)
	if err != nil {
		s.logger.Warn("URL check failed",
			zap.String("provider", checker.Name()),
			zap.String("url", link.Probe),
			zap.String("identity", identity),
			zap.Error(err),
		)
		return finding{threat: failureLabel(checker) + " check failed for URL: " + link.Display}
	}
	if flagged {
		return finding{score: weightFlaggedURL, threat: "URL flagged by " + checker.Name() + ": " + link.Display}
	}
	return finding{}
}
