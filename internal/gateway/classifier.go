package gateway

import (
	"strings"

	"github.com/vectorops/convoy/internal/lane"
)

// Request is one inbound request the gateway routes.
type Request struct {
	// Text is the request body the classifier inspects.
	Text string `json:"text"`

	// Source identifies where the request originated, e.g. "user",
	// "scheduled", "cron". Administrative sources never delegate.
	Source string `json:"source,omitempty"`

	// SessionID / TurnID identify the originating conversation turn;
	// TurnID doubles as the dispatch idempotency key.
	SessionID string `json:"session_id,omitempty"`
	TurnID    string `json:"turn_id,omitempty"`

	// ReplyMode records how the answer will be delivered.
	ReplyMode string `json:"reply_mode,omitempty"`
}

// Decision is the classifier's verdict for one request.
type Decision struct {
	Delegate bool
	// Reason explains the verdict, for logging and telemetry.
	Reason string
}

const defaultUtilityThreshold = 20

var defaultExcludedSources = []string{"scheduled", "cron"}

// Classifier decides whether a request should be delegated to a lane.
// Exclusion rules always win over inclusion heuristics: administrative
// sources and trivially small utility requests never delegate, regardless
// of textual content.
type Classifier struct {
	profile          *lane.Profile
	excludedSources  map[string]struct{}
	utilityThreshold int
}

// ClassifierOption is a functional option for configuring the Classifier.
type ClassifierOption func(*Classifier)

// WithExcludedSources replaces the default excluded source set.
func WithExcludedSources(sources ...string) ClassifierOption {
	return func(c *Classifier) {
		c.excludedSources = make(map[string]struct{}, len(sources))
		for _, s := range sources {
			c.excludedSources[strings.ToLower(s)] = struct{}{}
		}
	}
}

// WithUtilityThreshold sets the character count below which a request is
// treated as a trivially small utility request.
func WithUtilityThreshold(n int) ClassifierOption {
	return func(c *Classifier) {
		c.utilityThreshold = n
	}
}

// NewClassifier creates a classifier for one lane profile.
func NewClassifier(profile *lane.Profile, opts ...ClassifierOption) *Classifier {
	c := &Classifier{
		profile:          profile,
		excludedSources:  make(map[string]struct{}, len(defaultExcludedSources)),
		utilityThreshold: defaultUtilityThreshold,
	}
	for _, s := range defaultExcludedSources {
		c.excludedSources[s] = struct{}{}
	}

	for _, opt := range opts {
		opt(c)
	}

	return c
}

// Classify inspects a request against the lane's exclusion rules and
// inclusion heuristics.
func (c *Classifier) Classify(req *Request) Decision {
	if req == nil {
		return Decision{Delegate: false, Reason: "empty request"}
	}

	if _, excluded := c.excludedSources[strings.ToLower(req.Source)]; excluded {
		return Decision{Delegate: false, Reason: "excluded source: " + req.Source}
	}

	text := strings.TrimSpace(req.Text)
	if len(text) < c.utilityThreshold {
		return Decision{Delegate: false, Reason: "utility request below delegation threshold"}
	}

	if c.profile == nil || len(c.profile.Keywords) == 0 {
		return Decision{Delegate: false, Reason: "lane declares no inclusion keywords"}
	}

	lower := strings.ToLower(text)
	for _, kw := range c.profile.Keywords {
		if kw != "" && strings.Contains(lower, kw) {
			return Decision{Delegate: true, Reason: "matched keyword: " + kw}
		}
	}

	return Decision{Delegate: false, Reason: "no inclusion keyword matched"}
}
