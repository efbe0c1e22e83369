package knowledge

import (
	"context"
	"encoding/json"
	"regexp"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/BaSui01/biem/config"
	"github.com/BaSui01/biem/llm"
)

// maxTriplesPerMessage caps how many triples one message may contribute.
const maxTriplesPerMessage = 5

// minExtractableLength skips greetings and one-word replies outright.
const minExtractableLength = 10

// extractionTimeout bounds the LLM call; extraction is an enrichment
// and must never stall message processing.
const extractionTimeout = 15 * time.Second

const extractionSystemPrompt = `You are a knowledge extraction system. Analyze the user's message
and respond with JSON only:
{"is_factual": bool, "intent": "statement"|"correction"|"question"|"opinion",
 "confidence": 0.0..1.0,
 "triples": [{"subject": "...", "predicate": "...", "object": "...", "confidence": 0.0..1.0}]}

Rules:
- intent "correction" means the message fixes previously stated information.
- Questions and opinions are never factual and carry no triples.
- predicate is snake_case (e.g. context_window, created_by, release_year).
- Use subject "user" for personal information the speaker shares about
  themselves (name, location, preferences, and so on).
- confidence reflects how clear and unambiguous the statement is.

Examples:
"My name is Alice" ->
{"is_factual": true, "intent": "statement", "confidence": 1.0,
 "triples": [{"subject": "user", "predicate": "name", "object": "Alice", "confidence": 1.0}]}
"Redis 7 introduced sharded pub/sub" ->
{"is_factual": true, "intent": "statement", "confidence": 0.95,
 "triples": [{"subject": "Redis 7", "predicate": "introduced", "object": "sharded pub/sub", "confidence": 0.95}]}
"Actually, GPT-4 now supports 128k context, not 32k" ->
{"is_factual": true, "intent": "correction", "confidence": 0.9,
 "triples": [{"subject": "GPT-4", "predicate": "context_window", "object": "128k", "confidence": 0.9}]}
"I think Python is the best language" ->
{"is_factual": false, "intent": "opinion", "confidence": 0.8, "triples": []}
"What is the latest version of React?" ->
{"is_factual": false, "intent": "question", "confidence": 0.9, "triples": []}`

// Extractor asks an LLM to lift (subject, predicate, object) triples out
// of conversation text, then applies the strict filter so only shared,
// non-personal facts survive. A nil or failing LLM yields an empty,
// non-factual result; extraction never blocks message processing.
type Extractor struct {
	llm           llm.Provider
	minConfidence float64
	logger        *zap.Logger
}

// NewExtractor creates an extractor. provider may be nil, in which case
// every message extracts nothing.
func NewExtractor(provider llm.Provider, cfg config.KnowledgeConfig, logger *zap.Logger) *Extractor {
	if logger == nil {
		logger = zap.NewNop()
	}
	min := cfg.MinConfidence
	if min <= 0 {
		min = 0.5
	}
	return &Extractor{
		llm:           provider,
		minConfidence: min,
		logger:        logger.With(zap.String("component", "knowledge_extractor")),
	}
}

// extractionPayload is the JSON shape requested from the LLM.
type extractionPayload struct {
	IsFactual  bool    `json:"is_factual"`
	Intent     string  `json:"intent"`
	Confidence float64 `json:"confidence"`
	Triples    []struct {
		Subject    string  `json:"subject"`
		Predicate  string  `json:"predicate"`
		Object     string  `json:"object"`
		Confidence float64 `json:"confidence"`
	} `json:"triples"`
}

// Extract analyzes one message. role is the speaker and decides source
// attribution: assistant messages contribute agent_inferred triples,
// user corrections contribute user_correction, everything else
// user_stated.
func (e *Extractor) Extract(ctx context.Context, message string, role llm.Role) (*ExtractionResult, error) {
	result := &ExtractionResult{Intent: IntentStatement, Message: message}
	if e.llm == nil || len(strings.TrimSpace(message)) < minExtractableLength {
		return result, nil
	}

	ctx, cancel := context.WithTimeout(ctx, extractionTimeout)
	defer cancel()

	resp, err := e.llm.Completion(ctx, &llm.ChatRequest{
		Messages: []llm.Message{
			{Role: llm.RoleSystem, Content: extractionSystemPrompt},
			{Role: llm.RoleUser, Content: message},
		},
		JSONMode:    true,
		Temperature: 0,
	})
	if err != nil {
		e.logger.Debug("knowledge extraction failed", zap.Error(err))
		return result, nil
	}

	var payload extractionPayload
	if jerr := json.Unmarshal([]byte(extractJSONBlock(llm.FirstContent(resp))), &payload); jerr != nil {
		e.logger.Debug("knowledge extraction returned malformed JSON", zap.Error(jerr))
		return result, nil
	}

	result.Intent = ParseIntent(payload.Intent)
	result.Confidence = clamp01(payload.Confidence)
	if !payload.IsFactual || !result.Intent.Factual() {
		return result, nil
	}
	if result.Confidence < e.minConfidence {
		e.logger.Debug("knowledge extraction below confidence floor",
			zap.Float64("confidence", result.Confidence))
		return result, nil
	}
	result.Factual = true

	source := SourceUserStated
	if role == llm.RoleAssistant {
		source = SourceAgentInferred
	} else if result.Intent == IntentCorrection {
		source = SourceUserCorrection
	}

	dropped := 0
	for _, raw := range payload.Triples {
		if len(result.Triples) >= maxTriplesPerMessage {
			break
		}
		t := &Triple{
			Subject:    strings.TrimSpace(raw.Subject),
			Predicate:  NormalizePredicate(raw.Predicate),
			Object:     strings.TrimSpace(raw.Object),
			Confidence: clamp01(raw.Confidence),
			Source:     source,
		}
		if t.Confidence == 0 {
			t.Confidence = result.Confidence
		}
		if t.Subject == "" || t.Predicate == "" || t.Object == "" {
			continue
		}
		if !e.admit(t) {
			dropped++
			continue
		}
		result.Triples = append(result.Triples, t)
	}
	if dropped > 0 {
		e.logger.Debug("strict filter dropped triples",
			zap.Int("dropped", dropped),
			zap.Int("kept", len(result.Triples)))
	}
	return result, nil
}

// admit is the strict filter. Personal facts about the speaking user
// never enter the global knowledge base: they belong in scoped memory.
func (e *Extractor) admit(t *Triple) bool {
	if strings.ToLower(t.Subject) == "user" {
		return false
	}
	if IsPersonalPredicate(t.Predicate) {
		return false
	}
	return t.Confidence >= e.minConfidence
}

// personalPredicates are attributes of a person rather than the world;
// triples carrying them are rejected by the strict filter.
var personalPredicates = map[string]struct{}{
	"name": {}, "full_name": {}, "nickname": {},
	"age": {}, "birthday": {}, "birth_date": {}, "birth_year": {},
	"location": {}, "address": {}, "city": {}, "country": {}, "hometown": {},
	"email": {}, "email_address": {},
	"phone": {}, "phone_number": {},
	"preference": {}, "preferences": {},
	"favorite": {}, "favourite": {},
	"hobby": {}, "hobbies": {},
	"interest": {}, "interests": {},
	"goal": {}, "goals": {},
	"project": {}, "projects": {},
}

// personalPredicateStems catch compounds like ui_preference or
// favorite_color.
var personalPredicateStems = []string{"preference", "favorite", "favourite", "hobby"}

// IsPersonalPredicate reports whether a predicate names a personal
// attribute of the speaking user.
func IsPersonalPredicate(predicate string) bool {
	p := strings.ToLower(strings.TrimSpace(predicate))
	if _, ok := personalPredicates[p]; ok {
		return true
	}
	for _, stem := range personalPredicateStems {
		if strings.Contains(p, stem) {
			return true
		}
	}
	return false
}

var (
	predicateSeparators = regexp.MustCompile(`[\s\-]+`)
	predicateStrip      = regexp.MustCompile(`[^a-z0-9_]`)
)

// NormalizePredicate canonicalizes a predicate to snake_case so lookups
// and the uniqueness constraint see one spelling.
func NormalizePredicate(predicate string) string {
	p := strings.ToLower(strings.TrimSpace(predicate))
	p = predicateSeparators.ReplaceAllString(p, "_")
	p = predicateStrip.ReplaceAllString(p, "")
	return strings.Trim(p, "_")
}

// extractJSONBlock trims markdown code fences some models wrap around
// JSON.
func extractJSONBlock(s string) string {
	s = strings.TrimSpace(s)
	if strings.HasPrefix(s, "```") {
		s = strings.TrimPrefix(s, "```json")
		s = strings.TrimPrefix(s, "```")
		if i := strings.LastIndex(s, "```"); i >= 0 {
			s = s[:i]
		}
		s = strings.TrimSpace(s)
	}
	if i := strings.Index(s, "{"); i > 0 {
		s = s[i:]
	}
	return s
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
