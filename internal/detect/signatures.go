package detect

import (
	"context"
	"regexp"

	"github.com/apiwatch/backend/internal/config"
)

// Attack pattern families. Patterns are fixed; tuning happens through the
// detector weight, not the catalogue.
const (
	AttackSQLInjection     = "sql_injection"
	AttackXSS              = "xss"
	AttackPathTraversal    = "path_traversal"
	AttackCommandInjection = "command_injection"
)

type signatureFamily struct {
	name     string
	patterns []*regexp.Regexp
}

func compileFamily(name string, patterns ...string) signatureFamily {
	compiled := make([]*regexp.Regexp, 0, len(patterns))
	for _, p := range patterns {
		compiled = append(compiled, regexp.MustCompile(`(?i)`+p))
	}
	return signatureFamily{name: name, patterns: compiled}
}

var signatureFamilies = []signatureFamily{
	compileFamily(AttackSQLInjection,
		`\bUNION\b.*\bSELECT\b`,
		`\bOR\b\s+\d+\s*=\s*\d+`,
		`';?\s*DROP\s+TABLE`,
		`--\s*$`,
		`/\*.*\*/`,
	),
	compileFamily(AttackXSS,
		`<script[^>]*>.*?</script>`,
		`javascript:`,
		`onerror\s*=`,
		`onload\s*=`,
	),
	compileFamily(AttackPathTraversal,
		`\.\./`,
		`\.\.\\`,
		`%2e%2e/`,
		`%2e%2e\\`,
	),
	compileFamily(AttackCommandInjection,
		`;\s*\w+`,
		`\|\s*\w+`,
		"`.*`",
		`\$\(.*\)`,
	),
}

// SignatureDetector scans the endpoint plus serialized headers for known
// attack patterns. It emits at most one detection per family per request.
type SignatureDetector struct {
	weight float64
}

func NewSignatureDetector(s config.DetectorSettings) *SignatureDetector {
	d := &SignatureDetector{weight: s.Weight}
	if d.weight <= 0 {
		d.weight = 9
	}
	return d
}

func (d *SignatureDetector) Name() string { return config.DetectorAttackSignature }

func (d *SignatureDetector) Detect(ctx context.Context, rec *Record) ([]Detection, error) {
	haystack := rec.Endpoint
	if rec.HeadersJSON != "" {
		haystack += " " + rec.HeadersJSON
	}

	var detections []Detection
	for _, family := range signatureFamilies {
		for _, pattern := range family.patterns {
			if pattern.MatchString(haystack) {
				detections = append(detections, Detection{
					Detector: d.Name(),
					Score:    capScore(d.weight),
					Reason:   "Attack signature detected: " + family.name,
					Metadata: map[string]interface{}{
						"attack_type": family.name,
						"pattern":     pattern.String(),
					},
				})
				break
			}
		}
	}
	return detections, nil
}
