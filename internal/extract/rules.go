package extract

import (
	"regexp"

	"github.com/arbiterhq/arbiter/internal/model"
)

// Rule binds one phrase pattern to a dependency type. The first capture
// group is the dependency target phrase. Rules are applied in slice order;
// extraction order is part of the contract, so new rules go at the end of
// their section.
type Rule struct {
	Type    model.DependencyType
	Pattern *regexp.Regexp
}

// DefaultRules is the ordered phrase ruleset. Identifier and workflow
// scanning run after these, in Extractor.Extract.
func DefaultRules() []Rule {
	return []Rule{
		{model.DepDependsOn, regexp.MustCompile(`(?i)\bdepends?\s+on\s+([^.;:\n]+)`)},
		{model.DepRequires, regexp.MustCompile(`(?i)\brequires?\s+(.+?)(?:\s+to\s+complete(?:\s+first)?)?(?:[.;:\n]|$)`)},
		{model.DepAfterCompletion, regexp.MustCompile(`(?i)\bafter\s+(?:completion\s+of|completing|finishing)\s+([^.;:\n]+)`)},
		{model.DepBlockedBy, regexp.MustCompile(`(?i)\bblocked\s+(?:by|on)\s+([^.;:\n]+)`)},
		{model.DepNeedsFirst, regexp.MustCompile(`(?i)\bneeds?\s+(.+?)\s+first\b`)},
		{model.DepWaitingFor, regexp.MustCompile(`(?i)\bwaiting\s+(?:for|on)\s+([^.;:\n]+)`)},
		{model.DepWhenComplete, regexp.MustCompile(`(?i)\bwhen\s+(.+?)\s+(?:is\s+)?(?:complete[ds]?|done|finished)\b`)},
		{model.DepCannotStartUntil, regexp.MustCompile(`(?i)\bcan(?:not|'t)\s+start\s+until\s+([^.;:\n]+)`)},
		{model.DepPrerequisite, regexp.MustCompile(`(?i)\bprerequisites?\s*:?\s+([^.;:\n]+)`)},
	}
}

// Identifier patterns, applied after the phrase rules. Matches become
// task_id_reference hints with fixed confidence.
var idPatterns = []*regexp.Regexp{
	// Readable date-scoped ids: TASK-20260827-003
	regexp.MustCompile(`\bTASK-[0-9]{8}-[0-9]{3,}\b`),
	// Role-code numeric ids: DEV-042, FIN-7
	regexp.MustCompile(`\b[A-Z]{2,5}-[0-9]{1,5}\b`),
	// Structured ids: task_1700000000_ab12cd34
	regexp.MustCompile(`\btask_[0-9]{10}_[0-9a-f]{8}\b`),
	// UUID-style references
	regexp.MustCompile(`\b[0-9a-f]{8}-[0-9a-f]{4}-[0-9a-f]{4}-[0-9a-f]{4}-[0-9a-f]{12}\b`),
}

// rolePhrase maps a business-domain phrase to the role that owns it. The
// slice is ordered; the first phrase found in a match wins.
type rolePhrase struct {
	Phrase string
	Role   string
}

var rolePhrases = []rolePhrase{
	{"business number", "ceo"},
	{"incorporation", "ceo"},
	{"registration", "ceo"},
	{"payroll", "cfo"},
	{"accounting", "cfo"},
	{"invoice", "cfo"},
	{"budget", "cfo"},
	{"hosting", "devops"},
	{"deploy", "devops"},
	{"infrastructure", "devops"},
	{"domain setup", "devops"},
	{"marketing", "marketing_lead"},
	{"campaign", "marketing_lead"},
	{"design", "designer"},
	{"mockup", "designer"},
	{"frontend", "web_dev"},
	{"backend", "web_dev"},
	{"hiring", "hr_lead"},
	{"onboarding", "hr_lead"},
	{"contract", "legal"},
	{"compliance", "legal"},
}

// roleTokens are bare role names recognized anywhere in the text when no
// phrase matches.
var roleTokens = []string{
	"ceo", "cfo", "cto", "devops", "designer", "web_dev",
	"marketing_lead", "hr_lead", "legal", "coordinator",
}
