package planner

import (
	"regexp"
	"strconv"
	"strings"

	"github.com/rahul/stepwise/internal/tools"
)

var (
	stepLine    = regexp.MustCompile(`(?i)^\s*(?:step\s+)?(\d+)\s*[.):\-]\s*(.+)$`)
	timePhrase  = regexp.MustCompile(`(?i)\b(\d+)\s*(seconds?|secs?|s|minutes?|mins?|hours?|hrs?|h)\b`)
	toolKeyword = regexp.MustCompile(`(?i)\b(browser|shell|filesystem|files?|code|search|scraper|scrape|llm|schedule)\b`)
)

var toolAliases = map[string]tools.ToolID{
	"browser":    tools.ToolBrowser,
	"shell":      tools.ToolShell,
	"filesystem": tools.ToolFilesystem,
	"file":       tools.ToolFilesystem,
	"files":      tools.ToolFilesystem,
	"code":       tools.ToolCode,
	"search":     tools.ToolSearch,
	"scraper":    tools.ToolScraper,
	"scrape":     tools.ToolScraper,
	"llm":        tools.ToolLLM,
	"schedule":   tools.ToolScheduler,
}

// ParsePlan reads a numbered list out of free-form model output. Lines
// before the first numbered line are ignored; later unnumbered lines
// continue the current step. Steps are numbered 1..N in order of
// appearance, whatever numbers the text used.
func ParsePlan(text string) []PlannedStep {
	var steps []PlannedStep
	for _, raw := range strings.Split(text, "\n") {
		line := undecorate(raw)
		if line == "" {
			continue
		}
		if m := stepLine.FindStringSubmatch(line); m != nil {
			desc := strings.TrimSpace(m[2])
			if desc == "" {
				continue
			}
			steps = append(steps, PlannedStep{Number: len(steps) + 1, Description: desc})
			annotate(&steps[len(steps)-1], desc)
			continue
		}
		if len(steps) == 0 {
			continue
		}
		cur := &steps[len(steps)-1]
		cur.Description += " " + line
		annotate(cur, line)
	}
	return steps
}

var (
	boldMarks   = regexp.MustCompile(`\*\*([^*\n]+?)\*\*`)
	italicMarks = regexp.MustCompile(`(^|[\s(])\*([^\s*]|[^\s*][^*]*[^\s*])\*([\s).,:;!?]|$)`)
)

// undecorate strips markdown headings, bullets and emphasis. Asterisks that
// are not emphasis, such as globs or multiplication, are kept.
func undecorate(line string) string {
	line = strings.TrimSpace(line)
	line = strings.TrimSpace(strings.TrimLeft(line, "#"))
	for _, bullet := range []string{"- ", "* ", "+ "} {
		if strings.HasPrefix(line, bullet) {
			line = strings.TrimSpace(line[len(bullet):])
			break
		}
	}
	line = boldMarks.ReplaceAllString(line, "$1")
	line = italicMarks.ReplaceAllString(line, "$1$2$3")
	return strings.TrimSpace(line)
}

func annotate(s *PlannedStep, text string) {
	s.EstimatedSeconds += EstimateSeconds(text)
	for _, m := range toolKeyword.FindAllStringSubmatch(text, -1) {
		id := toolAliases[strings.ToLower(m[1])]
		name := id.String()
		if !containsString(s.ToolHints, name) {
			s.ToolHints = append(s.ToolHints, name)
		}
	}
}

// EstimateSeconds sums every "N seconds|minutes|hours" phrase in text.
func EstimateSeconds(text string) int {
	total := 0
	for _, m := range timePhrase.FindAllStringSubmatch(text, -1) {
		n, err := strconv.Atoi(m[1])
		if err != nil {
			continue
		}
		unit := strings.ToLower(m[2])
		switch {
		case strings.HasPrefix(unit, "h"):
			total += n * 3600
		case strings.HasPrefix(unit, "m"):
			total += n * 60
		default:
			total += n
		}
	}
	return total
}

func containsString(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
