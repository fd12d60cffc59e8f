package capability

import (
	"net/url"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"github.com/rahul/stepwise/internal/action"
	"github.com/rahul/stepwise/internal/tools"
)

// ---------------------------------------------------------------------------
// Matchers
// ---------------------------------------------------------------------------

// KeywordMatcher matches when any keyword occurs in the lower-cased description.
type KeywordMatcher []string

func (m KeywordMatcher) Match(description string) bool {
	return containsAny(description, m...)
}

// PatternMatcher matches a regular expression.
type PatternMatcher struct {
	Pattern *regexp.Regexp
}

func (m PatternMatcher) Match(description string) bool {
	return m.Pattern.MatchString(description)
}

// AnyOf matches when any of its matchers does.
type AnyOf []Matcher

func (m AnyOf) Match(description string) bool {
	for _, mm := range m {
		if mm.Match(description) {
			return true
		}
	}
	return false
}

// Always matches every description.
type Always struct{}

func (Always) Match(string) bool { return true }

var (
	urlPattern      = regexp.MustCompile(`(?i)\bhttps?://[^\s<>"'()\[\]]+`)
	everyPattern    = regexp.MustCompile(`(?i)\bevery\s+(\d+\s*)?(second|sec|minute|min|hour|hr|day)s?\b`)
	backtickPattern = regexp.MustCompile("`([^`]+)`")
	quotedPattern   = regexp.MustCompile(`"([^"]*)"|'([^']*)'`)
	pathPattern     = regexp.MustCompile(`(?:^|\s)((?:\.{0,2}/)?[\w.-]+(?:/[\w.-]+)*\.[A-Za-z0-9]{1,8})\b`)
	dirPattern      = regexp.MustCompile(`(?:directory|folder|dir)\s+(?:named\s+|called\s+)?([\w./-]+)`)
)

// Default matchers, one per handler kind.
var (
	WebMatcher = AnyOf{
		PatternMatcher{urlPattern},
		KeywordMatcher{"website", "web page", "webpage", "browse", "navigate", "open the page", "click"},
	}
	ScheduleMatcher = AnyOf{
		PatternMatcher{everyPattern},
		KeywordMatcher{"schedule", "remind me", "recurring", "daily", "hourly"},
	}
	ResearchMatcher = KeywordMatcher{"search", "look up", "lookup", "research", "find out", "find information", "google", "latest news"}
	CodeMatcher     = KeywordMatcher{"code", "script", "program", "function", "implement", "python", "javascript", "golang", "algorithm"}
	FileMatcher     = KeywordMatcher{"file", "directory", "folder", "mkdir", "workspace"}
	ShellMatcher    = KeywordMatcher{"shell", "command", "terminal", "bash", "`", "install ", "git ", "docker", "curl "}
)

// ---------------------------------------------------------------------------
// Decomposers
// ---------------------------------------------------------------------------

// Web navigates to the first URL in the description, or to a search page
// when there is none, then adds the page interactions the description asks
// for: typing, clicks, key presses, waits, scrolling and history moves.
// Asking to scrape or fetch an article reads the page without a browser.
var Web = DecomposeFunc(func(description string) []action.Action {
	lower := strings.ToLower(description)
	target := firstURL(description)
	if target != "" && containsAny(lower, "scrape", "fetch", "article") {
		acts := []action.Action{
			action.New("fetch", tools.ToolScraper).With("url", action.Lit(target)),
		}
		if containsAny(lower, "summar", "explain", "key points") {
			acts = append(acts, action.New("generate", tools.ToolLLM).
				With("instruction", action.Lit("Summarize the following article.")).
				With("input", action.PreviousProperty("content")))
		}
		return acts
	}
	if target == "" {
		target = "https://duckduckgo.com/?q=" + url.QueryEscape(description)
	}

	acts := []action.Action{
		action.New("navigate", tools.ToolBrowser).With("url", action.Lit(target)),
	}
	acts = append(acts, pageInteractions(description)...)
	if containsAny(lower, "extract", "content", "html", "text of", "read the page") {
		acts = append(acts, action.New("content", tools.ToolBrowser))
	}
	if containsAny(lower, "screenshot", "capture the page") {
		acts = append(acts, action.New("screenshot", tools.ToolBrowser))
	}
	return acts
})

var (
	typePattern   = regexp.MustCompile(`(?i)\btype\s+["']([^"']+)["']\s+(?:into|in)\s+(?:the\s+)?["']([^"']+)["']`)
	clickPattern  = regexp.MustCompile(`(?i)\bclick\s+(?:on\s+)?(?:the\s+)?["']([^"']+)["']`)
	pressPattern  = regexp.MustCompile(`(?i)\bpress\s+(?:the\s+)?(enter|return|tab|escape|esc|backspace)\b`)
	waitPattern   = regexp.MustCompile(`(?i)\bwait\s+(?:for|until)\s+["']([^"']+)["']`)
	scrollPattern = regexp.MustCompile(`(?i)\bscroll\b(?:\s+(?:down\s+)?to\s+["']([^"']+)["'])?`)
	historyWords  = regexp.MustCompile(`(?i)\b(go\s+back|go\s+forward|reload|refresh)\b`)
)

// pageInteractions returns the in-page browser actions a description asks
// for, in the order they appear in the text.
func pageInteractions(description string) []action.Action {
	type found struct {
		at  int
		act action.Action
	}
	var all []found
	add := func(at int, a action.Action) { all = append(all, found{at, a}) }
	browser := func(op string) action.Action { return action.New(op, tools.ToolBrowser) }

	for _, m := range typePattern.FindAllStringSubmatchIndex(description, -1) {
		add(m[0], browser("type").
			With("text", action.Lit(description[m[2]:m[3]])).
			With("selector", action.Lit(description[m[4]:m[5]])))
	}
	for _, m := range clickPattern.FindAllStringSubmatchIndex(description, -1) {
		add(m[0], browser("click").With("selector", action.Lit(description[m[2]:m[3]])))
	}
	for _, m := range pressPattern.FindAllStringSubmatchIndex(description, -1) {
		add(m[0], browser("press").With("key", action.Lit(strings.ToLower(description[m[2]:m[3]]))))
	}
	for _, m := range waitPattern.FindAllStringSubmatchIndex(description, -1) {
		add(m[0], browser("wait").With("selector", action.Lit(description[m[2]:m[3]])))
	}
	for _, m := range scrollPattern.FindAllStringSubmatchIndex(description, -1) {
		a := browser("scroll")
		if m[2] >= 0 {
			a = a.With("selector", action.Lit(description[m[2]:m[3]]))
		}
		add(m[0], a)
	}
	for _, m := range historyWords.FindAllStringSubmatchIndex(description, -1) {
		word := strings.ToLower(description[m[2]:m[3]])
		switch {
		case strings.HasSuffix(word, "back"):
			add(m[0], browser("back"))
		case strings.HasSuffix(word, "forward"):
			add(m[0], browser("forward"))
		default:
			add(m[0], browser("reload"))
		}
	}

	sort.SliceStable(all, func(i, j int) bool { return all[i].at < all[j].at })
	acts := make([]action.Action, len(all))
	for i, f := range all {
		acts[i] = f.act
	}
	return acts
}

// maxEveryCount bounds "every N <unit>"; larger or unparsable counts fall
// back to the hourly default.
const maxEveryCount = 1000

// Schedule stores a recurring submission, or clears existing ones.
var Schedule = DecomposeFunc(func(description string) []action.Action {
	lower := strings.ToLower(description)
	if containsAny(lower, "clear schedule", "cancel schedule", "clear all schedule", "stop reminders", "clear reminders") {
		return []action.Action{action.New("clear", tools.ToolScheduler)}
	}

	interval := 3600
	task := description
	if m := everyPattern.FindStringSubmatchIndex(description); m != nil {
		n, err := 1, error(nil)
		if m[2] >= 0 {
			n, err = strconv.Atoi(strings.TrimSpace(description[m[2]:m[3]]))
		}
		if err == nil && n > 0 && n <= maxEveryCount {
			interval = n * unitSeconds(strings.ToLower(description[m[4]:m[5]]))
		}
		task = strings.TrimSpace(description[:m[0]] + description[m[1]:])
	} else if strings.Contains(lower, "daily") {
		interval = 86400
	}
	task = strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(task), "Schedule"))
	task = strings.Trim(task, " ,.:")
	if task == "" {
		task = description
	}

	return []action.Action{
		action.New("schedule", tools.ToolScheduler).
			With("task_description", action.Lit(task)).
			With("interval_seconds", action.Lit(interval)),
	}
})

// Research searches the web and, when asked to, summarises the results.
var Research = DecomposeFunc(func(description string) []action.Action {
	lower := strings.ToLower(description)
	query := stripLeading(description, "search the web for", "search for", "search", "look up", "lookup", "research", "find out", "find information about", "google")

	acts := []action.Action{
		action.New("search", tools.ToolSearch).With("query", action.Lit(query)),
	}
	if containsAny(lower, "summar", "explain", "overview", "report", "compare") {
		acts = append(acts, action.New("generate", tools.ToolLLM).
			With("instruction", action.Lit("Summarize the following search results for: "+query)).
			With("input", action.PreviousProperty("results")))
	}
	return acts
})

// Code generates source code and runs it when the description asks for execution.
var Code = DecomposeFunc(func(description string) []action.Action {
	lower := strings.ToLower(description)
	language := detectLanguage(lower)

	acts := []action.Action{
		action.New("generate_code", tools.ToolLLM).
			With("prompt", action.Lit(description)).
			With("language", action.Lit(language)),
	}
	if containsAny(lower, "run", "execute", "test", "output", "print") {
		acts = append(acts, action.New("execute_code", tools.ToolCode).
			With("code", action.Previous()).
			With("language", action.Lit(language)))
	}
	return acts
})

// File maps file verbs onto filesystem operations, in a fixed order.
var File = DecomposeFunc(func(description string) []action.Action {
	lower := strings.ToLower(description)
	path := firstPath(description)
	content := firstQuoted(description)

	var acts []action.Action
	if containsAny(lower, "mkdir", "create a directory", "create directory", "create a folder", "create folder", "make a folder", "make a directory") {
		dir := path
		if m := dirPattern.FindStringSubmatch(description); m != nil {
			dir = m[1]
		}
		acts = append(acts, action.New("mkdir", tools.ToolFilesystem).With("path", action.Lit(orDefault(dir, "output"))))
	} else if containsAny(lower, "write", "save", "create") {
		acts = append(acts, action.New("write", tools.ToolFilesystem).
			With("path", action.Lit(orDefault(path, "output.txt"))).
			With("content", action.Lit(content)))
	}
	if containsAny(lower, "read", "open", "show", "cat ") {
		acts = append(acts, action.New("read", tools.ToolFilesystem).With("path", action.Lit(orDefault(path, "output.txt"))))
	}
	if strings.Contains(lower, "list") {
		acts = append(acts, action.New("list", tools.ToolFilesystem).With("path", action.Lit(".")))
	}
	if containsAny(lower, "delete", "remove") && path != "" {
		acts = append(acts, action.New("delete", tools.ToolFilesystem).With("path", action.Lit(path)))
	}
	if len(acts) == 0 {
		acts = append(acts, action.New("list", tools.ToolFilesystem).With("path", action.Lit(".")))
	}
	return acts
})

// Shell runs the back-quoted command, or the text after "run", or the whole description.
var Shell = DecomposeFunc(func(description string) []action.Action {
	command := ""
	if m := backtickPattern.FindStringSubmatch(description); m != nil {
		command = m[1]
	} else {
		command = stripLeading(description, "run the command", "run command", "execute the command", "execute command", "run", "execute")
	}
	return []action.Action{
		action.New("run", tools.ToolShell).With("command", action.Lit(command)),
	}
})

// General asks the language model to carry out the step as written.
var General = DecomposeFunc(func(description string) []action.Action {
	return []action.Action{
		action.New("generate", tools.ToolLLM).With("instruction", action.Lit(description)),
	}
})

// ---------------------------------------------------------------------------
// Helpers
// ---------------------------------------------------------------------------

func containsAny(s string, subs ...string) bool {
	for _, sub := range subs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}

func firstURL(s string) string {
	u := urlPattern.FindString(s)
	return strings.TrimRight(u, ".,;:!?")
}

func firstQuoted(s string) string {
	m := quotedPattern.FindStringSubmatch(s)
	if m == nil {
		return ""
	}
	if m[1] != "" {
		return m[1]
	}
	return m[2]
}

func firstPath(s string) string {
	// Quoted text is content, not a path.
	unquoted := quotedPattern.ReplaceAllString(s, " ")
	m := pathPattern.FindStringSubmatch(unquoted)
	if m == nil {
		return ""
	}
	return strings.TrimRight(m[1], ".")
}

// stripLeading removes the first matching case-insensitive prefix.
func stripLeading(s string, prefixes ...string) string {
	trimmed := strings.TrimSpace(s)
	lower := strings.ToLower(trimmed)
	for _, p := range prefixes {
		if strings.HasPrefix(lower, p+" ") || strings.HasPrefix(lower, p+":") {
			rest := strings.TrimSpace(strings.TrimLeft(trimmed[len(p):], " :"))
			if rest != "" {
				return rest
			}
		}
	}
	return trimmed
}

func detectLanguage(lower string) string {
	switch {
	case containsAny(lower, "javascript", "node.js", "nodejs"):
		return "javascript"
	case containsAny(lower, "bash", "shell script"):
		return "bash"
	case containsAny(lower, "golang", " in go ", " go program"):
		return "go"
	default:
		return "python"
	}
}

func unitSeconds(unit string) int {
	switch {
	case strings.HasPrefix(unit, "sec"):
		return 1
	case strings.HasPrefix(unit, "min"):
		return 60
	case strings.HasPrefix(unit, "h"):
		return 3600
	case strings.HasPrefix(unit, "day"):
		return 86400
	default:
		return 60
	}
}

func orDefault(s, def string) string {
	if s == "" {
		return def
	}
	return s
}
