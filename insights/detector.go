package insights

import (
	"regexp"
	"strings"
)

// Detector finds noteworthy moments and interest signals in conversation
// text. All patterns are compiled once at construction and are safe for
// concurrent use.
type Detector struct {
	learningPatterns []*regexp.Regexp
	problemPatterns  []*regexp.Regexp
	likePattern      *regexp.Regexp
	projectPatterns  []*regexp.Regexp
	techKeywords     []string
}

// snippetLength bounds how much of the source text is quoted in an insight
const snippetLength = 100

// NewDetector creates a detector with the built-in pattern sets.
func NewDetector() *Detector {
	return &Detector{
		learningPatterns: compileAll(
			`i (didn't know|had no idea|never realized)`,
			`(wow|oh|interesting).{0,20}(i|that)`,
			`(makes sense|i see|i understand)`,
			`(learned|discovered|found out)`,
		),
		problemPatterns: compileAll(
			`(how do i|how can i|help me)`,
			`(stuck|confused|struggling)`,
			`(problem|issue|challenge|difficulty)`,
			`(solution|fix|resolve|solve)`,
		),
		likePattern: regexp.MustCompile(`i (like|love|enjoy|am interested in) ([^.!?]+)`),
		projectPatterns: compileAll(
			`(working on|building|creating|developing) ([^.!?]+)`,
			`my (project|app|website|tool) ([^.!?]+)`,
		),
		techKeywords: []string{
			"python", "javascript", "docker", "kubernetes", "ai", "machine learning",
			"react", "vue", "angular", "nodejs", "rust", "go", "java", "c++",
			"blockchain", "crypto", "web3", "apis", "databases", "sql",
		},
	}
}

func compileAll(patterns ...string) []*regexp.Regexp {
	compiled := make([]*regexp.Regexp, 0, len(patterns))
	for _, p := range patterns {
		compiled = append(compiled, regexp.MustCompile(p))
	}
	return compiled
}

// DetectLearningMoment reports whether the text looks like the user just
// learned something, returning a short description when it does.
func (d *Detector) DetectLearningMoment(text string) (string, bool) {
	lower := strings.ToLower(text)
	for _, p := range d.learningPatterns {
		if p.MatchString(lower) {
			return "Learning moment detected: " + snippet(text), true
		}
	}
	return "", false
}

// DetectProblemSolving reports whether the text is part of a
// problem-solving discussion.
func (d *Detector) DetectProblemSolving(text string) (string, bool) {
	lower := strings.ToLower(text)
	for _, p := range d.problemPatterns {
		if p.MatchString(lower) {
			return "Problem-solving discussion: " + snippet(text), true
		}
	}
	return "", false
}

// ExtractInterests returns deduplicated interest phrases found in the text:
// explicit "i like/love/enjoy ..." statements plus known technology
// keywords.
func (d *Detector) ExtractInterests(text string) []string {
	lower := strings.ToLower(text)
	seen := make(map[string]bool)
	var interests []string

	for _, match := range d.likePattern.FindAllStringSubmatch(lower, -1) {
		interest := strings.TrimSpace(match[2])
		if interest != "" && !seen[interest] {
			seen[interest] = true
			interests = append(interests, interest)
		}
	}

	for _, keyword := range d.techKeywords {
		if strings.Contains(lower, keyword) && !seen[keyword] {
			seen[keyword] = true
			interests = append(interests, keyword)
		}
	}

	return interests
}

// ExtractProjects returns project descriptions mentioned in the text,
// e.g. "working on a recipe app".
func (d *Detector) ExtractProjects(text string) []string {
	lower := strings.ToLower(text)
	seen := make(map[string]bool)
	var projects []string

	for _, p := range d.projectPatterns {
		for _, match := range p.FindAllStringSubmatch(lower, -1) {
			project := strings.TrimSpace(match[2])
			if project != "" && !seen[project] {
				seen[project] = true
				projects = append(projects, project)
			}
		}
	}

	return projects
}

func snippet(text string) string {
	if len(text) <= snippetLength {
		return text
	}
	return text[:snippetLength] + "..."
}
