package analysis

import (
	"fmt"
	"math"
	"net/url"
	"regexp"
	"strings"

	"github.com/flemzord/mcpexec/internal/security"
)

// Level is the coarse risk classification.
type Level string

// Risk levels.
const (
	LevelLow      Level = "low"
	LevelMedium   Level = "medium"
	LevelHigh     Level = "high"
	LevelCritical Level = "critical"
)

// LevelFor maps a score to a level.
func LevelFor(score int) Level {
	switch {
	case score < 40:
		return LevelLow
	case score < 60:
		return LevelMedium
	case score < 80:
		return LevelHigh
	default:
		return LevelCritical
	}
}

// Factor names.
const (
	FactorSecurity   = "security"
	FactorSystem     = "system"
	FactorFilesystem = "filesystem"
	FactorNetwork    = "network"
	FactorComplexity = "complexity"
)

var factorWeights = map[string]float64{
	FactorSecurity:   0.40,
	FactorSystem:     0.25,
	FactorFilesystem: 0.15,
	FactorNetwork:    0.10,
	FactorComplexity: 0.10,
}

// RiskFactor is one weighted component of the overall score.
type RiskFactor struct {
	Name    string   `json:"name"`
	Score   int      `json:"score"`
	Weight  float64  `json:"weight"`
	Details []string `json:"details,omitempty"`
}

// RiskAssessment is the graded verdict on one program.
type RiskAssessment struct {
	Level            Level        `json:"risk_level"`
	Score            int          `json:"risk_score"`
	Factors          []RiskFactor `json:"factors"`
	Recommendation   string       `json:"recommendation"`
	RequiresApproval bool         `json:"requires_approval"`
}

// Factor returns the named factor and whether it exists.
func (a RiskAssessment) Factor(name string) (RiskFactor, bool) {
	for _, f := range a.Factors {
		if f.Name == name {
			return f, true
		}
	}
	return RiskFactor{}, false
}

type weightedPattern struct {
	re     *regexp.Regexp
	score  int
	detail string
}

var (
	networkAPIs = []weightedPattern{
		{regexp.MustCompile(`\bfetch\s*\(`), 30, "fetch"},
		{regexp.MustCompile(`\bXMLHttpRequest\b`), 30, "XMLHttpRequest"},
		{regexp.MustCompile(`\bWebSocket\b`), 30, "WebSocket"},
		{regexp.MustCompile(`\brequire\s*\(\s*['"](?:node:)?(?:https?|net|dgram|tls)['"]|from\s+['"](?:node:)?(?:https?|net|dgram|tls)['"]`), 30, "node network module"},
		{regexp.MustCompile(`\b(?:requests|httpx|urllib\w*|socket|aiohttp)\.\w+`), 30, "python network module"},
	}
	filesystemAPIs = []weightedPattern{
		{regexp.MustCompile(`\bfs\.(?:write|append|unlink|rm|rmdir|mkdir|rename|copyFile|chmod|chown)\w*\s*\(`), 40, "filesystem write"},
		{regexp.MustCompile(`\bfs\.(?:read|stat|exists|open|readdir|createReadStream)\w*\s*\(`), 15, "filesystem read"},
		{regexp.MustCompile(`\bos\.(?:remove|unlink|rmdir|makedirs|rename|chmod)\s*\(|\bshutil\.\w+\s*\(`), 40, "filesystem write"},
		{regexp.MustCompile(`\bopen\s*\([^)]*['"][wax]\+?b?['"]`), 40, "file opened for writing"},
		{regexp.MustCompile(`(?:^|[^.\w])open\s*\(`), 15, "file open"},
		{regexp.MustCompile(`['"](?:/etc/|/proc/|/sys/|~/\.ssh|/root/)`), 30, "sensitive path literal"},
	}
	systemAPIs = []weightedPattern{
		{regexp.MustCompile(`\bchild_process\b|\bsubprocess\b|\bos\.(?:system|popen)\b`), 60, "process execution API"},
		{regexp.MustCompile(`\b(?:exec|execSync|spawn|spawnSync|execFile)\s*\(`), 60, "process execution call"},
		{regexp.MustCompile(`\bprocess\.(?:exit|kill|chdir|setuid|setgid)\s*\(|\bos\.(?:kill|_exit|setuid|chdir)\s*\(|\bsys\.exit\s*\(`), 30, "process control"},
		{regexp.MustCompile(`\bprocess\.env\b|\bos\.environ\b|\bos\.getenv\s*\(`), 20, "environment access"},
	}
	branchRe = regexp.MustCompile(`\b(?:if|elif|for|while|case|catch|except)\b|&&|\|\||\?\?|\s\?\s`)
	urlRe    = regexp.MustCompile(`\b(?:https?|wss?)://[^\s'"` + "`" + `)<>]+`)
)

// Assessor grades a program using validator findings plus access heuristics.
// It is stateless and safe for concurrent use.
type Assessor struct{}

// NewAssessor creates an assessor.
func NewAssessor() *Assessor {
	return &Assessor{}
}

// Assess computes the risk of code. hosts is the sandbox network policy as
// a host filter; URL literals it rejects raise the network factor. A nil
// filter treats every URL literal as allowed.
func (a *Assessor) Assess(code string, validation ValidationResult, hosts *security.HostPolicy) RiskAssessment {
	factors := []RiskFactor{
		securityFactor(validation),
		systemFactor(code),
		scanFactor(FactorFilesystem, code, filesystemAPIs),
		networkFactor(code, hosts),
		complexityFactor(code),
	}

	var total float64
	for i := range factors {
		factors[i].Weight = factorWeights[factors[i].Name]
		total += factors[i].Weight * float64(factors[i].Score)
	}
	score := clamp(int(math.Round(total)))
	level := LevelFor(score)

	return RiskAssessment{
		Level:            level,
		Score:            score,
		Factors:          factors,
		Recommendation:   recommendation(level),
		RequiresApproval: score >= ApprovalThreshold,
	}
}

func securityFactor(v ValidationResult) RiskFactor {
	f := RiskFactor{Name: FactorSecurity, Score: clamp(v.RiskScore)}
	for _, is := range v.Issues {
		f.Details = append(f.Details, fmt.Sprintf("line %d: %s", is.Line, is.Description))
	}
	return f
}

func systemFactor(code string) RiskFactor {
	f := scanFactor(FactorSystem, code, systemAPIs)
	score := f.Score
	for _, cmd := range ShellLiterals(code) {
		for _, finding := range AnalyzeShell(cmd) {
			score += finding.Severity.Weight()
			f.Details = append(f.Details, fmt.Sprintf("%s in %q", finding.Reason, cmd))
		}
	}
	f.Score = clamp(score)
	return f
}

func networkFactor(code string, hosts *security.HostPolicy) RiskFactor {
	f := scanFactor(FactorNetwork, code, networkAPIs)
	score := f.Score
	seen := map[string]bool{}
	for _, raw := range urlRe.FindAllString(code, -1) {
		u, err := url.Parse(raw)
		if err != nil || u.Hostname() == "" {
			continue
		}
		host := strings.ToLower(u.Hostname())
		if seen[host] {
			continue
		}
		seen[host] = true
		if hosts != nil {
			if err := hosts.CheckHost(host); err != nil {
				score += 40
				f.Details = append(f.Details, "host outside network policy: "+host)
				continue
			}
		}
		score += 10
		f.Details = append(f.Details, "url literal: "+host)
	}
	f.Score = clamp(score)
	return f
}

func complexityFactor(code string) RiskFactor {
	lines := 0
	for _, l := range strings.Split(code, "\n") {
		if strings.TrimSpace(l) != "" {
			lines++
		}
	}
	cyclomatic := 1 + len(branchRe.FindAllStringIndex(code, -1))
	return RiskFactor{
		Name:    FactorComplexity,
		Score:   clamp(lines/10 + (cyclomatic-1)*5),
		Details: []string{fmt.Sprintf("%d lines, cyclomatic %d", lines, cyclomatic)},
	}
}

func scanFactor(name, code string, patterns []weightedPattern) RiskFactor {
	f := RiskFactor{Name: name}
	score := 0
	for _, p := range patterns {
		if n := len(p.re.FindAllStringIndex(code, -1)); n > 0 {
			score += p.score * n
			f.Details = append(f.Details, fmt.Sprintf("%s (%d)", p.detail, n))
		}
	}
	f.Score = clamp(score)
	return f
}

func recommendation(l Level) string {
	switch l {
	case LevelLow:
		return "safe to execute in any sandbox"
	case LevelMedium:
		return "execute in an isolated sandbox and review the output"
	case LevelHigh:
		return "operator review recommended; execute only in a container"
	default:
		return "block execution until an operator approves"
	}
}

func clamp(n int) int {
	return max(0, min(MaxScore, n))
}
