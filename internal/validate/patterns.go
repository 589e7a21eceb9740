// ABOUTME: Adversarial input pattern sets scanned against every string parameter
// ABOUTME: Categories are checked in a fixed order; the first match wins

package validate

import "regexp"

// Category names an adversarial input class.
type Category string

const (
	CategorySQLInjection     Category = "sql_injection"
	CategoryXSS              Category = "xss"
	CategoryCommandInjection Category = "command_injection"
	CategoryPathTraversal    Category = "path_traversal"
)

type patternSet struct {
	category Category
	patterns []*regexp.Regexp
}

func compileAll(exprs ...string) []*regexp.Regexp {
	out := make([]*regexp.Regexp, len(exprs))
	for i, e := range exprs {
		out[i] = regexp.MustCompile(e)
	}
	return out
}

// patternSets is ordered; Scan reports the first category that matches.
var patternSets = []patternSet{
	{
		category: CategorySQLInjection,
		patterns: compileAll(
			`(?i)'\s*(or|and)\s+'[^']*'\s*=\s*'`, // ' OR '1'='1
			`(?i)\b(or|and)\s+\d+\s*=\s*\d+`,      // OR 1=1
			`'\s*;`,                               // '; DROP ...
			`'\s*--`,
			`(?i);\s*(drop|delete|insert|update|alter|create|truncate|exec|shutdown)\s`,
			`(?i)\bunion\s+(all\s+)?select\b`,
			`(?i)\b(drop|truncate)\s+table\b`,
			`/\*.*\*/`,
			`(?i)\b(sleep|benchmark|pg_sleep)\s*\(`,
			`(?i)\bwaitfor\s+delay\b`,
			`(?i)\bxp_cmdshell\b`,
		),
	},
	{
		category: CategoryXSS,
		patterns: compileAll(
			`(?i)<\s*/?\s*script\b`,
			`(?i)<\s*(iframe|object|embed|svg|img|body|style|link|meta|base|form)\b`,
			`(?i)<[^>]*\bon[a-z]+\s*=`,
			`(?i)\b(javascript|vbscript)\s*:`,
			`(?i)\bdata\s*:\s*text/html`,
			`(?i)\bexpression\s*\(`,
		),
	},
	{
		category: CategoryCommandInjection,
		patterns: compileAll(
			// a command after a separator only counts when it takes a shell-shaped argument
			`(?i)[;&|]\s*(rm|cat|curl|wget|nc|ncat|bash|sh|zsh|python3?|perl|ruby|php|chmod|chown|ls|ping|kill|sudo)\s+(-|/|~|\.\.?/|\$|https?://)`,
			`(?i)[;&|]\s*(id|whoami|uname)\s*($|[;&|])`,
			`(?i)\|\s*(sh|bash|zsh|nc|ncat|python3?|perl|ruby|php)\s*($|[;&|<>-])`,
			`(?i)(&&|\|\|)\s*(rm|cat|curl|wget|nc|ncat|bash|sh|zsh|python3?|perl|chmod|chown|ls|id|whoami|uname|ping|kill|sudo)\b`,
			"`[^`]*`",
			`\$\([^)]*\)`,
			`\$\{[^}]*\}`,
			`>\s*/(dev|etc|tmp|var)/`,
		),
	},
	{
		category: CategoryPathTraversal,
		patterns: compileAll(
			`\.\.[/\\]`,
			`[/\\]\.\.`,
			`(?i)%2e%2e`,
			`(?i)%252e`,
			`(?i)\.\.%(2f|5c)`,
			`(?i)%00`,
			`\x00`,
			`^\s*(/|~/|[a-zA-Z]:[\\/])[\w.\-]+[/\\]`, // absolute paths with a directory component
		),
	},
}

// Scan returns the first adversarial category matched by s.
func Scan(s string) (Category, bool) {
	for _, set := range patternSets {
		for _, re := range set.patterns {
			if re.MatchString(s) {
				return set.category, true
			}
		}
	}
	return "", false
}
