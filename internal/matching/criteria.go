package matching

import (
	"strconv"
	"strings"

	"github.com/spigell/matchflow/internal/utils"
)

const (
	prefixLocation = "location:"
	prefixType     = "type:"
	prefixSalary   = "salary:"
	remoteToken    = "remote"
)

// Criteria is the structured reading of a user's preference list.
type Criteria struct {
	Keywords        []string
	Locations       []string
	EmploymentTypes []string
	RemoteOnly      bool
	MinSalary       int
}

// ParseCriteria reads preferences such as "backend", "location:Berlin",
// "type:full-time", "remote" and "salary:90000". Anything without a known
// prefix is a keyword. Unparsable salaries are ignored.
func ParseCriteria(prefs []string) Criteria {
	var c Criteria
	for _, raw := range utils.UniqueStrings(prefs) {
		lower := strings.ToLower(raw)
		switch {
		case lower == remoteToken:
			c.RemoteOnly = true
		case strings.HasPrefix(lower, prefixLocation):
			c.Locations = append(c.Locations, strings.TrimSpace(raw[len(prefixLocation):]))
		case strings.HasPrefix(lower, prefixType):
			c.EmploymentTypes = append(c.EmploymentTypes, strings.TrimSpace(raw[len(prefixType):]))
		case strings.HasPrefix(lower, prefixSalary):
			value := strings.NewReplacer(" ", "", "_", "", ",", "").Replace(raw[len(prefixSalary):])
			if n, err := strconv.Atoi(value); err == nil && n > 0 {
				c.MinSalary = n
			}
		default:
			c.Keywords = append(c.Keywords, raw)
		}
	}

	c.Locations = utils.UniqueStrings(c.Locations)
	c.EmploymentTypes = utils.UniqueStrings(c.EmploymentTypes)
	return c
}

// tokens splits s into lower-case words.
func tokens(s string) []string {
	return strings.FieldsFunc(strings.ToLower(s), func(r rune) bool {
		return !(r >= 'a' && r <= 'z' || r >= '0' && r <= '9' || r == '+' || r == '#' || r > 127)
	})
}

func containsFold(haystack, needle string) bool {
	needle = strings.TrimSpace(needle)
	return needle != "" && strings.Contains(strings.ToLower(haystack), strings.ToLower(needle))
}
