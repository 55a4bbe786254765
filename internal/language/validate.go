package language

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/sakif/coderunner/internal/apperror"
	"github.com/sakif/coderunner/internal/executor"
)

// patternValidator rejects code that is empty, too large, or matches any of
// a list of dangerous patterns. It is a speed bump, not a sandbox: the
// worker programs restrict builtins and resources on their own.
type patternValidator struct {
	language string
	patterns []*regexp.Regexp
}

func newValidator(language string, patterns ...string) executor.Validator {
	v := &patternValidator{language: language}
	for _, p := range patterns {
		v.patterns = append(v.patterns, regexp.MustCompile(p))
	}
	return v
}

func (v *patternValidator) Validate(code string) error {
	if strings.TrimSpace(code) == "" {
		return apperror.InvalidInput("code", "code must not be empty")
	}
	if len(code) > MaxCodeSize {
		return apperror.InvalidInput("code", fmt.Sprintf("code is too long (max %dKB)", MaxCodeSize/1000))
	}
	for _, re := range v.patterns {
		if re.MatchString(code) {
			return apperror.InvalidInput("code", "code contains potentially dangerous operations")
		}
	}
	return nil
}
