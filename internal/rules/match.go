package rules

import (
	"fmt"
	"regexp"

	"github.com/tracyhatemice/mailsort/internal/message"
)

// UnsupportedFieldError is returned when a rule tests a field that is
// recognised but cannot be evaluated.
type UnsupportedFieldError struct {
	Field Field
}

func (e *UnsupportedFieldError) Error() string {
	return fmt.Sprintf("matching on field %q is not supported", e.Field.Name)
}

// Match reports whether msg satisfies e. Patterns match anywhere in the
// field value. A missing optional field never matches.
func Match(e *Expr, msg *message.Message) (bool, error) {
	switch e.Op {
	case OpAnd:
		for _, operand := range e.Operands {
			ok, err := Match(operand, msg)
			if err != nil || !ok {
				return false, err
			}
		}
		return true, nil
	case OpOr:
		for _, operand := range e.Operands {
			ok, err := Match(operand, msg)
			if err != nil {
				return false, err
			}
			if ok {
				return true, nil
			}
		}
		return false, nil
	case OpField:
		return matchField(e.Field, e.Pattern, msg)
	}
	return false, fmt.Errorf("unknown rule operator %d", e.Op)
}

// Matches reports whether msg satisfies the rule set.
func (s RuleSet) Matches(msg *message.Message) (bool, error) {
	return Match(s.Rule, msg)
}

func matchField(f Field, re *regexp.Regexp, msg *message.Message) (bool, error) {
	switch f.Kind {
	case FieldFrom:
		return anyMatch(re, msg.From), nil
	case FieldTo:
		return anyMatch(re, msg.To), nil
	case FieldCc:
		return anyMatch(re, msg.Cc), nil
	case FieldSender:
		return msg.HasSender && re.MatchString(msg.Sender), nil
	case FieldSubject:
		return msg.HasSubject && re.MatchString(msg.Subject), nil
	case FieldDate:
		return false, &UnsupportedFieldError{Field: f}
	case FieldGeneral:
		v, ok := msg.Header(f.Name)
		return ok && re.MatchString(v), nil
	}
	return false, &UnsupportedFieldError{Field: f}
}

func anyMatch(re *regexp.Regexp, values []string) bool {
	for _, v := range values {
		if re.MatchString(v) {
			return true
		}
	}
	return false
}
