// Package rules compiles rule specifications into expression trees and
// evaluates them against message headers.
package rules

import (
	"fmt"
	"regexp"
	"strings"
)

// Op tags the variant held by an Expr.
type Op int

const (
	OpAnd Op = iota
	OpOr
	OpField
)

// FieldKind names the message attribute a field match tests.
type FieldKind int

const (
	FieldFrom FieldKind = iota
	FieldSender
	FieldTo
	FieldCc
	FieldSubject
	FieldDate
	FieldGeneral
)

var specialFields = map[string]FieldKind{
	"from":    FieldFrom,
	"sender":  FieldSender,
	"to":      FieldTo,
	"cc":      FieldCc,
	"subject": FieldSubject,
	"date":    FieldDate,
}

// Field is the target of a field match. Name is the key as written in the
// rule; for FieldGeneral it is the header name looked up in the message.
type Field struct {
	Kind FieldKind
	Name string
}

func fieldFor(key string) Field {
	if kind, ok := specialFields[strings.ToLower(key)]; ok {
		return Field{Kind: kind, Name: key}
	}
	return Field{Kind: FieldGeneral, Name: key}
}

func (f Field) String() string {
	return f.Name
}

// Expr is a compiled rule. And/Or nodes carry at least one operand; field
// nodes carry a compiled pattern. An Expr is never modified after parsing.
type Expr struct {
	Op       Op
	Operands []*Expr
	Field    Field
	Pattern  *regexp.Regexp
}

// And returns the conjunction of operands.
func And(operands ...*Expr) *Expr {
	return &Expr{Op: OpAnd, Operands: operands}
}

// Or returns the disjunction of operands.
func Or(operands ...*Expr) *Expr {
	return &Expr{Op: OpOr, Operands: operands}
}

// FieldMatch returns a leaf testing the field named key against pattern.
func FieldMatch(key string, pattern *regexp.Regexp) *Expr {
	return &Expr{Op: OpField, Field: fieldFor(key), Pattern: pattern}
}

func (e *Expr) String() string {
	var b strings.Builder
	e.write(&b)
	return b.String()
}

func (e *Expr) write(b *strings.Builder) {
	switch e.Op {
	case OpAnd, OpOr:
		if e.Op == OpAnd {
			b.WriteString("and(")
		} else {
			b.WriteString("or(")
		}
		for i, operand := range e.Operands {
			if i > 0 {
				b.WriteString(", ")
			}
			operand.write(b)
		}
		b.WriteByte(')')
	case OpField:
		fmt.Fprintf(b, "%s=~/%s/", e.Field.Name, e.Pattern)
	}
}

// UnsupportedFields returns the field matches in e that cannot be
// evaluated.
func (e *Expr) UnsupportedFields() []Field {
	var out []Field
	var walk func(*Expr)
	walk = func(e *Expr) {
		if e.Op == OpField {
			if e.Field.Kind == FieldDate {
				out = append(out, e.Field)
			}
			return
		}
		for _, operand := range e.Operands {
			walk(operand)
		}
	}
	walk(e)
	return out
}

// RuleSet pairs a destination folder with the rule that selects messages
// for it.
type RuleSet struct {
	Destination string
	Rule        *Expr
}

// Destinations returns the distinct destinations of sets in declaration
// order.
func Destinations(sets []RuleSet) []string {
	seen := make(map[string]struct{}, len(sets))
	var out []string
	for _, set := range sets {
		if _, ok := seen[set.Destination]; ok {
			continue
		}
		seen[set.Destination] = struct{}{}
		out = append(out, set.Destination)
	}
	return out
}
