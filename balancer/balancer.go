// Package balancer classifies SQL statements as reads or writes so a load
// balancer can route them to a replica or to the primary.
package balancer

import (
	"fmt"
	"regexp"
	"strings"
	"unicode"
)

type clusterMemberType string

const (
	Writable    = clusterMemberType("writable")
	NonWritable = clusterMemberType("non-writable")
)

var (
	writePrefixes = []string{
		"insert", "update", "delete", "replace", "upsert", "merge",
		"create", "alter", "drop", "truncate", "grant", "revoke",
		"copy", "lock", "begin", "commit", "rollback", "savepoint",
		"vacuum", "reindex", "cluster", "refresh", "call", "do",
	}
	readPrefixes = []string{
		"select", "values", "with", "show", "explain", "table",
	}

	lockingRead      = regexp.MustCompile(`(?is)\bfor\s+(no\s+key\s+)?(update|share|key\s+share)\b`)
	dataModifyingCTE = regexp.MustCompile(`(?is)\b(insert|update|delete)\b`)
)

// RequiresWrite reports whether the statement expr has to run on the
// primary. A leading {{writable}} or {{non-writable}} hint overrides the
// classification and is stripped from the returned statement. Statements
// that cannot be classified get _default.
func RequiresWrite(expr string, _default bool) (string, bool) {
	trimmedS := strings.ToLower(strings.TrimLeftFunc(expr, func(r rune) bool {
		return unicode.IsSpace(r) || unicode.IsControl(r)
	}))

	nonWritableTemplate := fmt.Sprintf("{{%s}}", NonWritable)
	if strings.HasPrefix(trimmedS, nonWritableTemplate) {
		return stripHint(expr, nonWritableTemplate), false
	}

	writableTemplate := fmt.Sprintf("{{%s}}", Writable)
	if strings.HasPrefix(trimmedS, writableTemplate) {
		return stripHint(expr, writableTemplate), true
	}

	trimmedS = strings.TrimLeft(trimmedS, "(")
	keyword := firstWord(trimmedS)

	for _, prefix := range writePrefixes {
		if keyword == prefix {
			return expr, true
		}
	}

	for _, prefix := range readPrefixes {
		if keyword != prefix {
			continue
		}
		if lockingRead.MatchString(trimmedS) {
			return expr, true
		}
		if keyword == "with" && dataModifyingCTE.MatchString(trimmedS) {
			return expr, true
		}
		return expr, false
	}

	return expr, _default
}

func stripHint(expr, hint string) string {
	idx := strings.Index(strings.ToLower(expr), hint)
	if idx < 0 {
		return expr
	}
	return expr[:idx] + expr[idx+len(hint):]
}

func firstWord(s string) string {
	end := strings.IndexFunc(s, func(r rune) bool {
		return !unicode.IsLetter(r) && r != '_'
	})
	if end < 0 {
		return s
	}
	return s[:end]
}
