// Package topic implements topic tokenization and MQTT-style wildcard
// matching for the fabric broker's subscription trie.
package topic

import "strings"

// Tokenize splits a topic on '/', preserving a leading empty token for
// topics of the form "/foo" and a trailing empty token for "foo/". Topics
// beginning with '$' do not get a synthetic leading empty token, mirroring
// the original's subhier tokenizer which special-cases the "$SYS" root.
func Tokenize(t string) []string {
	if t == "" {
		return nil
	}

	var toks []string
	if t[0] != '$' {
		toks = append(toks, "")
	}
	if t[0] == '/' {
		toks = append(toks, "")
		t = t[1:]
	}

	start := 0
	for i := 0; i <= len(t); i++ {
		if i == len(t) || t[i] == '/' {
			toks = append(toks, t[start:i])
			start = i + 1
		}
	}
	return toks
}

// Reassemble inverts Tokenize for topics that neither begin nor end with
// '/' (the documented round-trip boundary in spec.md §8).
func Reassemble(toks []string) string {
	return strings.Join(toks, "/")
}

// IsWildcard reports whether a topic ends with the '#' token, i.e. it can
// only be used as a subscription, never as a publish destination.
func IsWildcard(t string) bool {
	if t == "" {
		return false
	}
	if t == "#" {
		return true
	}
	return strings.HasSuffix(t, "/#")
}

// Matches reports whether the concrete topic matches subscription sub,
// per spec.md §4.1: '$'-prefixed topics only match subscriptions that are
// also '$'-prefixed (or vice versa); '+' matches exactly one, possibly
// empty, token; '#' matches zero or more remaining tokens and must be
// terminal; everything else requires literal equality.
func Matches(sub, t string) bool {
	if len(sub) == 0 || len(t) == 0 {
		return false
	}

	subDollar := sub[0] == '$'
	topicDollar := t[0] == '$'
	if subDollar != topicDollar {
		return false
	}

	subToks := splitPlain(sub)
	topicToks := splitPlain(t)

	return matchTokens(subToks, topicToks)
}

// splitPlain splits on '/' without the leading-empty-token convention used
// by Tokenize; Matches only cares about the literal segment sequence.
func splitPlain(s string) []string {
	return strings.Split(s, "/")
}

func matchTokens(sub, t []string) bool {
	for i := 0; i < len(sub); i++ {
		s := sub[i]
		if s == "#" {
			// '#' must be terminal; callers only ever construct
			// subscriptions where this holds, so any remainder matches.
			return i == len(sub)-1
		}
		if i >= len(t) {
			return false
		}
		if s == "+" {
			continue
		}
		if s != t[i] {
			return false
		}
	}
	return len(sub) == len(t)
}

// IterateWildcards enumerates the wildcard subscriptions a concrete topic
// should additionally be tested against, in descending specificity: for
// "a/b/c" it yields "a/b/#", "a/#", "#", matching spec.md §4.1.
func IterateWildcards(t string) []string {
	toks := splitPlain(t)
	if len(toks) == 0 {
		return nil
	}

	out := make([]string, 0, len(toks))
	for n := len(toks) - 1; n >= 1; n-- {
		out = append(out, strings.Join(toks[:n], "/")+"/#")
	}
	out = append(out, "#")
	return out
}
