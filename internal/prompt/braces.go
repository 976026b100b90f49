package prompt

import (
	"fmt"
	"strings"
)

type node interface{ isNode() }

type literal string

// alternatives is a {a,b,c} group; each alternative is itself a sequence.
type alternatives [][]node

func (literal) isNode()      {}
func (alternatives) isNode() {}

// ExpandSets applies the set operator to one line. A line without braces
// yields itself. Groups may nest; a backslash escapes the next character.
// A group with a single alternative, such as {a}, is kept literally.
func ExpandSets(line string) ([]string, error) {
	p := &braceParser{src: line}
	seq, err := p.parseSequence(false)
	if err != nil {
		return nil, err
	}
	return expandSequence(seq, line)
}

type braceParser struct {
	src string
	pos int
}

func (p *braceParser) fail(offset int, reason string) error {
	return &ExpansionError{Template: p.src, Offset: offset, Reason: reason}
}

// parseSequence reads until the end of input or, inside a group, until the
// next top-level ',' or '}' which is left unconsumed.
func (p *braceParser) parseSequence(inGroup bool) ([]node, error) {
	var (
		seq []node
		buf strings.Builder
	)
	flush := func() {
		if buf.Len() > 0 {
			seq = append(seq, literal(buf.String()))
			buf.Reset()
		}
	}
	for p.pos < len(p.src) {
		c := p.src[p.pos]
		switch {
		case c == '\\':
			if p.pos+1 < len(p.src) {
				buf.WriteByte(p.src[p.pos+1])
				p.pos += 2
				continue
			}
			buf.WriteByte(c)
			p.pos++
		case c == '{':
			flush()
			nodes, err := p.parseGroup()
			if err != nil {
				return nil, err
			}
			seq = append(seq, nodes...)
		case c == '}':
			if inGroup {
				flush()
				return seq, nil
			}
			return nil, p.fail(p.pos, "unbalanced closing brace")
		case c == ',' && inGroup:
			flush()
			return seq, nil
		default:
			buf.WriteByte(c)
			p.pos++
		}
	}
	flush()
	return seq, nil
}

// parseGroup consumes a brace group starting at '{' and returns the nodes
// it contributes to the enclosing sequence.
func (p *braceParser) parseGroup() ([]node, error) {
	open := p.pos
	p.pos++ // '{'
	var alts alternatives
	for {
		alt, err := p.parseSequence(true)
		if err != nil {
			return nil, err
		}
		alts = append(alts, alt)
		if p.pos >= len(p.src) {
			return nil, p.fail(open, "unbalanced opening brace")
		}
		c := p.src[p.pos]
		p.pos++
		if c == '}' {
			break
		}
	}
	if len(alts) == 1 {
		nodes := []node{literal("{")}
		nodes = append(nodes, alts[0]...)
		return append(nodes, literal("}")), nil
	}
	return []node{alts}, nil
}

func expandSequence(seq []node, src string) ([]string, error) {
	results := []string{""}
	for _, n := range seq {
		switch v := n.(type) {
		case literal:
			for i := range results {
				results[i] += string(v)
			}
		case alternatives:
			var options []string
			for _, alt := range v {
				expanded, err := expandSequence(alt, src)
				if err != nil {
					return nil, err
				}
				options = append(options, expanded...)
			}
			if len(results)*len(options) > MaxExpansions {
				return nil, &ExpansionError{Template: src, Offset: -1, Reason: fmt.Sprintf("expands to more than %d prompts", MaxExpansions)}
			}
			next := make([]string, 0, len(results)*len(options))
			for _, prefix := range results {
				for _, opt := range options {
					next = append(next, prefix+opt)
				}
			}
			results = next
		}
	}
	return results, nil
}
