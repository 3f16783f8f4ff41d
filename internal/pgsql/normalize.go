package pgsql

import (
	"fmt"
	"strings"
	"unicode"
	"unicode/utf8"
)

// Characters after which the normalizer omits a following space.
const tokensWithoutFollowingWhitespace = ".([:"

// Characters before which the normalizer omits a preceding space.
const tokensWithoutPrecedingWhitespace = ",.()[]:"

// All characters allowed within a multi-character operator name.
const allOperatorChars = "+-*/<>~=!@#%^&|`?"

// Characters at least one of which an operator must contain if it ends in + or -.
const requiredIfOperatorEndsInPlusMinus = "~!@#%^&|`?"

// normalizer holds the lexer state for one query being normalized.
type normalizer struct {
	src          []byte
	pos          int
	lastCharSize int
	lastChar     rune

	commentLevel int

	params   []QueryParam
	tags     []QueryTag
	paramsBuf strings.Builder
	normalized strings.Builder
}

// Normalize lexes query and returns its canonical form, extracted
// parameters, and any /* key=value */ comment tags found.
func Normalize(query []byte) (QueryInfo, []QueryTag, error) {
	n := &normalizer{src: query}
	return n.run()
}

func (n *normalizer) run() (QueryInfo, []QueryTag, error) {
	for {
		c, err := n.next()
		if err != nil {
			return QueryInfo{}, nil, err
		}
		if c == 0 {
			break
		}

		var lexErr error
		switch {
		case isASCIISpace(c):
			lexErr = n.consumeWhitespace(c)
		case c == '\'':
			lexErr = n.singleQuotedString(c)
		case c == '"':
			lexErr = n.quotedIdentifier(c)
		case c == '$':
			lexErr = n.maybeDollarString(c)
		case c == '.' || isASCIIDigit(c):
			lexErr = n.numeric(c)
		case (c == 'N' || c == 'n') && n.matchFoldNotFollowedByIdentChar("ull"):
			lexErr = n.consumeFold("ull")
			if lexErr == nil {
				n.null()
			}
		case (c == 'B' || c == 'b') && n.peek() == '\'':
			lexErr = n.bitString(c)
		case (c == 'E' || c == 'e') && n.peek() == '\'':
			lexErr = n.escapeString(c)
		case (c == 'U' || c == 'u') && n.peek() == '&':
			lexErr = n.unicodeString(c)
		case (c == 'T' || c == 't') && n.matchFoldNotFollowedByIdentChar("rue"):
			lexErr = n.consumeFold("rue")
			if lexErr == nil {
				n.boolLit(true)
			}
		case (c == 'F' || c == 'f') && n.matchFoldNotFollowedByIdentChar("alse"):
			lexErr = n.consumeFold("alse")
			if lexErr == nil {
				n.boolLit(false)
			}
		case c == '/' && n.peek() == '*':
			lexErr = n.cStyleComment(c)
		case c == '-' && n.peek() == '-':
			lexErr = n.sqlComment(c)
		case unicode.IsLetter(c) || c == '_':
			lexErr = n.keywordOrIdentifier(c)
		case c == '(' || c == ')' || c == '[' || c == ']' || c == ',':
			n.appendChar(c)
		case c == ';':
			c2, err := n.next()
			if err != nil {
				return QueryInfo{}, nil, err
			}
			if err := n.consumeWhitespace(c2); err != nil {
				return QueryInfo{}, nil, err
			}
			if n.peek() == 0 {
				goto done
			}
			lexErr = n.operator(c)
		case c < 128:
			lexErr = n.operator(c)
		default:
			lexErr = fmt.Errorf("pgsql: unexpected char %q in query", c)
		}

		if lexErr != nil {
			return QueryInfo{}, nil, lexErr
		}
	}

done:
	normalized := n.normalized.String()
	return QueryInfo{
		Normalized: normalized,
		ParamsBuf:  n.paramsBuf.String(),
		Params:     n.params,
		Type:       QueryTypeFromNormalized(normalized),
	}, n.tags, nil
}

func isASCIISpace(c rune) bool {
	return c == ' ' || c == '\t' || c == '\n' || c == '\r' || c == '\v' || c == '\f'
}

func isASCIIDigit(c rune) bool {
	return c >= '0' && c <= '9'
}

func (n *normalizer) tail() []byte {
	return n.src[n.pos:]
}

// peek returns the next rune without consuming it, or 0 at EOF.
func (n *normalizer) peek() rune {
	c, _ := utf8.DecodeRune(n.tail())
	if c == utf8.RuneError {
		return 0
	}
	return c
}

// next consumes and returns the next rune, or 0 at EOF.
func (n *normalizer) next() (rune, error) {
	if len(n.tail()) == 0 {
		n.lastCharSize = 0
		return 0, nil
	}
	c, size := utf8.DecodeRune(n.tail())
	if c == utf8.RuneError && size <= 1 {
		return 0, fmt.Errorf("pgsql: invalid utf8 in query at byte %d", n.pos)
	}
	n.lastChar = c
	n.lastCharSize = size
	n.pos += size
	return c, nil
}

// backup un-reads the character just returned by next(). It is a no-op if
// the last next() call was already at end-of-input (nothing was consumed,
// so there's nothing to rewind) — this makes the lexer behave the same
// whether or not the caller's buffer carries an explicit trailing NUL byte
// (a simple Query message's text is NUL-terminated on the wire, so it
// usually does).
func (n *normalizer) backup() {
	if n.lastCharSize == 0 {
		return
	}
	n.pos -= n.lastCharSize
	n.lastCharSize = 0
}

func (n *normalizer) last() rune {
	return n.lastChar
}

func (n *normalizer) appendChar(c rune) {
	if !strings.ContainsRune(tokensWithoutPrecedingWhitespace, c) {
		n.writeSpace()
	}
	n.normalized.WriteRune(c)
}

func (n *normalizer) appendToken(tok []byte) {
	if len(tok) == 1 {
		n.appendChar(rune(tok[0]))
		return
	}
	n.writeSpace()
	n.normalized.Write(tok)
}

// matchFold reports whether s matches, case-insensitively, at the current
// position (without consuming).
func (n *normalizer) matchFold(s string) bool {
	tail := n.tail()
	if len(tail) < len(s) {
		return false
	}
	for i := 0; i < len(s); i++ {
		if toLowerASCII(tail[i]) != toLowerASCII(s[i]) {
			return false
		}
	}
	return true
}

// matchFoldNotFollowedByIdentChar is matchFold plus a check that the match
// isn't just a prefix of a longer identifier (e.g. "nullable" must not be
// split into the NULL literal followed by "able").
func (n *normalizer) matchFoldNotFollowedByIdentChar(s string) bool {
	if !n.matchFold(s) {
		return false
	}
	tail := n.tail()
	if len(tail) == len(s) {
		return true
	}
	next, _ := utf8.DecodeRune(tail[len(s):])
	return !(unicode.IsLetter(next) || isASCIIDigit(next) || next == '_' || next == '$')
}

// consumeFold advances past a keyword already matched by matchFold.
func (n *normalizer) consumeFold(s string) error {
	for i := 0; i < len(s); i++ {
		if _, err := n.next(); err != nil {
			return err
		}
	}
	return nil
}

func toLowerASCII(b byte) byte {
	if b >= 'A' && b <= 'Z' {
		return b + 32
	}
	return b
}

// writeSpace appends a space unless the normalized query so far ends in a
// character that should never be followed by whitespace.
func (n *normalizer) writeSpace() {
	s := n.normalized.String()
	if len(s) == 0 {
		return
	}
	last := s[len(s)-1]
	if strings.IndexByte(tokensWithoutFollowingWhitespace, last) < 0 {
		n.normalized.WriteByte(' ')
	}
}

func (n *normalizer) consumeWhitespace(c rune) error {
	for isASCIISpace(c) {
		var err error
		c, err = n.next()
		if err != nil {
			return err
		}
	}
	n.backup()
	return nil
}

// lookBehindForStringContinuation reports whether a string continuation
// (a ' followed by whitespace including at least one newline) immediately
// precedes byte position pos.
func (n *normalizer) lookBehindForStringContinuation(pos int) bool {
	foundNewline := false
	i := pos - 1
	for {
		c := rune(n.src[i])
		switch c {
		case ' ', '\t', '\f':
			// keep scanning
		case '\n', '\r':
			foundNewline = true
		case '\'':
			return foundNewline
		default:
			return false
		}
		if i == 0 {
			return false
		}
		i--
	}
}

// replaceLiteral writes a $N placeholder to the normalized query and
// records the literal's value. It may combine adjacent plain-string
// literals separated only by a newline-containing run of whitespace
// (PostgreSQL string continuation), and folds a preceding unary '-' into a
// numeric literal.
func (n *normalizer) replaceLiteral(start int, ty LiteralType) {
	tok := n.src[start:n.pos]

	if ty == LiteralString && len(n.params) > 0 {
		prev := &n.params[len(n.params)-1]
		switch prev.Type {
		case LiteralString, LiteralEscapeString, LiteralUnicodeString, LiteralBitString:
			if n.lookBehindForStringContinuation(start) {
				s := n.paramsBuf.String()
				if len(s) == 0 || s[len(s)-1] != '\'' {
					panic("pgsql: expected trailing quote before string continuation")
				}
				n.paramsBuf.Reset()
				n.paramsBuf.WriteString(s[:len(s)-1])
				n.paramsBuf.Write(tok[1:])
				return
			}
		}
	}

	negated := false
	if ty == LiteralInteger || ty == LiteralNumeric {
		negated = n.isNegativeNumber(start)
		if negated {
			s := n.normalized.String()
			if len(s) == 0 || s[len(s)-1] != '-' {
				panic("pgsql: expected trailing '-' to fold into numeric literal")
			}
			s = s[:len(s)-1]
			if len(s) > 0 && s[len(s)-1] == ' ' {
				s = s[:len(s)-1]
			}
			n.normalized.Reset()
			n.normalized.WriteString(s)
		}
	}

	ascii_uppercase := ty == LiteralNull || ty == LiteralBoolean
	start2 := n.paramsBuf.Len()
	for _, b := range tok {
		c := b
		if ascii_uppercase && c >= 'a' && c <= 'z' {
			c -= 32
		}
		n.paramsBuf.WriteByte(c)
	}
	_ = start2

	n.params = append(n.params, QueryParam{
		Value:   Range32{Start: uint32(start), End: uint32(start + len(tok))},
		Type:    ty,
		Negated: negated,
	})

	n.appendChar('$')
	fmt.Fprintf(&n.normalized, "%d", len(n.params))
}

func (n *normalizer) null() {
	n.replaceLiteral(n.pos-4, LiteralNull)
}

func (n *normalizer) boolLit(b bool) {
	start := n.pos - 5
	if b {
		start++
	}
	n.replaceLiteral(start, LiteralBoolean)
}

func (n *normalizer) appendTag(tag *QueryTag) {
	if tag.Val.End == 0 {
		tag.Val.End = uint32(n.pos)
	}
	n.tags = append(n.tags, *tag)
	*tag = QueryTag{}
}

// numeric parses a numeric literal (integer or numeric/decimal, with
// optional scientific-notation exponent), folding a preceding unary minus
// into the literal so that positive and negative forms of a query don't
// create distinct normalized forms.
func (n *normalizer) numeric(c rune) error {
	start := n.pos - 1
	decimal := false
	for {
		switch {
		case isASCIIDigit(c) || c == 'e' || c == 'E':
			// continue
		case c == '+' || c == '-':
			prev := n.last()
			if toLowerASCII(byte(prev)) != 'e' {
				return fmt.Errorf("pgsql: unexpected %q in numeric value following %q", c, prev)
			}
		case c == '.':
			if decimal {
				return fmt.Errorf("pgsql: cannot have two decimals in numeric value")
			}
			if !isASCIIDigit(n.peek()) && !isASCIIDigit(n.last()) {
				if n.pos != start+1 {
					panic("pgsql: '.' without digits not at the start of the literal")
				}
				return n.operator(c)
			}
			decimal = true
		case c == 0:
			goto eof
		default:
			if unicode.IsLetter(c) {
				return fmt.Errorf("pgsql: unexpected %q in numeric value", c)
			}
			goto eof
		}
		var err error
		c, err = n.next()
		if err != nil {
			return err
		}
	}

eof:
	n.backup()
	prev := n.last()
	if prev == 'e' || prev == 'E' || prev == '+' || prev == '-' {
		return fmt.Errorf("pgsql: numeric constant cannot end in exponent %q", prev)
	}

	ty := LiteralInteger
	if decimal && prev != '.' {
		ty = LiteralNumeric
	}

	n.replaceLiteral(start, ty)

	if decimal && prev == '.' {
		s := n.paramsBuf.String()
		if len(s) == 0 || s[len(s)-1] != '.' {
			panic("pgsql: expected trailing '.' to strip")
		}
		n.paramsBuf.Reset()
		n.paramsBuf.WriteString(s[:len(s)-1])
		n.params[len(n.params)-1].Value.End--
	}

	return nil
}

// cStyleComment parses a (possibly nested) /* ... */ comment, extracting
// any key=value tags found inside it.
func (n *normalizer) cStyleComment(c rune) error {
	start := n.pos
	var tag QueryTag

	for {
		switch {
		case c == '/' && n.peek() == '*':
			if tag.Val.Start != 0 {
				n.appendTag(&tag)
			}
			if _, err := n.next(); err != nil {
				return err
			}
			n.commentLevel++
		case c == '*' && n.peek() == '/':
			if tag.Val.Start != 0 {
				n.appendTag(&tag)
			}
			if _, err := n.next(); err != nil {
				return err
			}
			n.commentLevel--
			if n.commentLevel == 0 {
				return nil
			}
		case c == '=':
			i := n.pos - 2
			for i > start {
				ch := rune(n.src[i])
				if unicode.IsLetter(ch) || ch == '.' || ch == '-' || ch == '_' {
					i--
				} else {
					tag.Key.Start = uint32(i + 1)
					tag.Key.End = uint32(n.pos - 1)
					break
				}
			}
			if i == start {
				tag.Key.Start = uint32(start)
				tag.Key.End = uint32(n.pos - 1)
			}
		case isASCIISpace(c) || c == '"':
			if tag.Val.Start != 0 {
				n.appendTag(&tag)
			}
		}

		var err error
		c, err = n.next()
		if err != nil {
			return err
		}
		if c == 0 {
			return fmt.Errorf("pgsql: unexpected eof while parsing c-style comment")
		}
		if tag.Key.End != 0 && tag.Val.Start == 0 && !isASCIISpace(c) && c != '"' && c != '=' {
			tag.Val.Start = uint32(n.pos - 1)
		}
	}
}

func (n *normalizer) sqlComment(c rune) error {
	if _, err := n.next(); err != nil { // consume the second '-'
		return err
	}
	for {
		var err error
		c, err = n.next()
		if err != nil {
			return err
		}
		if c == '\r' || c == '\n' || c == 0 {
			return nil
		}
	}
}

// stringLit parses the body of a quoted string literal of the given type,
// starting just after the type's opening quote has been consumed.
func (n *normalizer) stringLit(ty LiteralType) error {
	start := n.pos - 1
	switch ty {
	case LiteralEscapeString:
		start--
	case LiteralUnicodeString:
		start -= 2
	}

	backslashes := 0
	for {
		c, err := n.next()
		if err != nil {
			return err
		}
		switch c {
		case 0:
			return fmt.Errorf("pgsql: unexpected eof parsing string")
		case '\'':
			if ty == LiteralEscapeString && backslashes%2 != 0 {
				backslashes = 0
			} else {
				goto done
			}
		case '\\':
			backslashes++
		default:
			backslashes = 0
		}
	}
done:
	n.replaceLiteral(start, ty)
	return nil
}

func (n *normalizer) quotedIdentifier(c rune) error {
	start := n.pos - 1
	for {
		var err error
		c, err = n.next()
		if err != nil {
			return err
		}
		if c == '"' {
			if n.peek() == '"' {
				if _, err := n.next(); err != nil {
					return err
				}
			} else {
				break
			}
		} else if c == 0 {
			return fmt.Errorf("pgsql: unexpected eof parsing quoted identifier")
		}
	}
	n.appendToken(n.src[start:n.pos])
	return nil
}

func (n *normalizer) maybeDollarString(c rune) error {
	start := n.pos - 1
	idx := indexByte(n.tail(), '$')
	if idx < 0 {
		return n.operator(c)
	}
	idx++ // include the $
	tagEnd := start + idx + 1
	tag := n.src[start:tagEnd]

	j := indexOf(n.src[tagEnd:], tag)
	if j < 0 {
		return fmt.Errorf("pgsql: missing ending %s for $ quoted string", tag)
	}
	n.pos = tagEnd + j + len(tag)
	if !utf8.Valid(n.src[start:n.pos]) {
		return fmt.Errorf("pgsql: invalid utf8 in dollar-quoted string")
	}
	n.replaceLiteral(start, LiteralDollarString)
	return nil
}

func indexByte(b []byte, c byte) int {
	for i, v := range b {
		if v == c {
			return i
		}
	}
	return -1
}

func indexOf(haystack, needle []byte) int {
	return strings.Index(string(haystack), string(needle))
}

func (n *normalizer) singleQuotedString(c rune) error {
	return n.stringLit(LiteralString)
}

func (n *normalizer) bitString(c rune) error {
	start := n.pos - 1
	if _, err := n.next(); err != nil { // consume opening quote
		return err
	}
	for {
		c2, err := n.next()
		if err != nil {
			return err
		}
		switch c2 {
		case '0', '1':
			// continue
		case '\'':
			n.replaceLiteral(start, LiteralBitString)
			return nil
		case 0:
			return fmt.Errorf("pgsql: unexpected eof while parsing bit string")
		default:
			return fmt.Errorf("pgsql: unexpected char %q in bit string literal", c2)
		}
	}
}

func (n *normalizer) escapeString(c rune) error {
	if _, err := n.next(); err != nil { // consume opening quote
		return err
	}
	return n.stringLit(LiteralEscapeString)
}

func (n *normalizer) unicodeString(c rune) error {
	if _, err := n.next(); err != nil { // consume '&'
		return err
	}
	c3, err := n.next()
	if err != nil {
		return err
	}
	if c3 != '\'' {
		n.backup()
		n.pos--
		return n.keywordOrIdentifier(c)
	}
	return n.stringLit(LiteralUnicodeString)
}

// operator parses a run of operator characters, per PostgreSQL's
// lexical rules: up to 63 chars from allOperatorChars, never containing
// -- or /*, and not ending in + or - unless it also contains one of
// requiredIfOperatorEndsInPlusMinus.
func (n *normalizer) operator(c rune) error {
	if c == '.' {
		n.appendChar(c)
		return nil
	}

	if !strings.ContainsRune(allOperatorChars, c) {
		return fmt.Errorf("pgsql: invalid char %q for operator", c)
	}

	start := n.pos - 1
	for {
		var err error
		c, err = n.next()
		if err != nil {
			return err
		}
		if c < 128 && strings.ContainsRune(allOperatorChars, c) {
			continue
		}
		break
	}

	n.backup()
	c = n.last()
	if n.pos-start > 1 && (c == '+' || c == '-') {
		if !strings.ContainsRune(requiredIfOperatorEndsInPlusMinus, c) {
			return fmt.Errorf("pgsql: an operator cannot end in + or - unless it includes one of %q", requiredIfOperatorEndsInPlusMinus)
		}
	}

	n.appendToken(n.src[start:n.pos])
	return nil
}

// keywordOrIdentifier parses a run of identifier/keyword characters
// (letters, digits, underscore, $, and '.' — the last kept as part of the
// token rather than treated as a separate operator, matching the original).
// Unlike the Rust original (which leaves the token untouched since
// distinguishing a keyword from an identifier needs the AST), the
// normalized form here uppercases the token: the spec's own worked
// examples (e.g. "select coalesce(...)" -> "SELECT COALESCE(...)") require
// it, so this normalizer applies it unconditionally to every identifier and
// keyword alike, same as the Null/Boolean literal uppercasing already does.
func (n *normalizer) keywordOrIdentifier(c rune) error {
	start := n.pos - 1
	for {
		var err error
		c, err = n.next()
		if err != nil {
			return err
		}
		if unicode.IsLetter(c) || isASCIIDigit(c) || c == '_' || c == '$' || c == '.' {
			continue
		}
		break
	}
	n.backup()
	n.appendToken([]byte(strings.ToUpper(string(n.src[start:n.pos]))))
	return nil
}

// isNegativeNumber guesses whether the '-' immediately preceding start is a
// unary minus attaching to the number (vs. a binary subtraction operator).
// This is a heuristic, not a full parse; callers must tolerate being wrong
// and re-deriving the correct sign from a real parse of the normalized
// query's cached plan.
func (n *normalizer) isNegativeNumber(start int) bool {
	signed := false
	whitespaceAfter := false
	i := start - 1
	for {
		c := rune(n.src[i])
		switch {
		case isASCIISpace(c):
			if signed {
				return !whitespaceAfter
			}
			whitespaceAfter = true
		case c == '-':
			if signed {
				return false
			}
			signed = true
		case c == '(' || c == '[':
			return signed
		default:
			return false
		}
		if i == 0 {
			return signed
		}
		i--
	}
}
